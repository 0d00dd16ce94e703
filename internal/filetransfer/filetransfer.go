// Package filetransfer serves directory listings and moves files between
// the server and the local disk.
package filetransfer

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/netwatch/agent/internal/config"
	"github.com/netwatch/agent/internal/events"
	"github.com/netwatch/agent/internal/service"
)

const (
	DirectionDownload = "download"
	DirectionUpload   = "upload"
)

var (
	ErrTooLarge         = errors.New("file exceeds transfer size limit")
	ErrChecksum         = errors.New("checksum mismatch")
	ErrUnknownDirection = errors.New("unknown transfer direction")
)

// Transport is what the service needs from the connection: the two
// single-slot event subscriptions and Emit.
type Transport interface {
	OnFileTransfer(fn func(events.FileTransferPayload))
	OnListDirectory(fn func(events.ListDirectoryPayload))
	Emit(ctx context.Context, name string, payload any) error
}

type Service struct {
	cfg *config.Store
	out Transport
	log *zap.Logger

	mu       sync.Mutex
	stopping bool
	inflight sync.WaitGroup
}

func New(cfg *config.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.NewStore(nil)
	}
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Name() string { return "file-transfer" }

func (s *Service) Start(context.Context) error {
	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()
	return nil
}

// Stop refuses new requests, then waits for in-flight transfers to finish
// or for ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterHandlers subscribes to file_transfer and list_directory. cmd must
// also implement Transport; otherwise the service stays inert.
func (s *Service) RegisterHandlers(ctx context.Context, cmd service.Commander) {
	t, ok := cmd.(Transport)
	if !ok {
		s.log.Warn("transport does not deliver file events, file transfer disabled")
		return
	}
	s.out = t
	t.OnListDirectory(func(p events.ListDirectoryPayload) {
		if !s.begin() {
			s.log.Warn("service stopping, directory listing ignored", zap.String("path", p.Path))
			return
		}
		go func() {
			defer s.inflight.Done()
			if err := t.Emit(ctx, events.DirectoryListing, s.List(p.Path)); err != nil {
				s.log.Warn("directory listing not sent", zap.Error(err))
			}
		}()
	})
	t.OnFileTransfer(func(p events.FileTransferPayload) {
		if !s.begin() {
			s.log.Warn("service stopping, transfer ignored", zap.String("transfer_id", p.TransferID))
			return
		}
		go func() {
			defer s.inflight.Done()
			s.handleTransfer(ctx, p)
		}()
	})
}

// begin registers one in-flight request unless Stop has started.
func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Service) handleTransfer(ctx context.Context, p events.FileTransferPayload) {
	if p.TransferID == "" {
		p.TransferID = uuid.NewString()
	}
	log := s.log.With(zap.String("transfer_id", p.TransferID), zap.String("direction", p.Direction), zap.String("path", p.RemotePath))

	var err error
	switch p.Direction {
	case DirectionDownload:
		err = s.Download(ctx, p.TransferID, p.RemotePath)
	case DirectionUpload:
		err = s.Upload(ctx, p)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownDirection, p.Direction)
	}
	if err == nil {
		log.Info("transfer complete")
		return
	}
	log.Warn("transfer failed", zap.Error(err))
	if ctx.Err() != nil {
		return
	}
	if emitErr := s.out.Emit(ctx, events.FileContent, events.FileContentPayload{
		TransferID: p.TransferID,
		FileName:   filepath.Base(p.RemotePath),
		Error:      err.Error(),
	}); emitErr != nil {
		log.Warn("transfer failure not reported", zap.Error(emitErr))
	}
}

// resolve turns a server path into a clean local one. Relative paths are
// taken from the user's home directory.
func resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	}
	if !filepath.IsAbs(p) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, p)
	}
	return filepath.Clean(p), nil
}

// List reads one directory. Failures are reported in the payload's Error
// field. Directories sort before files, then by name.
func (s *Service) List(path string) events.DirectoryListingPayload {
	out := events.DirectoryListingPayload{Path: path, Entries: []events.DirectoryEntry{}}
	dir, err := resolve(path)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Path = dir

	entries, err := os.ReadDir(dir)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		entry := events.DirectoryEntry{
			Name:        e.Name(),
			Path:        filepath.Join(dir, e.Name()),
			IsDirectory: e.IsDir(),
			Modified:    uint64(info.ModTime().UnixMilli()),
		}
		if !e.IsDir() {
			entry.Size = uint64(info.Size())
		}
		out.Entries = append(out.Entries, entry)
	}
	sort.SliceStable(out.Entries, func(i, j int) bool {
		a, b := out.Entries[i], out.Entries[j]
		if a.IsDirectory != b.IsDirectory {
			return a.IsDirectory
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	return out
}

// Download reads path in chunks, emitting progress after each, then sends
// the whole file base64-encoded with its BLAKE3 checksum.
func (s *Service) Download(ctx context.Context, transferID, path string) error {
	cfg := s.cfg.Get().FileTransfer
	local, err := resolve(path)
	if err != nil {
		return err
	}
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", local)
	}
	size := info.Size()
	if cfg.MaxFileSize > 0 && size > cfg.MaxFileSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = 1 << 20
	}
	h := blake3.New()
	data := make([]byte, 0, size)
	buf := make([]byte, chunk)
	for {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			h.Write(buf[:n])
			if err := s.out.Emit(ctx, events.FileTransferProgress, events.FileTransferProgressPayload{
				TransferID:       transferID,
				Progress:         percent(int64(len(data)), size),
				BytesTransferred: uint64(len(data)),
			}); err != nil {
				return fmt.Errorf("sending progress: %w", err)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return rerr
		}
		if cfg.MaxFileSize > 0 && int64(len(data)) > cfg.MaxFileSize {
			return fmt.Errorf("%w: file grew during transfer", ErrTooLarge)
		}
		if !sleep(ctx, cfg.ChunkDelay) {
			return ctx.Err()
		}
	}

	return s.out.Emit(ctx, events.FileContent, events.FileContentPayload{
		TransferID: transferID,
		FileName:   filepath.Base(local),
		FileData:   base64.StdEncoding.EncodeToString(data),
		FileSize:   uint64(len(data)),
		Checksum:   hex.EncodeToString(h.Sum(nil)),
	})
}

// Upload writes the payload's data to its remote path. The file is
// replaced atomically and only after the optional checksum matches.
func (s *Service) Upload(ctx context.Context, p events.FileTransferPayload) error {
	if p.FileData == nil {
		return errors.New("upload without file data")
	}
	limit := s.cfg.Get().FileTransfer.MaxFileSize
	if limit > 0 && int64(base64.StdEncoding.DecodedLen(len(*p.FileData))) > limit+2 {
		return ErrTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(*p.FileData)
	if err != nil {
		return fmt.Errorf("decoding file data: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return ErrTooLarge
	}
	if p.Checksum != nil && *p.Checksum != "" {
		sum := blake3.Sum256(data)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), *p.Checksum) {
			return ErrChecksum
		}
	}

	local, err := resolve(p.RemotePath)
	if err != nil {
		return err
	}
	if err := writeAtomic(local, data); err != nil {
		return err
	}
	return s.out.Emit(ctx, events.FileTransferProgress, events.FileTransferProgressPayload{
		TransferID:       p.TransferID,
		Progress:         100,
		BytesTransferred: uint64(len(data)),
	})
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}

func percent(done, total int64) uint32 {
	if total <= 0 {
		return 100
	}
	p := done * 100 / total
	if p > 100 {
		p = 100
	}
	return uint32(p)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
