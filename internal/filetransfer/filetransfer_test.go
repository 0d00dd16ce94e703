package filetransfer

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/netwatch/agent/internal/config"
	"github.com/netwatch/agent/internal/events"
	"github.com/netwatch/agent/internal/service/servicetest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTransport struct {
	*servicetest.Commander

	mu       sync.Mutex
	transfer func(events.FileTransferPayload)
	list     func(events.ListDirectoryPayload)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{Commander: servicetest.New()}
}

func (f *fakeTransport) OnFileTransfer(fn func(events.FileTransferPayload)) {
	f.mu.Lock()
	f.transfer = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnListDirectory(fn func(events.ListDirectoryPayload)) {
	f.mu.Lock()
	f.list = fn
	f.mu.Unlock()
}

func (f *fakeTransport) waitFor(t *testing.T, name string) []servicetest.Emitted {
	t.Helper()
	var got []servicetest.Emitted
	require.Eventually(t, func() bool {
		got = f.Emitted(name)
		return len(got) > 0
	}, 2*time.Second, 5*time.Millisecond, "no %s event", name)
	return got
}

func newService(t *testing.T, mutate func(*config.FileTransferConfig)) (*Service, *fakeTransport) {
	t.Helper()
	cfg := config.Default()
	cfg.FileTransfer.ChunkDelay = 0
	if mutate != nil {
		mutate(&cfg.FileTransfer)
	}
	s := New(config.NewStore(cfg), zaptest.NewLogger(t))
	tr := newFakeTransport()
	s.RegisterHandlers(context.Background(), tr)
	t.Cleanup(func() { require.NoError(t, s.Stop(context.Background())) })
	return s, tr
}

func TestListSortsDirectoriesFirst(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.txt"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "zdir"), 0o755))

	s, _ := newService(t, nil)
	got := s.List(dir)

	require.Empty(t, got.Error)
	require.Len(t, got.Entries, 3)
	assert.Equal(t, "zdir", got.Entries[0].Name)
	assert.True(t, got.Entries[0].IsDirectory)
	assert.Equal(t, "A.txt", got.Entries[1].Name)
	assert.Equal(t, "b.txt", got.Entries[2].Name)
	assert.Equal(t, uint64(5), got.Entries[2].Size)
	assert.Equal(t, filepath.Join(dir, "b.txt"), got.Entries[2].Path)
	assert.NotZero(t, got.Entries[2].Modified)
}

func TestListMissingDirectoryReportsError(t *testing.T) {
	s, _ := newService(t, nil)
	got := s.List(filepath.Join(t.TempDir(), "nope"))
	assert.NotEmpty(t, got.Error)
	assert.NotNil(t, got.Entries)
}

func TestListDirectoryEvent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644))
	_, tr := newService(t, nil)

	tr.list(events.ListDirectoryPayload{Path: dir})

	got := tr.waitFor(t, events.DirectoryListing)
	p := got[0].Payload.(events.DirectoryListingPayload)
	assert.Equal(t, dir, p.Path)
	require.Len(t, p.Entries, 1)
	assert.Equal(t, "f", p.Entries[0].Name)
}

func TestDownloadChunksAndChecksum(t *testing.T) {
	dir := t.TempDir()
	data := []byte("0123456789abcdefghij") // 20 bytes, 3 chunks of 8
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s, tr := newService(t, func(c *config.FileTransferConfig) { c.ChunkSize = 8 })
	require.NoError(t, s.Download(context.Background(), "t-1", path))

	progress := tr.Emitted(events.FileTransferProgress)
	require.Len(t, progress, 3)
	var pct []uint32
	for _, e := range progress {
		p := e.Payload.(events.FileTransferProgressPayload)
		assert.Equal(t, "t-1", p.TransferID)
		pct = append(pct, p.Progress)
	}
	assert.Equal(t, []uint32{40, 80, 100}, pct)

	content := tr.Emitted(events.FileContent)
	require.Len(t, content, 1)
	fc := content[0].Payload.(events.FileContentPayload)
	assert.Equal(t, "data.bin", fc.FileName)
	assert.Equal(t, uint64(20), fc.FileSize)
	assert.Empty(t, fc.Error)
	decoded, err := base64.StdEncoding.DecodeString(fc.FileData)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
	sum := blake3.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), fc.Checksum)
}

func TestDownloadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	s, tr := newService(t, nil)
	require.NoError(t, s.Download(context.Background(), "t-e", path))

	assert.Empty(t, tr.Emitted(events.FileTransferProgress))
	content := tr.Emitted(events.FileContent)
	require.Len(t, content, 1)
	assert.Equal(t, uint64(0), content[0].Payload.(events.FileContentPayload).FileSize)
}

func TestDownloadRejectsLargeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))

	s, tr := newService(t, func(c *config.FileTransferConfig) { c.MaxFileSize = 32 })
	err := s.Download(context.Background(), "t-2", path)
	require.ErrorIs(t, err, ErrTooLarge)
	assert.Empty(t, tr.Emitted(events.FileContent))
}

func TestDownloadRejectsDirectory(t *testing.T) {
	s, _ := newService(t, nil)
	assert.Error(t, s.Download(context.Background(), "t-3", t.TempDir()))
}

func TestDownloadStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slow")
	require.NoError(t, os.WriteFile(path, make([]byte, 32), 0o644))

	s, _ := newService(t, func(c *config.FileTransferConfig) {
		c.ChunkSize = 8
		c.ChunkDelay = time.Hour
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Download(ctx, "t-4", path) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("download did not stop")
	}
}

func TestTransferEventDownloadFailureReported(t *testing.T) {
	_, tr := newService(t, nil)
	tr.transfer(events.FileTransferPayload{
		TransferID: "t-5",
		Direction:  DirectionDownload,
		RemotePath: filepath.Join(t.TempDir(), "missing.txt"),
	})

	got := tr.waitFor(t, events.FileContent)
	fc := got[0].Payload.(events.FileContentPayload)
	assert.Equal(t, "t-5", fc.TransferID)
	assert.Equal(t, "missing.txt", fc.FileName)
	assert.NotEmpty(t, fc.Error)
	assert.Empty(t, fc.FileData)
}

func TestTransferEventUnknownDirection(t *testing.T) {
	_, tr := newService(t, nil)
	tr.transfer(events.FileTransferPayload{Direction: "sideways", RemotePath: "x"})

	got := tr.waitFor(t, events.FileContent)
	fc := got[0].Payload.(events.FileContentPayload)
	assert.NotEmpty(t, fc.TransferID, "missing id is generated")
	assert.Contains(t, fc.Error, "unknown transfer direction")
}

func TestUploadWritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))
	data := []byte("new contents")
	enc := base64.StdEncoding.EncodeToString(data)
	sum := blake3.Sum256(data)
	check := hex.EncodeToString(sum[:])

	_, tr := newService(t, nil)
	tr.transfer(events.FileTransferPayload{
		TransferID: "t-6",
		Direction:  DirectionUpload,
		RemotePath: path,
		FileData:   &enc,
		Checksum:   &check,
	})

	got := tr.waitFor(t, events.FileTransferProgress)
	p := got[0].Payload.(events.FileTransferProgressPayload)
	assert.Equal(t, uint32(100), p.Progress)
	assert.Equal(t, uint64(len(data)), p.BytesTransferred)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, written)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file left behind")
}

func TestUploadChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	enc := base64.StdEncoding.EncodeToString([]byte("payload"))
	bad := hex.EncodeToString(make([]byte, 32))

	s, tr := newService(t, nil)
	err := s.Upload(context.Background(), events.FileTransferPayload{
		TransferID: "t-7",
		Direction:  DirectionUpload,
		RemotePath: path,
		FileData:   &enc,
		Checksum:   &bad,
	})
	require.ErrorIs(t, err, ErrChecksum)
	assert.NoFileExists(t, path)
	assert.Empty(t, tr.Emitted(events.FileTransferProgress))
}

func TestUploadRejects(t *testing.T) {
	s, _ := newService(t, func(c *config.FileTransferConfig) { c.MaxFileSize = 4 })
	path := filepath.Join(t.TempDir(), "out")

	big := base64.StdEncoding.EncodeToString([]byte("too large"))
	err := s.Upload(context.Background(), events.FileTransferPayload{RemotePath: path, FileData: &big})
	assert.ErrorIs(t, err, ErrTooLarge)

	junk := "!!!!"
	err = s.Upload(context.Background(), events.FileTransferPayload{RemotePath: path, FileData: &junk})
	assert.ErrorContains(t, err, "decoding file data")

	err = s.Upload(context.Background(), events.FileTransferPayload{RemotePath: path})
	assert.Error(t, err)
	assert.NoFileExists(t, path)
}

func TestRegisterHandlersWithoutFileEvents(t *testing.T) {
	s := New(nil, zaptest.NewLogger(t))
	cmd := servicetest.New()
	s.RegisterHandlers(context.Background(), cmd)
	assert.Nil(t, s.out)
}

func TestStopRefusesNewRequests(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	s, tr := newService(t, nil)

	require.NoError(t, s.Stop(context.Background()))
	tr.transfer(events.FileTransferPayload{TransferID: "t-8", Direction: DirectionDownload, RemotePath: path})
	tr.list(events.ListDirectoryPayload{Path: dir})

	assert.Never(t, func() bool {
		return len(tr.Emitted(events.FileContent)) > 0 || len(tr.Emitted(events.DirectoryListing)) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
	assert.False(t, s.begin())

	// A restart accepts requests again.
	require.NoError(t, s.Start(context.Background()))
	tr.list(events.ListDirectoryPayload{Path: dir})
	tr.waitFor(t, events.DirectoryListing)
}

func TestStopWaitsForInflightTransfer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slow")
	require.NoError(t, os.WriteFile(path, make([]byte, 16), 0o644))
	s, tr := newService(t, func(c *config.FileTransferConfig) {
		c.ChunkSize = 8
		c.ChunkDelay = 150 * time.Millisecond
	})

	tr.transfer(events.FileTransferPayload{TransferID: "t-9", Direction: DirectionDownload, RemotePath: path})
	require.NoError(t, s.Stop(context.Background()))

	// Stop returned only after the download sent its content.
	assert.Len(t, tr.Emitted(events.FileContent), 1)
}
