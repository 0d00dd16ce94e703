package blocking

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/netwatch/agent/internal/runner"
)

const (
	blockAddr    = "127.0.0.1"
	markerPrefix = "# netwatch-block "
)

// ListFile is the external list file website rules are written to.
type ListFile interface {
	Read() (string, error)
	Write(ctx context.Context, content string) error
}

// HostsFile is the system hosts file. Writes that fail for lack of
// permission are retried through the platform's privileged helper.
type HostsFile struct {
	Path   string
	Runner runner.Runner
	Log    *zap.Logger
}

func NewHostsFile(path string, r runner.Runner, log *zap.Logger) *HostsFile {
	if path == "" {
		path = defaultHostsPath
	}
	if r == nil {
		r = runner.Exec{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HostsFile{Path: path, Runner: r, Log: log}
}

func (h *HostsFile) Read() (string, error) {
	b, err := os.ReadFile(h.Path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h *HostsFile) Write(ctx context.Context, content string) error {
	err := os.WriteFile(h.Path, []byte(content), 0o644)
	if err == nil {
		return nil
	}
	h.Log.Debug("direct hosts write failed, using helper", zap.String("path", h.Path), zap.Error(err))
	if herr := privilegedWrite(ctx, h.Runner, h.Path, content); herr != nil {
		return fmt.Errorf("writing %s: %w", h.Path, errors.Join(err, herr))
	}
	return nil
}

// flushDNS runs the platform's DNS cache flush commands. Failures are
// ignored.
func flushDNS(ctx context.Context, r runner.Runner, log *zap.Logger) {
	for _, cmd := range dnsFlushCommands {
		if _, err := r.Run(ctx, cmd[0], cmd[1:]...); err != nil {
			log.Debug("dns flush failed", zap.Error(err))
		}
	}
}

// validDomain rejects values that would corrupt the hosts file.
func validDomain(d string) error {
	if d == "" {
		return errors.New("empty domain")
	}
	if strings.ContainsAny(d, " \t\r\n#") {
		return fmt.Errorf("invalid domain %q", d)
	}
	return nil
}

func hostLines(domain string) []string {
	return []string{
		markerPrefix + domain,
		blockAddr + " " + domain,
		blockAddr + " www." + domain,
	}
}

// isBlocked reports whether content already maps domain to the block
// address.
func isBlocked(content, domain string) bool {
	want := blockAddr + " " + strings.ToLower(domain)
	for _, line := range strings.Split(content, "\n") {
		if strings.ToLower(strings.Join(strings.Fields(line), " ")) == want {
			return true
		}
	}
	return false
}

// addBlock appends the block entries for domain.
func addBlock(content, domain string) string {
	return strings.TrimRight(content, "\r\n \t") + "\n" + strings.Join(hostLines(domain), "\n") + "\n"
}

// removeBlock drops the marker and block lines for domain, leaving every
// other line untouched.
func removeBlock(content, domain string) string {
	drop := make(map[string]bool)
	for _, l := range hostLines(strings.ToLower(domain)) {
		drop[l] = true
	}
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, line := range lines {
		norm := strings.ToLower(strings.Join(strings.Fields(line), " "))
		if drop[norm] {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
