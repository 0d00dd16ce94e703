//go:build !windows

package blocking

import (
	"context"
	"os"
	"path/filepath"

	"github.com/netwatch/agent/internal/runner"
)

const defaultHostsPath = "/etc/hosts"

// privilegedWrite stages content in a temp file and copies it into place
// with sudo.
func privilegedWrite(ctx context.Context, r runner.Runner, path, content string) error {
	tmp, err := os.CreateTemp("", "netwatch-hosts-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	_, err = r.Run(ctx, "sudo", "-n", "cp", filepath.Clean(tmp.Name()), path)
	return err
}
