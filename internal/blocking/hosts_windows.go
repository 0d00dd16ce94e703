//go:build windows

package blocking

import (
	"context"
	"strings"

	"github.com/netwatch/agent/internal/runner"
)

const defaultHostsPath = `C:\Windows\System32\drivers\etc\hosts`

var dnsFlushCommands = [][]string{
	{"ipconfig", "/flushdns"},
}

// privilegedWrite rewrites the file through PowerShell.
func privilegedWrite(ctx context.Context, r runner.Runner, path, content string) error {
	escaped := strings.NewReplacer("`", "``", `"`, "`\"", "$", "`$", "\r\n", "`r`n", "\n", "`r`n").Replace(content)
	script := "Set-Content -Path '" + strings.ReplaceAll(path, "'", "''") + "' -Value \"" + escaped + "\" -NoNewline -Encoding ASCII"
	_, err := r.Run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script)
	return err
}
