//go:build linux

package restrictions

import (
	"go.uber.org/zap"

	"github.com/netwatch/agent/internal/runner"
)

const usbBlacklist = "/etc/modprobe.d/disable-usb-storage.conf"

func NewPlatform(run runner.Runner, log *zap.Logger) Restrictor {
	return &helperRestrictor{
		run: run,
		log: log,
		toggles: []toggle{
			{
				name:    "usb",
				enabled: func(s Settings) bool { return s.DisableUSB },
				on: [][]string{
					{"sudo", "-n", "modprobe", "-r", "usb_storage"},
					{"sudo", "-n", "sh", "-c", "echo 'blacklist usb_storage' > " + usbBlacklist},
				},
				off: [][]string{
					{"sudo", "-n", "modprobe", "usb_storage"},
					{"sudo", "-n", "rm", "-f", usbBlacklist},
				},
			},
			{
				name:    "printing",
				enabled: func(s Settings) bool { return s.DisablePrinting },
				on: [][]string{
					{"sudo", "-n", "systemctl", "stop", "cups"},
					{"sudo", "-n", "systemctl", "disable", "cups"},
				},
				off: [][]string{
					{"sudo", "-n", "systemctl", "enable", "cups"},
					{"sudo", "-n", "systemctl", "start", "cups"},
				},
			},
		},
	}
}
