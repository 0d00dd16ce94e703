//go:build darwin

package restrictions

import (
	"go.uber.org/zap"

	"github.com/netwatch/agent/internal/runner"
)

const (
	usbKext   = "/System/Library/Extensions/IOUSBMassStorageClass.kext"
	cupsPlist = "/System/Library/LaunchDaemons/org.cups.cupsd.plist"
)

func NewPlatform(run runner.Runner, log *zap.Logger) Restrictor {
	return &helperRestrictor{
		run: run,
		log: log,
		toggles: []toggle{
			{
				name:    "usb",
				enabled: func(s Settings) bool { return s.DisableUSB },
				on:      [][]string{{"sudo", "-n", "kextunload", usbKext}},
				off:     [][]string{{"sudo", "-n", "kextload", usbKext}},
			},
			{
				name:    "printing",
				enabled: func(s Settings) bool { return s.DisablePrinting },
				on:      [][]string{{"sudo", "-n", "launchctl", "unload", cupsPlist}},
				off:     [][]string{{"sudo", "-n", "launchctl", "load", cupsPlist}},
			},
		},
	}
}
