//go:build windows

package restrictions

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/windows/registry"

	"github.com/netwatch/agent/internal/runner"
)

const (
	systemPolicies   = `Software\Microsoft\Windows\CurrentVersion\Policies\System`
	explorerPolicies = `Software\Microsoft\Windows\CurrentVersion\Policies\Explorer`
	cmdPolicies      = `Software\Policies\Microsoft\Windows\System`
	usbStorService   = `SYSTEM\CurrentControlSet\Services\USBSTOR`

	usbDisabled = 4
	usbManual   = 3
)

type policyValue struct {
	root  registry.Key
	path  string
	name  string
	value func(Settings) uint32
}

func flag(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

var policies = []policyValue{
	{registry.CURRENT_USER, systemPolicies, "DisableTaskMgr", func(s Settings) uint32 { return flag(s.DisableTaskManager) }},
	{registry.CURRENT_USER, cmdPolicies, "DisableCMD", func(s Settings) uint32 { return flag(s.DisableCommandPrompt) }},
	{registry.CURRENT_USER, explorerPolicies, "NoControlPanel", func(s Settings) uint32 { return flag(s.DisableControlPanel) }},
	{registry.CURRENT_USER, systemPolicies, "DisableRegistryTools", func(s Settings) uint32 { return flag(s.DisableRegistryEditor) }},
	{registry.LOCAL_MACHINE, usbStorService, "Start", func(s Settings) uint32 {
		if s.DisableUSB {
			return usbDisabled
		}
		return usbManual
	}},
}

type windowsRestrictor struct {
	run runner.Runner
	log *zap.Logger
}

func NewPlatform(run runner.Runner, log *zap.Logger) Restrictor {
	return &windowsRestrictor{run: run, log: log}
}

func (w *windowsRestrictor) Apply(ctx context.Context, s Settings) error {
	var errs []error
	for _, p := range policies {
		if err := setDWORD(p.root, p.path, p.name, p.value(s)); err != nil {
			errs = append(errs, err)
		}
	}

	verb := "start"
	if s.DisablePrinting {
		verb = "stop"
	}
	if _, err := w.run.Run(ctx, "net", verb, "spooler"); err != nil {
		w.log.Warn("spooler toggle failed", zap.String("action", verb), zap.Error(err))
	}
	return errors.Join(errs...)
}

func setDWORD(root registry.Key, path, name string, v uint32) error {
	k, _, err := registry.CreateKey(root, path, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer k.Close()
	if err := k.SetDWordValue(name, v); err != nil {
		return fmt.Errorf("setting %s\\%s: %w", path, name, err)
	}
	return nil
}
