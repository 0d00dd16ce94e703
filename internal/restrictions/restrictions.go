// Package restrictions applies OS lockdown settings such as disabling USB
// storage or printing. The platform implementation is chosen at build time.
package restrictions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/netwatch/agent/internal/runner"
	"github.com/netwatch/agent/internal/service"
)

// ErrUnsupported is returned on platforms without a restrictor.
var ErrUnsupported = errors.New("restrictions: not supported on this platform")

// Settings is the full restriction set. Absent fields mean "allowed".
type Settings struct {
	DisableTaskManager    bool `json:"disableTaskManager"`
	DisableCommandPrompt  bool `json:"disableCommandPrompt"`
	DisableControlPanel   bool `json:"disableControlPanel"`
	DisableUSB            bool `json:"disableUsb"`
	DisablePrinting       bool `json:"disablePrinting"`
	DisableRegistryEditor bool `json:"disableRegistryEditor"`
}

// Restrictor applies a complete settings set, turning off anything not
// requested.
type Restrictor interface {
	Apply(ctx context.Context, s Settings) error
}

// Service exposes the restrictor over server commands.
type Service struct {
	restrictor Restrictor
	log        *zap.Logger

	mu      sync.RWMutex
	current Settings
}

// New returns a service backed by r, or by the platform restrictor when r
// is nil.
func New(r Restrictor, run runner.Runner, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if run == nil {
		run = runner.Exec{}
	}
	if r == nil {
		r = NewPlatform(run, log)
	}
	return &Service{restrictor: r, log: log}
}

func (s *Service) Name() string { return "restrictions" }

// Start is a no-op; restrictions change only on command.
func (s *Service) Start(context.Context) error { return nil }

// Stop leaves applied restrictions in place.
func (s *Service) Stop(context.Context) error { return nil }

// Apply applies settings and records them as current on success.
func (s *Service) Apply(ctx context.Context, settings Settings) error {
	if err := s.restrictor.Apply(ctx, settings); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = settings
	s.mu.Unlock()
	s.log.Info("restrictions applied", zap.Any("settings", settings))
	return nil
}

func (s *Service) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Service) RegisterHandlers(ctx context.Context, cmd service.Commander) {
	r := service.NewRouter(s.log)
	r.Handle("SET_RESTRICTIONS", func(ctx context.Context, raw json.RawMessage) (string, error) {
		var settings Settings
		if err := service.DecodePayload(raw, &settings); err != nil {
			return "", err
		}
		if err := s.Apply(ctx, settings); err != nil {
			return "", err
		}
		return "Restrictions applied", nil
	})
	r.Handle("GET_RESTRICTIONS", func(context.Context, json.RawMessage) (string, error) {
		return service.JSON(s.Current())
	})
	r.Handle("REMOVE_RESTRICTIONS", func(ctx context.Context, _ json.RawMessage) (string, error) {
		if err := s.Apply(ctx, Settings{}); err != nil {
			return "", fmt.Errorf("removing restrictions: %w", err)
		}
		return "All restrictions removed", nil
	})
	r.Attach(ctx, cmd)
}

// helperRestrictor runs a fixed command list per setting. Helper failures
// are logged and do not fail Apply; the commands are best-effort toggles.
type helperRestrictor struct {
	run runner.Runner
	log *zap.Logger
	// toggles maps a setting to the commands run when it is enabled and
	// when it is disabled.
	toggles []toggle
}

type toggle struct {
	name    string
	enabled func(Settings) bool
	on, off [][]string
}

func (h *helperRestrictor) Apply(ctx context.Context, s Settings) error {
	for _, t := range h.toggles {
		cmds := t.off
		if t.enabled(s) {
			cmds = t.on
		}
		for _, c := range cmds {
			if _, err := h.run.Run(ctx, c[0], c[1:]...); err != nil {
				h.log.Warn("restriction helper failed", zap.String("restriction", t.name), zap.Error(err))
			}
		}
	}
	return nil
}
