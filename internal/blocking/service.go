// Package blocking enforces website and application block rules.
//
// Website rules are edge-triggered: applying one rewrites the hosts file at
// once, after a one-time backup of its original content. Application rules
// are level-triggered: a loop re-reads the process table every enforcement
// interval and kills every process whose name contains an active pattern.
package blocking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netwatch/agent/internal/config"
	"github.com/netwatch/agent/internal/runner"
	"github.com/netwatch/agent/internal/service"
	"github.com/netwatch/agent/internal/sysinfo"
)

// ProcessTable is the live process view enforcement runs against.
type ProcessTable interface {
	Snapshot(ctx context.Context) ([]sysinfo.Process, error)
	Terminate(ctx context.Context, pid int32) error
}

// EnforcementResult describes one enforcement pass.
type EnforcementResult struct {
	Killed []int32
	Errors []error
}

type Service struct {
	cfg    *config.Store
	procs  ProcessTable
	hosts  ListFile
	runner runner.Runner
	log    *zap.Logger
	selfID int32

	mu       sync.RWMutex
	websites []Rule
	apps     []Rule

	hostsMu sync.Mutex // serialises hosts read-modify-write
	backup  *string

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

type Options struct {
	Config *config.Store
	Procs  ProcessTable
	Hosts  ListFile
	Runner runner.Runner
	Logger *zap.Logger
}

func New(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := opts.Runner
	if r == nil {
		r = runner.Exec{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewStore(nil)
	}
	hosts := opts.Hosts
	if hosts == nil {
		hosts = NewHostsFile(cfg.Get().Blocking.HostsPath, r, log)
	}
	return &Service{
		cfg:      cfg,
		procs:    opts.Procs,
		hosts:    hosts,
		runner:   r,
		log:      log,
		selfID:   int32(os.Getpid()),
		websites: []Rule{},
		apps:     []Rule{},
	}
}

func (s *Service) Name() string { return "blocking" }

// Start launches the enforcement loop. Calling it while running is a
// no-op.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return nil
	}
	if s.procs == nil {
		return errors.New("blocking: no process table")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.loop(loopCtx, s.stopped)
	s.log.Info("blocking service started")
	return nil
}

// Stop ends the loop and restores the hosts file if it was ever modified.
// Without a backup it touches nothing.
func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
		s.log.Info("blocking service stopped")
	}
	return s.RestoreHosts(ctx)
}

func (s *Service) loop(ctx context.Context, stopped chan<- struct{}) {
	defer close(stopped)
	for {
		res := s.Enforce(ctx)
		for _, err := range res.Errors {
			s.log.Warn("enforcement error", zap.Error(err))
		}

		t := time.NewTimer(s.cfg.Get().Blocking.EnforceInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Enforce kills every live process matching an active application block
// rule. The agent's own process is never touched.
func (s *Service) Enforce(ctx context.Context) EnforcementResult {
	var res EnforcementResult

	s.mu.RLock()
	patterns := blockedPatterns(s.apps)
	s.mu.RUnlock()
	if len(patterns) == 0 {
		return res
	}

	procs, err := s.procs.Snapshot(ctx)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return res
	}
	for _, p := range procs {
		if p.PID == s.selfID {
			continue
		}
		pattern, ok := matchPattern(p.Name, patterns)
		if !ok {
			continue
		}
		if err := s.procs.Terminate(ctx, p.PID); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Killed = append(res.Killed, p.PID)
		s.log.Info("blocked application terminated",
			zap.String("process", p.Name),
			zap.Int32("pid", p.PID),
			zap.String("pattern", pattern))
	}
	return res
}

// BlockWebsite maps domain and www.domain to the loopback address. The
// first call captures the hosts file's original content.
func (s *Service) BlockWebsite(ctx context.Context, domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if err := validDomain(domain); err != nil {
		return err
	}

	s.hostsMu.Lock()
	defer s.hostsMu.Unlock()

	content, err := s.hosts.Read()
	if err != nil {
		return fmt.Errorf("reading hosts file: %w", err)
	}
	if s.backup == nil {
		orig := content
		s.backup = &orig
	}
	if isBlocked(content, domain) {
		s.log.Debug("website already blocked", zap.String("domain", domain))
		return nil
	}
	if err := s.hosts.Write(ctx, addBlock(content, domain)); err != nil {
		return err
	}

	s.mu.Lock()
	s.websites = append(s.websites, Rule{
		ID:      "web-" + uuid.NewString(),
		Kind:    KindWebsite,
		Pattern: domain,
		Mode:    ModeBlock,
		Active:  true,
	})
	s.mu.Unlock()

	flushDNS(ctx, s.runner, s.log)
	s.log.Info("website blocked", zap.String("domain", domain))
	return nil
}

func (s *Service) UnblockWebsite(ctx context.Context, domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if err := validDomain(domain); err != nil {
		return err
	}

	s.hostsMu.Lock()
	defer s.hostsMu.Unlock()

	content, err := s.hosts.Read()
	if err != nil {
		return fmt.Errorf("reading hosts file: %w", err)
	}
	if err := s.hosts.Write(ctx, removeBlock(content, domain)); err != nil {
		return err
	}

	s.mu.Lock()
	s.websites = removeRules(s.websites, domain)
	s.mu.Unlock()

	flushDNS(ctx, s.runner, s.log)
	s.log.Info("website unblocked", zap.String("domain", domain))
	return nil
}

// BlockApplication adds an application block rule. It takes effect on the
// next enforcement pass.
func (s *Service) BlockApplication(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("empty process name")
	}
	s.mu.Lock()
	s.apps = append(s.apps, Rule{
		ID:      "app-" + uuid.NewString(),
		Kind:    KindApplication,
		Pattern: strings.ToLower(name),
		Mode:    ModeBlock,
		Active:  true,
	})
	s.mu.Unlock()
	s.log.Info("application blocked", zap.String("process", name))
	return nil
}

func (s *Service) UnblockApplication(name string) {
	s.mu.Lock()
	s.apps = removeRules(s.apps, name)
	s.mu.Unlock()
	s.log.Info("application unblocked", zap.String("process", name))
}

// SetRules replaces both rule lists. Active website block rules are
// applied to the hosts file; websites missing from the new set are left
// in it.
func (s *Service) SetRules(ctx context.Context, rules []Rule) error {
	websites, apps := partition(rules)

	var errs []error
	for _, r := range websites {
		if !r.Blocks() {
			continue
		}
		if err := s.BlockWebsite(ctx, r.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Pattern, err))
		}
	}

	s.mu.Lock()
	s.websites = websites
	s.apps = apps
	s.mu.Unlock()
	return errors.Join(errs...)
}

// Rules returns website rules followed by application rules.
func (s *Service) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.websites)+len(s.apps))
	out = append(out, s.websites...)
	return append(out, s.apps...)
}

// RestoreHosts writes the captured backup back verbatim. It does nothing
// when no backup was taken.
func (s *Service) RestoreHosts(ctx context.Context) error {
	s.hostsMu.Lock()
	defer s.hostsMu.Unlock()
	if s.backup == nil {
		return nil
	}
	if err := s.hosts.Write(ctx, *s.backup); err != nil {
		return fmt.Errorf("restoring hosts file: %w", err)
	}
	flushDNS(ctx, s.runner, s.log)
	s.log.Info("hosts file restored")
	return nil
}

func removeRules(rules []Rule, pattern string) []Rule {
	out := rules[:0:0]
	for _, r := range rules {
		if !strings.EqualFold(r.Pattern, pattern) {
			out = append(out, r)
		}
	}
	return out
}

// RegisterHandlers subscribes the blocking commands.
func (s *Service) RegisterHandlers(ctx context.Context, cmd service.Commander) {
	r := service.NewRouter(s.log)
	r.Handle("BLOCK_WEBSITE", func(ctx context.Context, raw json.RawMessage) (string, error) {
		var p struct {
			Domain string `json:"domain"`
		}
		if err := service.DecodePayload(raw, &p); err != nil {
			return "", err
		}
		if err := s.BlockWebsite(ctx, p.Domain); err != nil {
			return "", fmt.Errorf("failed to block website: %w", err)
		}
		return fmt.Sprintf("Website %s blocked", p.Domain), nil
	})
	r.Handle("UNBLOCK_WEBSITE", func(ctx context.Context, raw json.RawMessage) (string, error) {
		var p struct {
			Domain string `json:"domain"`
		}
		if err := service.DecodePayload(raw, &p); err != nil {
			return "", err
		}
		if err := s.UnblockWebsite(ctx, p.Domain); err != nil {
			return "", fmt.Errorf("failed to unblock website: %w", err)
		}
		return fmt.Sprintf("Website %s unblocked", p.Domain), nil
	})
	r.Handle("BLOCK_APPLICATION", func(_ context.Context, raw json.RawMessage) (string, error) {
		var p struct {
			ProcessName string `json:"processName"`
		}
		if err := service.DecodePayload(raw, &p); err != nil {
			return "", err
		}
		if err := s.BlockApplication(p.ProcessName); err != nil {
			return "", err
		}
		return fmt.Sprintf("Application %s blocked", p.ProcessName), nil
	})
	r.Handle("UNBLOCK_APPLICATION", func(_ context.Context, raw json.RawMessage) (string, error) {
		var p struct {
			ProcessName string `json:"processName"`
		}
		if err := service.DecodePayload(raw, &p); err != nil {
			return "", err
		}
		s.UnblockApplication(p.ProcessName)
		return fmt.Sprintf("Application %s unblocked", p.ProcessName), nil
	})
	r.Handle("SET_BLOCKING_RULES", func(ctx context.Context, raw json.RawMessage) (string, error) {
		var p struct {
			Rules []Rule `json:"rules"`
		}
		if err := service.DecodePayload(raw, &p); err != nil {
			return "", err
		}
		if err := s.SetRules(ctx, p.Rules); err != nil {
			return "", err
		}
		return "Blocking rules applied", nil
	})
	r.Handle("GET_BLOCKING_RULES", func(context.Context, json.RawMessage) (string, error) {
		return service.JSON(s.Rules())
	})
	r.Attach(ctx, cmd)
}
