// Package procmon reports the process list to the server on a fixed
// interval and answers process commands.
package procmon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netwatch/agent/internal/config"
	"github.com/netwatch/agent/internal/events"
	"github.com/netwatch/agent/internal/service"
)

// Table lists and kills processes.
type Table interface {
	List(ctx context.Context) ([]events.ProcessInfo, error)
	Terminate(ctx context.Context, pid int32) error
}

// Emitter sends events to the server.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any) error
}

type Service struct {
	cfg   *config.Store
	table Table
	out   Emitter
	log   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func New(cfg *config.Store, table Table, out Emitter, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.NewStore(nil)
	}
	return &Service{cfg: cfg, table: table, out: out, log: log}
}

func (s *Service) Name() string { return "process-monitor" }

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.loop(loopCtx, s.stopped)
	return nil
}

func (s *Service) Stop(context.Context) error {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-stopped
	}
	return nil
}

func (s *Service) loop(ctx context.Context, stopped chan<- struct{}) {
	defer close(stopped)
	for {
		if err := s.Report(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("process list not sent", zap.Error(err))
		}
		t := time.NewTimer(s.cfg.Get().Agent.ProcessListInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Report emits one process_list event.
func (s *Service) Report(ctx context.Context) error {
	procs, err := s.table.List(ctx)
	if err != nil {
		return err
	}
	if procs == nil {
		procs = []events.ProcessInfo{}
	}
	return s.out.Emit(ctx, events.ProcessList, events.ProcessListPayload{Processes: procs})
}

func (s *Service) RegisterHandlers(ctx context.Context, cmd service.Commander) {
	r := service.NewRouter(s.log)
	r.Handle("GET_PROCESSES", func(ctx context.Context, _ json.RawMessage) (string, error) {
		procs, err := s.table.List(ctx)
		if err != nil {
			return "", err
		}
		if procs == nil {
			procs = []events.ProcessInfo{}
		}
		return service.JSON(procs)
	})
	r.Handle("KILL_PROCESS", func(ctx context.Context, raw json.RawMessage) (string, error) {
		var p struct {
			PID int32 `json:"pid"`
		}
		if err := service.DecodePayload(raw, &p); err != nil {
			return "", err
		}
		if p.PID <= 0 {
			return "", errors.New("invalid pid")
		}
		if p.PID == int32(os.Getpid()) {
			return "", errors.New("refusing to kill the agent")
		}
		if err := s.table.Terminate(ctx, p.PID); err != nil {
			return "", err
		}
		return fmt.Sprintf("Process %d terminated", p.PID), nil
	})
	r.Attach(ctx, cmd)
}
