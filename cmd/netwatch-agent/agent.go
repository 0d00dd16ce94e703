package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/netwatch/agent/internal/blocking"
	"github.com/netwatch/agent/internal/config"
	"github.com/netwatch/agent/internal/dispatch"
	"github.com/netwatch/agent/internal/events"
	"github.com/netwatch/agent/internal/filetransfer"
	"github.com/netwatch/agent/internal/procmon"
	"github.com/netwatch/agent/internal/restrictions"
	"github.com/netwatch/agent/internal/runner"
	"github.com/netwatch/agent/internal/service"
	"github.com/netwatch/agent/internal/supervisor"
	"github.com/netwatch/agent/internal/sysinfo"
	"github.com/netwatch/agent/internal/transport"
)

const shutdownTimeout = 10 * time.Second

type agent struct {
	store  *config.Store
	client *transport.Client
	orch   *service.Orchestrator
	log    *zap.Logger
}

// newAgent wires the transport and every capability service. Nothing is
// started and no connection is made.
func newAgent(cfg *config.Config, log *zap.Logger) *agent {
	store := config.NewStore(cfg)
	provider := sysinfo.NewProvider()
	run := runner.Exec{}

	client := transport.New(transport.Options{
		Config:   store,
		Info:     provider,
		Metrics:  provider,
		Registry: dispatch.NewRegistry(log.Named("dispatch")),
		Logger:   log.Named("transport"),
		Version:  version,
	})

	orch := service.NewOrchestrator(log.Named("services"))
	orch.Add(blocking.New(blocking.Options{
		Config: store,
		Procs:  provider,
		Runner: run,
		Logger: log.Named("blocking"),
	}), service.Monitoring())
	orch.Add(procmon.New(store, provider, client, log.Named("procmon")), service.Monitoring())
	orch.Add(restrictions.New(nil, run, log.Named("restrictions")))
	orch.Add(filetransfer.New(store, log.Named("filetransfer")))

	return &agent{store: store, client: client, orch: orch, log: log}
}

func runAgent(parent context.Context, opts *rootOptions) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := newAgent(opts.cfg, opts.log)
	log := a.log

	if configExists(opts.configPath) {
		go func() {
			if err := config.Watch(ctx, opts.configPath, a.store, log.Named("config")); err != nil {
				log.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	a.orch.RegisterHandlers(ctx, a.client)
	a.client.OnAuthSuccess(func(p events.AuthSuccessPayload) {
		log.Info("authenticated", zap.String("computer_id", p.ComputerID))
		a.orch.StartMonitoring(ctx)
	})
	a.client.OnAuthError(func(p events.AuthErrorPayload) {
		log.Error("authentication rejected", zap.String("message", p.Message))
	})

	if err := a.client.Connect(ctx); err != nil {
		var authErr *transport.AuthError
		if errors.As(err, &authErr) {
			return fmt.Errorf("server rejected agent: %w", err)
		}
		log.Warn("initial connection failed, retrying", zap.Error(err))
	}

	sup := supervisor.New(a.client, log.Named("supervisor"),
		supervisor.WithStateFunc(func(st supervisor.State, err error) {
			if err != nil {
				log.Warn("connection state", zap.String("state", string(st)), zap.Error(err))
				return
			}
			log.Info("connection state", zap.String("state", string(st)))
		}))
	runErr := sup.Run(ctx)

	log.Info("shutting down")
	return errors.Join(runErr, a.shutdown())
}

func (a *agent) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := a.orch.Shutdown(ctx)
	a.client.Disconnect()
	return err
}
