package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type entry struct {
	svc        Service
	monitoring bool
}

type AddOption func(*entry)

// Monitoring marks a service to be started on every successful auth.
func Monitoring() AddOption {
	return func(e *entry) { e.monitoring = true }
}

// Orchestrator owns the service set. Services are started and stopped in
// the order they were added.
type Orchestrator struct {
	log *zap.Logger

	mu       sync.Mutex
	entries  []entry
	starting sync.WaitGroup

	monitoring atomic.Bool
}

func NewOrchestrator(log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{log: log}
}

func (o *Orchestrator) Add(svc Service, opts ...AddOption) {
	e := entry{svc: svc}
	for _, opt := range opts {
		opt(&e)
	}
	o.mu.Lock()
	o.entries = append(o.entries, e)
	o.mu.Unlock()
}

func (o *Orchestrator) snapshot() []entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]entry(nil), o.entries...)
}

// RegisterHandlers lets every service that handles commands subscribe.
func (o *Orchestrator) RegisterHandlers(ctx context.Context, cmd Commander) {
	for _, e := range o.snapshot() {
		if r, ok := e.svc.(HandlerRegistrar); ok {
			r.RegisterHandlers(ctx, cmd)
		}
	}
}

// StartMonitoring starts every monitoring service on a new goroutine and
// returns immediately. IsMonitoring turns true once every Start call has
// been issued; a failing Start is logged and does not stop the others.
// The returned channel closes when the goroutine is done.
func (o *Orchestrator) StartMonitoring(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	o.starting.Add(1)
	go func() {
		defer close(done)
		defer o.starting.Done()
		for _, e := range o.snapshot() {
			if !e.monitoring {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if err := o.call(ctx, "start", e.svc.Start); err != nil {
				o.log.Error("service failed to start", zap.String("service", e.svc.Name()), zap.Error(err))
			}
		}
		o.monitoring.Store(true)
		o.log.Info("monitoring services started")
	}()
	return done
}

func (o *Orchestrator) IsMonitoring() bool { return o.monitoring.Load() }

// Shutdown stops every service. Failures are logged and joined; they never
// cut the sequence short.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.starting.Wait()
	o.monitoring.Store(false)

	var errs []error
	for _, e := range o.snapshot() {
		if err := o.call(ctx, "stop", e.svc.Stop); err != nil {
			o.log.Error("service failed to stop", zap.String("service", e.svc.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", e.svc.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// call runs fn, turning a panic into an error.
func (o *Orchestrator) call(ctx context.Context, op string, fn func(context.Context) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("%s panicked: %v", op, v)
		}
	}()
	return fn(ctx)
}
