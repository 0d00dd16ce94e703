// Package supervisor keeps the transport connected. Every tick it checks the
// connection and, when it is down, connects again. There is no backoff and
// no retry ceiling.
package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the reconnect check period.
const DefaultInterval = time.Second

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Conn is the part of the transport the supervisor drives.
type Conn interface {
	Connect(ctx context.Context) error
	IsConnected() bool
}

type Supervisor struct {
	conn     Conn
	log      *zap.Logger
	interval time.Duration
	onState  func(State, error)

	attempts atomic.Uint64
	state    atomic.Value // State
}

type Option func(*Supervisor)

// WithInterval overrides the tick period.
func WithInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.interval = d }
}

// WithStateFunc registers fn to be called on every state change and on
// every failed attempt. fn runs on the supervisor goroutine.
func WithStateFunc(fn func(State, error)) Option {
	return func(s *Supervisor) { s.onState = fn }
}

func New(conn Conn, log *zap.Logger, opts ...Option) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Supervisor{conn: conn, log: log, interval: DefaultInterval}
	for _, o := range opts {
		o(s)
	}
	s.state.Store(StateDisconnected)
	return s
}

// Attempts is the number of Connect calls issued so far.
func (s *Supervisor) Attempts() uint64 { return s.attempts.Load() }

func (s *Supervisor) State() State { return s.state.Load().(State) }

// Run blocks until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if s.conn.IsConnected() {
			s.setState(StateConnected, nil)
			continue
		}
		if s.State() == StateConnected {
			s.setState(StateDisconnected, nil)
		}

		s.setState(StateConnecting, nil)
		n := s.attempts.Add(1)
		if err := s.conn.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("reconnect failed", zap.Uint64("attempt", n), zap.Error(err))
			s.setState(StateError, err)
			continue
		}
		s.log.Info("reconnected", zap.Uint64("attempt", n))
		s.setState(StateConnected, nil)
	}
}

func (s *Supervisor) setState(st State, err error) {
	prev := s.state.Swap(st).(State)
	if prev == st && err == nil {
		return
	}
	if s.onState != nil {
		s.onState(st, err)
	}
}
