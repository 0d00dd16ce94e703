// Package dispatch routes decoded inbound events to registered callbacks.
//
// Each event kind is bound to one storage mode the first time something
// registers for it. Single kinds keep only the most recent callback; multi
// kinds keep every callback and invoke them in registration order. Callbacks
// run on the dispatching goroutine and must return quickly or hand work to
// a goroutine of their own; the registry imposes no timeout.
package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/netwatch/agent/internal/events"
)

type Mode int

const (
	Single Mode = iota
	Multi
)

func (m Mode) String() string {
	if m == Multi {
		return "multi"
	}
	return "single"
}

// Handler receives the decoded payload for an event.
type Handler func(payload any)

type slot struct {
	mode     Mode
	handlers []Handler
}

type Registry struct {
	mu     sync.RWMutex
	slots  map[string]*slot
	decode func(name string, raw json.RawMessage) (any, error)
	log    *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		slots:  make(map[string]*slot),
		decode: events.Decode,
		log:    log,
	}
}

// RegisterSingle sets the callback for kind, replacing any previous one.
func (r *Registry) RegisterSingle(kind string, h Handler) {
	r.register(kind, Single, h)
}

// RegisterMulti appends a callback for kind.
func (r *Registry) RegisterMulti(kind string, h Handler) {
	r.register(kind, Multi, h)
}

// register panics when kind is already bound to the other mode.
func (r *Registry) register(kind string, mode Mode, h Handler) {
	if h == nil {
		panic("dispatch: nil handler for " + kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[kind]
	if !ok {
		r.slots[kind] = &slot{mode: mode, handlers: []Handler{h}}
		return
	}
	if s.mode != mode {
		panic(fmt.Sprintf("dispatch: %s registered as %s, cannot register as %s", kind, s.mode, mode))
	}
	if mode == Single {
		s.handlers[0] = h
		return
	}
	s.handlers = append(s.handlers, h)
}

// Dispatch decodes raw into the payload shape known for name and invokes
// every callback registered for it. It returns the number of callbacks
// invoked. Decode failures are logged and the event is dropped.
func (r *Registry) Dispatch(name string, raw json.RawMessage) int {
	r.mu.RLock()
	var handlers []Handler
	if s, ok := r.slots[name]; ok {
		handlers = append(handlers, s.handlers...)
	}
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.log.Debug("no handler for event", zap.String("event", name))
		return 0
	}

	payload, err := r.decode(name, raw)
	if err != nil {
		r.log.Error("dropping undecodable event", zap.String("event", name), zap.Error(err))
		return 0
	}

	for _, h := range handlers {
		h(payload)
	}
	return len(handlers)
}

// Count returns the number of callbacks registered for kind.
func (r *Registry) Count(kind string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.slots[kind]; ok {
		return len(s.handlers)
	}
	return 0
}

// On registers a typed callback. Payloads of any other type are logged and
// skipped, which only happens when kind's decoder and T disagree.
func On[T any](r *Registry, kind string, mode Mode, fn func(T)) {
	r.register(kind, mode, func(payload any) {
		v, ok := payload.(T)
		if !ok {
			r.log.Error("payload type mismatch",
				zap.String("event", kind),
				zap.String("got", fmt.Sprintf("%T", payload)),
				zap.String("want", fmt.Sprintf("%T", *new(T))))
			return
		}
		fn(v)
	})
}
