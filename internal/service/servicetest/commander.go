// Package servicetest provides an in-memory Commander for service tests.
package servicetest

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/netwatch/agent/internal/events"
)

// Emitted is one Emit call.
type Emitted struct {
	Name    string
	Payload any
}

// Commander records subscriptions, responses and emitted events.
type Commander struct {
	mu        sync.Mutex
	handlers  []func(events.CommandPayload)
	responses []events.CommandResponsePayload
	emitted   []Emitted
}

func New() *Commander { return &Commander{} }

func (c *Commander) OnCommand(fn func(events.CommandPayload)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

func (c *Commander) SendCommandResponse(_ context.Context, id string, success bool, response, errMsg string) error {
	p := events.CommandResponsePayload{CommandID: id, Success: success}
	if response != "" {
		p.Response = &response
	}
	if errMsg != "" {
		p.Error = &errMsg
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, p)
	return nil
}

func (c *Commander) Emit(_ context.Context, name string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, Emitted{Name: name, Payload: payload})
	return nil
}

// Command delivers a command frame to every subscriber. payload is
// marshalled to JSON unless it is nil.
func (c *Commander) Command(t testing.TB, id, tag string, payload any) {
	t.Helper()
	p := events.CommandPayload{ID: id, Command: tag}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		p.Payload = raw
	}
	c.mu.Lock()
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()
	for _, h := range handlers {
		h(p)
	}
}

// Response waits for the response to command id.
func (c *Commander) Response(t testing.TB, id string) events.CommandResponsePayload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, r := range c.responses {
			if r.CommandID == id {
				c.mu.Unlock()
				return r
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no response to command %s", id)
	return events.CommandResponsePayload{}
}

// Responses returns every response sent so far.
func (c *Commander) Responses() []events.CommandResponsePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.CommandResponsePayload(nil), c.responses...)
}

// Emitted returns every event emitted under name.
func (c *Commander) Emitted(name string) []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Emitted
	for _, e := range c.emitted {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Subscribers is the number of OnCommand registrations.
func (c *Commander) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}
