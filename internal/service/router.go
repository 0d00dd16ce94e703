package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/netwatch/agent/internal/events"
)

// HandlerFunc handles one command. The returned string becomes the
// response body; a non-nil error is reported as a failed command.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (string, error)

// Router matches command tags to handlers for one service. Every command
// frame reaches every router; unknown tags are ignored.
type Router struct {
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	wg       sync.WaitGroup
}

func NewRouter(log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{log: log, handlers: make(map[string]HandlerFunc)}
}

func (r *Router) Handle(tag string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tag] = h
}

// Tags lists the commands this router answers.
func (r *Router) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		tags = append(tags, t)
	}
	return tags
}

// Attach subscribes the router to cmd. Matched commands run on their own
// goroutine and always produce exactly one command_response.
func (r *Router) Attach(ctx context.Context, cmd Commander) {
	cmd.OnCommand(func(p events.CommandPayload) {
		r.mu.RLock()
		h, ok := r.handlers[p.Command]
		r.mu.RUnlock()
		if !ok {
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.run(ctx, cmd, p, h)
		}()
	})
}

func (r *Router) run(ctx context.Context, cmd Commander, p events.CommandPayload, h HandlerFunc) {
	log := r.log.With(zap.String("command", p.Command), zap.String("command_id", p.ID))

	resp, err := func() (resp string, err error) {
		defer func() {
			if v := recover(); v != nil {
				err = fmt.Errorf("panic: %v", v)
			}
		}()
		return h(ctx, p.Payload)
	}()

	var sendErr error
	if err != nil {
		log.Warn("command failed", zap.Error(err))
		sendErr = cmd.SendCommandResponse(ctx, p.ID, false, "", err.Error())
	} else {
		log.Debug("command done")
		sendErr = cmd.SendCommandResponse(ctx, p.ID, true, resp, "")
	}
	if sendErr != nil {
		log.Warn("command response not sent", zap.Error(sendErr))
	}
}

// Wait blocks until every in-flight command has responded.
func (r *Router) Wait() {
	r.wg.Wait()
}

// DecodePayload unmarshals a command payload into v, reporting a missing
// payload as an error.
func DecodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// JSON renders v as a response body.
func JSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding response: %w", err)
	}
	return string(b), nil
}
