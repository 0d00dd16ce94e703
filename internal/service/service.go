// Package service defines the contract every capability service satisfies
// and the orchestrator that starts and stops them against one transport.
package service

import (
	"context"

	"github.com/netwatch/agent/internal/events"
)

// Service is an independently lifecycled capability. Start may return as
// soon as its own loop is running and must tolerate being called again
// while running, since every reconnect re-authenticates. Stop must be safe
// when Start was never called.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HandlerRegistrar is implemented by services that react to server
// commands or events.
type HandlerRegistrar interface {
	RegisterHandlers(ctx context.Context, cmd Commander)
}

// Commander is the slice of the transport a service may use.
type Commander interface {
	OnCommand(fn func(events.CommandPayload))
	SendCommandResponse(ctx context.Context, id string, success bool, response, errMsg string) error
	Emit(ctx context.Context, name string, payload any) error
}
