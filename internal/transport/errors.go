package transport

import "errors"

var (
	// ErrNoServerURL means the config has no server URL to connect to.
	ErrNoServerURL = errors.New("transport: no server url configured")
	// ErrHandshake means the server's open packet was missing or malformed.
	ErrHandshake = errors.New("transport: handshake failed")
	// ErrConnection wraps any failed HTTP or websocket round-trip.
	ErrConnection = errors.New("transport: connection error")
	// ErrNotConnected is returned by Emit when there is no live session.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrSerialization means a frame could not be encoded or decoded.
	ErrSerialization = errors.New("transport: serialization error")
	// ErrEmit wraps failures to hand a frame to the wire.
	ErrEmit = errors.New("transport: emit failed")
	// ErrQueueFull means the outbound queue stayed full for the whole
	// enqueue wait.
	ErrQueueFull = errors.New("transport: outbound queue full")

	// errSessionGone is reported by carriers when the server no longer
	// knows the session id.
	errSessionGone = errors.New("session unknown to server")
	errSessionLost = errors.New("session lost")
)

// AuthError is returned by Connect when the server rejects the agent.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "transport: auth failed: " + e.Message
}
