// Package protocol implements the Engine.IO v4 / Socket.IO v5 text framing
// spoken by the control server.
//
// An Engine.IO packet is a single type digit followed by data. A message
// packet ('4') carries a Socket.IO packet: a type digit, an optional
// namespace terminated by ',', and a JSON body. Application traffic is
// always a Socket.IO event in the "/agent" namespace:
//
//	42/agent,["heartbeat",{"cpuUsage":3.5}]
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Namespace is the fixed Socket.IO namespace for all application traffic.
const Namespace = "/agent"

// EngineType is the leading Engine.IO packet digit.
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

func (t EngineType) String() string {
	switch t {
	case EngineOpen:
		return "open"
	case EngineClose:
		return "close"
	case EnginePing:
		return "ping"
	case EnginePong:
		return "pong"
	case EngineMessage:
		return "message"
	case EngineUpgrade:
		return "upgrade"
	case EngineNoop:
		return "noop"
	}
	return "unknown(" + strconv.Quote(string(t)) + ")"
}

// SocketType is the Socket.IO packet digit carried inside an Engine.IO
// message.
type SocketType byte

const (
	SocketConnect    SocketType = '0'
	SocketDisconnect SocketType = '1'
	SocketEvent      SocketType = '2'
	SocketAck        SocketType = '3'
	SocketError      SocketType = '4'
)

var (
	ErrEmptyFrame     = errors.New("protocol: empty frame")
	ErrMalformedFrame = errors.New("protocol: malformed frame")
)

// Frame is one decoded packet. Socket, Namespace, Event and Args are only
// set for Engine.IO message packets.
type Frame struct {
	Engine    EngineType
	Socket    SocketType
	Namespace string
	Event     string
	Args      []json.RawMessage
	// Data is the undecoded body: the JSON after the namespace for
	// Socket.IO packets, or everything after the type digit otherwise.
	Data []byte
}

// IsKeepAlive reports whether the frame only exists to keep the session
// alive and carries nothing to dispatch.
func (f Frame) IsKeepAlive() bool {
	return f.Engine == EnginePong || f.Engine == EngineNoop
}

// IsEvent reports whether f is a Socket.IO event for namespace ns.
func (f Frame) IsEvent(ns string) bool {
	return f.Engine == EngineMessage && f.Socket == SocketEvent && f.Namespace == ns
}

// Payload returns the first event argument, or JSON null when the event
// carried none.
func (f Frame) Payload() json.RawMessage {
	if len(f.Args) == 0 {
		return json.RawMessage("null")
	}
	return f.Args[0]
}

// ParseFrame decodes a single Engine.IO packet.
func ParseFrame(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	f := Frame{Engine: EngineType(raw[0]), Data: raw[1:]}
	switch f.Engine {
	case EngineOpen, EngineClose, EnginePing, EnginePong, EngineUpgrade, EngineNoop:
		return f, nil
	case EngineMessage:
	default:
		return Frame{}, fmt.Errorf("%w: unknown packet type %q", ErrMalformedFrame, raw[0])
	}

	body := raw[1:]
	if len(body) == 0 {
		return Frame{}, fmt.Errorf("%w: message without socket packet", ErrMalformedFrame)
	}
	f.Socket = SocketType(body[0])
	if f.Socket < SocketConnect || f.Socket > '6' {
		return Frame{}, fmt.Errorf("%w: unknown socket packet type %q", ErrMalformedFrame, body[0])
	}
	body = body[1:]

	// Binary packets carry an attachment count terminated by '-'.
	if i := bytes.IndexByte(body, '-'); i > 0 && isDigits(body[:i]) {
		body = body[i+1:]
	}

	f.Namespace = "/"
	if len(body) > 0 && body[0] == '/' {
		if i := bytes.IndexByte(body, ','); i >= 0 {
			f.Namespace = string(body[:i])
			body = body[i+1:]
		} else {
			f.Namespace = string(body)
			body = nil
		}
	}

	// Ack id.
	i := 0
	for i < len(body) && body[i] >= '0' && body[i] <= '9' {
		i++
	}
	body = body[i:]
	f.Data = body

	if f.Socket != SocketEvent {
		return f, nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err != nil {
		return Frame{}, fmt.Errorf("%w: event body: %v", ErrMalformedFrame, err)
	}
	if len(arr) == 0 {
		return Frame{}, fmt.Errorf("%w: event without name", ErrMalformedFrame)
	}
	if err := json.Unmarshal(arr[0], &f.Event); err != nil {
		return Frame{}, fmt.Errorf("%w: event name: %v", ErrMalformedFrame, err)
	}
	f.Args = arr[1:]
	return f, nil
}

// EncodePacket renders an Engine.IO packet.
func EncodePacket(t EngineType, data []byte) []byte {
	out := make([]byte, 0, 1+len(data))
	out = append(out, byte(t))
	return append(out, data...)
}

// EncodeNamespaceConnect renders the Socket.IO connect request for ns.
func EncodeNamespaceConnect(ns string) []byte {
	return []byte(string(EngineMessage) + string(SocketConnect) + ns + ",")
}

// EncodeEvent renders `42{ns},[event,payload]`. A nil payload is encoded as
// an event without arguments.
func EncodeEvent(ns, event string, payload any) ([]byte, error) {
	args := []any{event}
	if payload != nil {
		args = append(args, payload)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(3 + len(ns) + len(body))
	buf.WriteByte(byte(EngineMessage))
	buf.WriteByte(byte(SocketEvent))
	buf.WriteString(ns)
	buf.WriteByte(',')
	buf.Write(body)
	return buf.Bytes(), nil
}

func isDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(b) > 0
}
