package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/netwatch/agent/internal/protocol"
)

const writeTimeout = 10 * time.Second

// wsCarrier speaks Engine.IO over a websocket, one packet per text message.
type wsCarrier struct {
	dialer *websocket.Dialer
	base   *url.URL

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes
	conn    *websocket.Conn
	// readWindow bounds each read; set from the open packet.
	readWindow time.Duration
}

func newWSCarrier(timeout time.Duration, base *url.URL) *wsCarrier {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return &wsCarrier{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		base: &u,
	}
}

func (w *wsCarrier) name() string { return "websocket" }

func (w *wsCarrier) open(ctx context.Context) (protocol.Open, error) {
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	q.Set("t", cacheBuster())
	u := *w.base
	u.RawQuery = q.Encode()

	conn, _, err := w.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return protocol.Open{}, fmt.Errorf("%w: dial: %w", ErrConnection, err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return protocol.Open{}, fmt.Errorf("%w: reading open packet: %w", ErrConnection, err)
	}
	open, err := protocol.ParseOpen(data)
	if err != nil {
		conn.Close()
		return protocol.Open{}, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	w.mu.Lock()
	w.conn = conn
	w.readWindow = time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	w.mu.Unlock()
	return open, nil
}

func (w *wsCarrier) current() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

func (w *wsCarrier) send(ctx context.Context, frame []byte) error {
	conn := w.current()
	if conn == nil {
		return fmt.Errorf("%w: websocket closed", ErrConnection)
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: write: %w", ErrConnection, err)
	}
	return nil
}

// receive reads one message. Reads are bounded by pingInterval+pingTimeout
// so a silent server surfaces as an error; cancelling ctx closes the conn.
func (w *wsCarrier) receive(ctx context.Context) ([][]byte, error) {
	conn := w.current()
	if conn == nil {
		return nil, fmt.Errorf("%w: websocket closed", ErrConnection)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	w.mu.Lock()
	window := w.readWindow
	w.mu.Unlock()
	if window > 0 {
		conn.SetReadDeadline(time.Now().Add(window))
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("%w: %w", ErrConnection, errSessionGone)
		}
		return nil, fmt.Errorf("%w: read: %w", ErrConnection, err)
	}
	return [][]byte{data}, nil
}

func (w *wsCarrier) close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	w.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.writeMu.Unlock()
	return conn.Close()
}
