package transport

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/netwatch/agent/internal/protocol"
)

// carrier moves raw Engine.IO packets for one session. Implementations are
// safe for one concurrent sender and one concurrent receiver.
type carrier interface {
	// open performs the handshake and returns the server's open packet.
	open(ctx context.Context) (protocol.Open, error)
	// send writes one packet.
	send(ctx context.Context, frame []byte) error
	// receive blocks until the server has packets for us.
	receive(ctx context.Context) ([][]byte, error)
	close() error
	name() string
}

// endpoint returns {base}{socketPath}/ with the socket path normalised.
func endpoint(base, socketPath string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server url %q must be absolute", base)
	}
	if socketPath == "" {
		socketPath = "/socket.io"
	}
	if !strings.HasPrefix(socketPath, "/") {
		socketPath = "/" + socketPath
	}
	u.Path = strings.TrimRight(u.Path+socketPath, "/") + "/"
	return u, nil
}

var cacheBust atomic.Uint64

// cacheBuster returns a value unique to each request so no proxy serves a
// cached poll.
func cacheBuster() string {
	n := cacheBust.Add(1)
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "." + strconv.FormatUint(n, 36)
}
