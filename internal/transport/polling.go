package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/netwatch/agent/internal/protocol"
)

// maxPollBody bounds a single poll response.
const maxPollBody = 64 << 20

// pollingCarrier speaks Engine.IO over HTTP long polling.
type pollingCarrier struct {
	client *http.Client
	base   *url.URL

	mu  sync.RWMutex
	sid string
}

func newPollingCarrier(client *http.Client, base *url.URL) *pollingCarrier {
	return &pollingCarrier{client: client, base: base}
}

func (p *pollingCarrier) name() string { return "polling" }

func (p *pollingCarrier) url() string {
	p.mu.RLock()
	sid := p.sid
	p.mu.RUnlock()

	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "polling")
	if sid != "" {
		q.Set("sid", sid)
	}
	q.Set("t", cacheBuster())
	u := *p.base
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *pollingCarrier) open(ctx context.Context) (protocol.Open, error) {
	body, err := p.do(ctx, http.MethodGet, nil)
	if err != nil {
		return protocol.Open{}, err
	}
	frames := protocol.DecodePayload(body)
	if len(frames) == 0 {
		return protocol.Open{}, fmt.Errorf("%w: empty handshake response", ErrHandshake)
	}
	open, err := protocol.ParseOpen(frames[0])
	if err != nil {
		return protocol.Open{}, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	p.mu.Lock()
	p.sid = open.SID
	p.mu.Unlock()
	return open, nil
}

func (p *pollingCarrier) send(ctx context.Context, frame []byte) error {
	_, err := p.do(ctx, http.MethodPost, frame)
	return err
}

func (p *pollingCarrier) receive(ctx context.Context) ([][]byte, error) {
	body, err := p.do(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	return protocol.DecodePayload(body), nil
}

// close is a no-op: the server expires polling sessions on its own.
func (p *pollingCarrier) close() error { return nil }

func (p *pollingCarrier) do(ctx context.Context, method string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.url(), r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %w", ErrConnection, method, err)
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %w: %s", ErrConnection, errSessionGone, bytes.TrimSpace(data))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: %s returned %s", ErrConnection, method, resp.Status)
	}
	return data, nil
}
