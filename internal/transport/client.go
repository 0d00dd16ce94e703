// Package transport keeps the agent's single duplex channel to the control
// server: handshake, namespace join, authentication, an ordered outbound
// queue and the inbound poll loop that feeds the dispatch registry.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/netwatch/agent/internal/config"
	"github.com/netwatch/agent/internal/dispatch"
	"github.com/netwatch/agent/internal/events"
	"github.com/netwatch/agent/internal/protocol"
	"github.com/netwatch/agent/internal/sysinfo"
)

const (
	// QueueCapacity is the number of frames Emit can buffer ahead of the
	// sender.
	QueueCapacity = 100
	// queueWait is how long Emit blocks on a full queue before failing.
	queueWait = 5 * time.Second
	// pingLead is how long before the server's ping interval elapses the
	// client sends its own ping.
	pingLead = 5 * time.Second
	// pollRetryDelay is the pause after a failed poll.
	pollRetryDelay = time.Second
	// authReads bounds the reads spent waiting for the auth verdict.
	authReads = 3
)

// InfoProvider identifies the machine for the auth event.
type InfoProvider interface {
	Info(ctx context.Context) (sysinfo.Info, error)
}

// MetricsProvider supplies heartbeat resource usage.
type MetricsProvider interface {
	Metrics(ctx context.Context) (sysinfo.Metrics, error)
}

// Session is the state established by a successful handshake.
type Session struct {
	ID           string
	BaseURL      string
	SocketPath   string
	Transport    string
	PingInterval time.Duration
	PingTimeout  time.Duration
}

type Options struct {
	Config   *config.Store
	Info     InfoProvider
	Metrics  MetricsProvider
	Registry *dispatch.Registry
	Logger   *zap.Logger
	Version  string
	// HTTPClient overrides the polling client. Its timeout is left alone.
	HTTPClient *http.Client
}

// Client is the transport engine. One Client serves the whole process; a
// reconnect replaces its session in place.
type Client struct {
	cfg     *config.Store
	info    InfoProvider
	metrics MetricsProvider
	reg     *dispatch.Registry
	log     *zap.Logger
	version string
	http    *http.Client

	queueWait time.Duration

	mu         sync.RWMutex
	gen        uint64
	session    *Session
	carrier    carrier
	connected  bool
	computerID string
	queue      chan []byte
	done       <-chan struct{}
	cancel     context.CancelFunc
	group      *errgroup.Group
}

func New(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	store := opts.Config
	if store == nil {
		store = config.NewStore(nil)
	}
	reg := opts.Registry
	if reg == nil {
		reg = dispatch.NewRegistry(log)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: store.Get().Server.RequestTimeout}
	}
	return &Client{
		cfg:       store,
		info:      opts.Info,
		metrics:   opts.Metrics,
		reg:       reg,
		log:       log,
		version:   opts.Version,
		http:      hc,
		queueWait: queueWait,
	}
}

// Registry returns the registry inbound events are dispatched to.
func (c *Client) Registry() *dispatch.Registry { return c.reg }

// Connect establishes a new session, replacing any existing one. It returns
// once the server has accepted the agent and the background tasks run.
func (c *Client) Connect(ctx context.Context) error {
	cfg := c.cfg.Get()
	if cfg.Server.URL == "" {
		return ErrNoServerURL
	}

	c.teardown()

	base, err := endpoint(cfg.Server.URL, cfg.Server.SocketPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	var car carrier
	if cfg.Server.Transport == config.TransportWebsocket {
		car = newWSCarrier(cfg.Server.RequestTimeout, base)
	} else {
		car = newPollingCarrier(c.http, base)
	}

	open, err := car.open(ctx)
	if err != nil {
		return err
	}
	sess := &Session{
		ID:           open.SID,
		BaseURL:      cfg.Server.URL,
		SocketPath:   cfg.Server.SocketPath,
		Transport:    car.name(),
		PingInterval: time.Duration(open.PingInterval) * time.Millisecond,
		PingTimeout:  time.Duration(open.PingTimeout) * time.Millisecond,
	}
	log := c.log.With(zap.String("sid", sess.ID), zap.String("transport", sess.Transport))
	log.Info("handshake complete",
		zap.Duration("ping_interval", sess.PingInterval),
		zap.Duration("ping_timeout", sess.PingTimeout))

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.session = sess
	c.carrier = car
	c.mu.Unlock()

	ok := false
	defer func() {
		if !ok {
			c.abandon(gen)
		}
	}()

	if err := car.send(ctx, protocol.EncodeNamespaceConnect(protocol.Namespace)); err != nil {
		return fmt.Errorf("namespace connect: %w", err)
	}
	frames, err := car.receive(ctx)
	if err != nil {
		return fmt.Errorf("namespace connect: %w", err)
	}
	c.checkNamespaceAck(log, frames)

	if err := c.authenticate(ctx, car); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	queue := make(chan []byte, QueueCapacity)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: superseded by a concurrent connect", ErrConnection)
	}
	c.connected = true
	c.queue = queue
	c.done = gctx.Done()
	c.cancel = cancel
	c.group = g
	c.mu.Unlock()
	ok = true

	g.Go(func() error { return c.sendLoop(gctx, gen, car, queue) })
	g.Go(func() error { return c.pollLoop(gctx, gen, car, sess) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })

	log.Info("connected", zap.String("computer_id", c.ComputerID()))
	return nil
}

// checkNamespaceAck logs when the server's reply to the namespace join is
// not an ack for our namespace. Any event frames that rode along are
// dispatched.
func (c *Client) checkNamespaceAck(log *zap.Logger, frames [][]byte) {
	acked := false
	for _, raw := range frames {
		f, err := protocol.ParseFrame(raw)
		if err != nil {
			log.Warn("unparseable frame during namespace join", zap.ByteString("frame", raw), zap.Error(err))
			continue
		}
		switch {
		case f.Engine == protocol.EngineMessage && f.Socket == protocol.SocketConnect && f.Namespace == protocol.Namespace:
			acked = true
		case f.IsEvent(protocol.Namespace):
			c.reg.Dispatch(f.Event, f.Payload())
		}
	}
	if !acked {
		log.Warn("namespace join not acknowledged, continuing", zap.Int("frames", len(frames)))
	}
}

// authenticate emits the auth event and waits for the verdict.
func (c *Client) authenticate(ctx context.Context, car carrier) error {
	var info sysinfo.Info
	if c.info != nil {
		var err error
		info, err = c.info.Info(ctx)
		if err != nil {
			c.log.Warn("system info incomplete", zap.Error(err))
		}
	}
	frame, err := protocol.EncodeEvent(protocol.Namespace, events.Auth, events.AuthPayload{
		MachineID:    info.MachineID,
		Hostname:     info.Hostname,
		OSType:       info.OSType,
		OSVersion:    info.OSVersion,
		MACAddress:   info.MACAddress,
		IPAddress:    info.IPAddress,
		AgentVersion: c.version,
	})
	if err != nil {
		return fmt.Errorf("%w: auth: %w", ErrSerialization, err)
	}
	if err := car.send(ctx, frame); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	for i := 0; i < authReads; i++ {
		frames, err := car.receive(ctx)
		if err != nil {
			return fmt.Errorf("waiting for auth: %w", err)
		}
		authed := false
		for _, raw := range frames {
			f, err := protocol.ParseFrame(raw)
			if err != nil {
				c.log.Warn("dropping malformed frame", zap.ByteString("frame", raw), zap.Error(err))
				continue
			}
			if f.Engine == protocol.EnginePing {
				if err := car.send(ctx, protocol.EncodePacket(protocol.EnginePong, nil)); err != nil {
					c.log.Debug("pong during auth not sent", zap.Error(err))
				}
				continue
			}
			if !f.IsEvent(protocol.Namespace) {
				continue
			}
			switch f.Event {
			case events.AuthSuccess:
				if err := c.acceptAuth(f); err != nil {
					return err
				}
				authed = true
			case events.AuthError:
				c.reg.Dispatch(f.Event, f.Payload())
				v, err := events.Decode(events.AuthError, f.Payload())
				if err != nil {
					return &AuthError{Message: string(f.Payload())}
				}
				return &AuthError{Message: v.(events.AuthErrorPayload).Message}
			default:
				c.reg.Dispatch(f.Event, f.Payload())
			}
		}
		if authed {
			return nil
		}
	}
	return fmt.Errorf("%w: no auth response from server", ErrHandshake)
}

// acceptAuth records the computer id and server config, then fires the
// auth_success callbacks.
func (c *Client) acceptAuth(f protocol.Frame) error {
	v, err := events.Decode(events.AuthSuccess, f.Payload())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	p := v.(events.AuthSuccessPayload)

	c.mu.Lock()
	c.computerID = p.ComputerID
	c.mu.Unlock()

	if p.Config != nil {
		c.cfg.UpdateFromServer(config.ServerPatch{
			ScreenshotInterval:  p.Config.ScreenshotInterval,
			ActivityLogInterval: p.Config.ActivityLogInterval,
			KeystrokeBufferSize: p.Config.KeystrokeBufferSize,
			HeartbeatInterval:   p.Config.HeartbeatInterval,
		})
	}
	c.reg.Dispatch(events.AuthSuccess, f.Payload())
	return nil
}

// Emit sends event name with payload. Frames emitted while connected reach
// the wire in call order.
func (c *Client) Emit(ctx context.Context, name string, payload any) error {
	frame, err := protocol.EncodeEvent(protocol.Namespace, name, payload)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSerialization, name, err)
	}
	return c.enqueue(ctx, frame)
}

func (c *Client) enqueue(ctx context.Context, frame []byte) error {
	c.mu.RLock()
	queue, done, car, connected := c.queue, c.done, c.carrier, c.connected
	c.mu.RUnlock()

	if queue != nil && !connected {
		return ErrNotConnected
	}
	if queue == nil {
		// Session handshake still in progress: no sender yet.
		if car == nil {
			return ErrNotConnected
		}
		if err := car.send(ctx, frame); err != nil {
			return fmt.Errorf("%w: %w", ErrEmit, err)
		}
		return nil
	}

	select {
	case <-done:
		return ErrNotConnected
	default:
	}
	select {
	case queue <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(c.queueWait)
	defer timer.Stop()
	select {
	case queue <- frame:
		return nil
	case <-done:
		return ErrNotConnected
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrEmit, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: %w", ErrEmit, ErrQueueFull)
	}
}

// enqueueControl queues a ping or pong without blocking; a full queue
// already guarantees traffic to the server.
func (c *Client) enqueueControl(queue chan<- []byte, t protocol.EngineType) {
	select {
	case queue <- protocol.EncodePacket(t, nil):
	default:
		c.log.Debug("outbound queue full, skipping control packet", zap.Stringer("type", t))
	}
}

// Disconnect drops the session and waits for the background tasks to exit.
// The server is not notified.
func (c *Client) Disconnect() {
	c.teardown()
}

func (c *Client) teardown() {
	c.mu.Lock()
	cancel, g, car := c.cancel, c.group, c.carrier
	had := c.session != nil
	c.gen++
	c.connected = false
	c.session = nil
	c.carrier = nil
	c.queue = nil
	c.done = nil
	c.cancel = nil
	c.group = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if car != nil {
		car.close()
	}
	if g != nil {
		_ = g.Wait()
	}
	if had {
		c.log.Info("disconnected")
	}
}

// abandon clears a half-built session after a failed connect.
func (c *Client) abandon(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	car := c.carrier
	c.session = nil
	c.carrier = nil
	c.mu.Unlock()
	if car != nil {
		car.close()
	}
}

// markLost flips connected off for session gen so the supervisor
// reconnects. It does not wait for the tasks; they are exiting.
func (c *Client) markLost(gen uint64, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || !c.connected {
		return
	}
	c.connected = false
	c.log.Warn("session lost", zap.String("reason", reason))
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Session returns a copy of the live session.
func (c *Client) Session() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// ComputerID is the id the server assigned at the last auth_success.
func (c *Client) ComputerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.computerID
}

func (c *Client) sendLoop(ctx context.Context, gen uint64, car carrier, queue <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-queue:
			if err := car.send(ctx, frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, errSessionGone) {
					c.markLost(gen, "server rejected post")
					return errSessionLost
				}
				c.log.Warn("dropping outbound frame", zap.Int("bytes", len(frame)), zap.Error(err))
			}
		}
	}
}

func (c *Client) pollLoop(ctx context.Context, gen uint64, car carrier, sess *Session) error {
	c.mu.RLock()
	queue := c.queue
	c.mu.RUnlock()

	silence := sess.PingInterval + sess.PingTimeout
	lastPing := time.Now()
	lastSeen := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if sess.PingInterval > 0 && time.Since(lastPing) > sess.PingInterval-pingLead {
			c.enqueueControl(queue, protocol.EnginePing)
			lastPing = time.Now()
		}

		frames, err := car.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errSessionGone) {
				c.markLost(gen, "server dropped session")
				return errSessionLost
			}
			if silence > 0 && time.Since(lastSeen) > silence {
				c.markLost(gen, "server silent past ping timeout")
				return errSessionLost
			}
			c.log.Warn("poll failed", zap.Error(err))
			if !sleep(ctx, pollRetryDelay) {
				return nil
			}
			continue
		}
		lastSeen = time.Now()

		if reason, lost := c.handleFrames(frames, queue); lost {
			c.markLost(gen, reason)
			return errSessionLost
		}
	}
}

// handleFrames processes one poll batch in order. It reports whether the
// server ended the session.
func (c *Client) handleFrames(frames [][]byte, queue chan<- []byte) (string, bool) {
	for _, raw := range frames {
		f, err := protocol.ParseFrame(raw)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.ByteString("frame", raw), zap.Error(err))
			continue
		}
		if f.IsKeepAlive() {
			continue
		}
		switch f.Engine {
		case protocol.EnginePing:
			c.enqueueControl(queue, protocol.EnginePong)
		case protocol.EngineClose:
			return "server closed session", true
		case protocol.EngineMessage:
			if f.Namespace != protocol.Namespace {
				c.log.Debug("ignoring frame for other namespace", zap.String("namespace", f.Namespace))
				continue
			}
			switch f.Socket {
			case protocol.SocketEvent:
				c.reg.Dispatch(f.Event, f.Payload())
			case protocol.SocketDisconnect:
				return "server left namespace", true
			case protocol.SocketError:
				c.log.Warn("namespace error from server", zap.ByteString("data", f.Data))
			}
		}
	}
	return "", false
}

// heartbeatLoop emits resource usage on the configured interval. The
// interval is re-read every round so server and file updates apply.
func (c *Client) heartbeatLoop(ctx context.Context) error {
	for {
		if c.IsConnected() && c.metrics != nil {
			m, err := c.metrics.Metrics(ctx)
			if err != nil {
				c.log.Debug("metrics incomplete", zap.Error(err))
			}
			err = c.Emit(ctx, events.Heartbeat, events.HeartbeatPayload{
				CPUUsage:    m.CPUPercent,
				MemoryUsage: m.MemPercent,
				DiskUsage:   m.DiskPercent,
			})
			if err != nil && ctx.Err() == nil {
				c.log.Warn("heartbeat not sent", zap.Error(err))
			}
		}
		if !sleep(ctx, c.cfg.Get().Agent.HeartbeatInterval) {
			return nil
		}
	}
}

// sleep waits for d or ctx, reporting false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
