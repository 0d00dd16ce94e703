package transport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/netwatch/agent/internal/protocol"
)

const (
	testSID       = "abc"
	testHandshake = `0{"sid":"abc","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`
	authOK        = `42/agent,["auth_success",{"computerId":"pc-1"}]`
)

// fakeServer is a minimal Engine.IO polling server. It acks the namespace
// join, answers auth with authReply and records every posted packet.
type fakeServer struct {
	t  *testing.T
	ts *httptest.Server

	mu        sync.Mutex
	posts     []string
	authReply []string
	nsAck     string
	handshake string
	forgotten bool

	// rejectPost answers 500 to matching POST bodies.
	rejectPost func(string) bool
	// holdEvents parks event POSTs other than auth until the test ends.
	holdEvents bool
	release    chan struct{}

	// failGets answers the next N polls with 500. failedAt is the last
	// failure, retriedAt the first poll after it.
	failGets  int
	failedAt  time.Time
	retriedAt time.Time

	outbox chan []byte
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:         t,
		authReply: []string{authOK},
		nsAck:     `40/agent,{"sid":"ns-1"}`,
		handshake: testHandshake,
		release:   make(chan struct{}),
		outbox:    make(chan []byte, 64),
	}
	f.ts = httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(func() {
		close(f.release)
		f.ts.Close()
	})
	return f
}

func (f *fakeServer) URL() string { return f.ts.URL }

// setAuthReply sets the frames sent, in one poll body, in reply to auth.
func (f *fakeServer) setAuthReply(frames ...string) {
	f.mu.Lock()
	f.authReply = frames
	f.mu.Unlock()
}

func (f *fakeServer) setNamespaceAck(s string) {
	f.mu.Lock()
	f.nsAck = s
	f.mu.Unlock()
}

func (f *fakeServer) setRejectPost(match func(string) bool) {
	f.mu.Lock()
	f.rejectPost = match
	f.mu.Unlock()
}

func (f *fakeServer) holdEventPosts() {
	f.mu.Lock()
	f.holdEvents = true
	f.mu.Unlock()
}

func (f *fakeServer) failNextGets(n int) {
	f.mu.Lock()
	f.failGets = n
	f.mu.Unlock()
}

// pollRetry reports when the last poll failure was served and when the
// next poll arrived. retried is zero until that poll happens.
func (f *fakeServer) pollRetry() (failed, retried time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failedAt, f.retriedAt
}

func (f *fakeServer) setHandshake(s string) {
	f.mu.Lock()
	f.handshake = s
	f.mu.Unlock()
}

// forget makes the server answer 400 for the current sid.
func (f *fakeServer) forget() {
	f.mu.Lock()
	f.forgotten = true
	f.mu.Unlock()
}

// push queues packets for the next poll, length-prefixed.
func (f *fakeServer) push(frames ...string) {
	bs := make([][]byte, len(frames))
	for i, fr := range frames {
		bs[i] = []byte(fr)
	}
	f.outbox <- protocol.EncodePayload(bs...)
}

// pushRaw queues a poll body verbatim.
func (f *fakeServer) pushRaw(body string) {
	f.outbox <- []byte(body)
}

func (f *fakeServer) Posts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}

func (f *fakeServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/socket.io/") || r.URL.Query().Get("EIO") != "4" {
		http.NotFound(w, r)
		return
	}
	sid := r.URL.Query().Get("sid")

	f.mu.Lock()
	handshake, forgotten := f.handshake, f.forgotten
	f.mu.Unlock()

	if sid == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "missing sid", http.StatusBadRequest)
			return
		}
		io.WriteString(w, handshake)
		return
	}
	if sid != testSID || forgotten {
		http.Error(w, `{"code":1,"message":"Session ID unknown"}`, http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		packet := string(body)
		f.mu.Lock()
		f.posts = append(f.posts, packet)
		reply, ack, reject, hold := f.authReply, f.nsAck, f.rejectPost, f.holdEvents
		f.mu.Unlock()

		isAuth := strings.HasPrefix(packet, `42/agent,["auth",`)
		if reject != nil && reject(packet) {
			http.Error(w, "rejected", http.StatusInternalServerError)
			return
		}
		if hold && !isAuth && strings.HasPrefix(packet, "42/agent,") {
			select {
			case <-f.release:
			case <-r.Context().Done():
			}
			return
		}
		switch {
		case packet == "40/agent,":
			f.push(ack)
		case isAuth:
			f.push(reply...)
		}
		io.WriteString(w, "ok")
	case http.MethodGet:
		f.mu.Lock()
		if f.failGets > 0 {
			f.failGets--
			f.failedAt = time.Now()
			f.mu.Unlock()
			http.Error(w, "poll failed", http.StatusInternalServerError)
			return
		}
		if !f.failedAt.IsZero() && f.retriedAt.IsZero() {
			f.retriedAt = time.Now()
		}
		f.mu.Unlock()
		select {
		case body := <-f.outbox:
			w.Write(body)
		case <-time.After(50 * time.Millisecond):
			io.WriteString(w, "6")
		case <-r.Context().Done():
		}
	}
}

// wsFakeServer is the websocket flavour of fakeServer.
type wsFakeServer struct {
	ts *httptest.Server

	mu    sync.Mutex
	posts []string
	conns []*websocket.Conn
}

func newWSFakeServer(t *testing.T) *wsFakeServer {
	t.Helper()
	f := &wsFakeServer{}
	up := websocket.Upgrader{}
	f.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("transport") != "websocket" {
			http.Error(w, "websocket only", http.StatusBadRequest)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(testHandshake))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			packet := string(data)
			f.mu.Lock()
			f.posts = append(f.posts, packet)
			f.mu.Unlock()
			switch {
			case packet == "40/agent,":
				conn.WriteMessage(websocket.TextMessage, []byte(`40/agent,{"sid":"ns-1"}`))
			case strings.HasPrefix(packet, `42/agent,["auth",`):
				conn.WriteMessage(websocket.TextMessage, []byte(authOK))
			}
		}
	}))
	t.Cleanup(func() {
		f.mu.Lock()
		for _, c := range f.conns {
			c.Close()
		}
		f.mu.Unlock()
		f.ts.Close()
	})
	return f
}

func (f *wsFakeServer) Posts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}
