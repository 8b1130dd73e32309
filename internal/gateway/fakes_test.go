package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chronologos/gwlink/internal/protocol"
	"github.com/chronologos/gwlink/internal/transport"
)

const testURL = "ws://gateway.test/gateway"

const helloJSON = `{"type":"hello","protocol_version":1,"server_id":"gw-1","services":[{"service":"terminal","version":1}]}`

type sentMsg struct {
	kind protocol.MessageKind
	data []byte
}

// fakeSocket records what the transport does to it. Tests drive its
// lifecycle by calling ev directly.
type fakeSocket struct {
	url string
	ev  transport.SocketEvents

	mu          sync.Mutex
	sent        []sentMsg
	sendErr     error
	closes      int
	closeReason string
}

func (s *fakeSocket) Send(kind protocol.MessageKind, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentMsg{kind: kind, data: append([]byte(nil), data...)})
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.closeReason = reason
	return nil
}

func (s *fakeSocket) messages() []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMsg(nil), s.sent...)
}

func (s *fakeSocket) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSocket) failSends(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// fakeDialer is a transport.Factory that hands out fakeSockets.
type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	err     error
}

func (d *fakeDialer) dial(url string, ev transport.SocketEvents) (transport.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeSocket{url: url, ev: ev}
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

func (d *fakeDialer) last(t *testing.T) *fakeSocket {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.sockets, "no socket dialed")
	return d.sockets[len(d.sockets)-1]
}

// fakeClock replaces time.AfterFunc. Timers only fire when the test says so.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, tm)
	return tm
}

func (tm *fakeTimer) Stop() bool {
	tm.clock.mu.Lock()
	defer tm.clock.mu.Unlock()
	active := !tm.stopped && !tm.fired
	tm.stopped = true
	return active
}

// active returns the durations of timers that are neither stopped nor fired.
func (c *fakeClock) active() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

// fire runs the oldest active timer with duration d.
func (c *fakeClock) fire(t *testing.T, d time.Duration) {
	t.Helper()
	c.mu.Lock()
	var found *fakeTimer
	for _, tm := range c.timers {
		if !tm.stopped && !tm.fired && tm.d == d {
			found = tm
			break
		}
	}
	if found == nil {
		active := c.activeLocked()
		c.mu.Unlock()
		t.Fatalf("no active %v timer (active: %v)", d, active)
	}
	found.fired = true
	c.mu.Unlock()
	found.f()
}

func (c *fakeClock) activeLocked() []time.Duration {
	var out []time.Duration
	for _, tm := range c.timers {
		if !tm.stopped && !tm.fired {
			out = append(out, tm.d)
		}
	}
	return out
}

type harness struct {
	tr    *Transport
	dial  *fakeDialer
	clock *fakeClock

	mu       sync.Mutex
	statuses []Status
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{dial: &fakeDialer{}, clock: &fakeClock{}}
	cfg := Config{
		URL:       testURL,
		AuthToken: "secret-token",
		Dial:      h.dial.dial,
		AfterFunc: h.clock.AfterFunc,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.tr = New(cfg)
	h.tr.OnStateChange(func(s State) {
		h.mu.Lock()
		h.statuses = append(h.statuses, s.Status)
		h.mu.Unlock()
	})
	t.Cleanup(h.tr.Stop)
	return h
}

// settle waits until every notification queued so far has been delivered.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	h.tr.dispatch.enqueue(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listeners did not settle")
	}
}

func (h *harness) seen() []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Status(nil), h.statuses...)
}

// connect starts the transport and completes a handshake on a fresh socket.
func (h *harness) connect(t *testing.T) *fakeSocket {
	t.Helper()
	h.tr.Start()
	return h.handshake(t)
}

// handshake opens the most recently dialed socket and answers its hello.
func (h *harness) handshake(t *testing.T) *fakeSocket {
	t.Helper()
	sock := h.dial.last(t)
	sock.ev.Open()
	sock.ev.Message(protocol.MsgText, []byte(helloJSON))
	require.Equal(t, StatusConnected, h.tr.State().Status)
	return sock
}

// requestAt decodes the i-th message sent on sock as a Request, waiting
// for it to appear.
func requestAt(t *testing.T, sock *fakeSocket, i int) *protocol.Request {
	t.Helper()
	require.Eventually(t, func() bool { return len(sock.messages()) > i }, time.Second, time.Millisecond)
	msg := sock.messages()[i]
	require.Equal(t, protocol.MsgText, msg.kind)
	env, err := protocol.DecodeEnvelope(msg.data)
	require.NoError(t, err)
	req, ok := env.(*protocol.Request)
	require.True(t, ok, "message %d is %T", i, env)
	return req
}

func respond(t *testing.T, sock *fakeSocket, resp *protocol.Response) {
	t.Helper()
	data, err := protocol.Encode(resp)
	require.NoError(t, err)
	sock.ev.Message(protocol.MsgText, data)
}

func emit(t *testing.T, sock *fakeSocket, ev *protocol.Event) {
	t.Helper()
	data, err := protocol.Encode(ev)
	require.NoError(t, err)
	sock.ev.Message(protocol.MsgText, data)
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// goCall runs Call in the background.
func goCall(h *harness, method string, params any) <-chan callOutcome {
	ch := make(chan callOutcome, 1)
	go func() {
		res, err := h.tr.Call(context.Background(), method, params)
		ch <- callOutcome{res, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan callOutcome) callOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("call did not settle")
		return callOutcome{}
	}
}

var errBoom = errors.New("boom")
