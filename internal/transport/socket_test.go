package transport

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/gwlink/internal/protocol"
)

type message struct {
	kind protocol.MessageKind
	data []byte
}

type closeEvent struct {
	code   int
	reason string
}

// recorder collects socket events for assertions.
type recorder struct {
	opened   chan struct{}
	messages chan message
	errs     chan error
	closed   chan closeEvent

	mu          sync.Mutex
	closedCount int
	afterClose  bool // an event arrived after Closed
}

func newRecorder() *recorder {
	return &recorder{
		opened:   make(chan struct{}, 1),
		messages: make(chan message, 16),
		errs:     make(chan error, 4),
		closed:   make(chan closeEvent, 4),
	}
}

func (r *recorder) checkOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closedCount > 0 {
		r.afterClose = true
	}
}

func (r *recorder) Open() {
	r.checkOpen()
	r.opened <- struct{}{}
}

func (r *recorder) Message(kind protocol.MessageKind, data []byte) {
	r.checkOpen()
	r.messages <- message{kind, data}
}

func (r *recorder) Error(err error) {
	r.checkOpen()
	r.errs <- err
}

func (r *recorder) Closed(code int, reason string) {
	r.mu.Lock()
	r.closedCount++
	r.mu.Unlock()
	r.closed <- closeEvent{code, reason}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		var zero T
		return zero
	}
}

// echoServer upgrades to a WebSocket and echoes every message back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWebSocketConn(raw)
		defer conn.CloseWith(CloseNormal, "")
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "bye" {
				conn.CloseWith(4000, "server says bye")
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv := echoServer(t)
	rec := newRecorder()

	sock, err := Open(wsURL(srv), rec)
	require.NoError(t, err)
	waitFor(t, rec.opened, "open")

	require.NoError(t, sock.Send(protocol.MsgText, []byte(`{"type":"hello"}`)))
	msg := waitFor(t, rec.messages, "text echo")
	assert.Equal(t, protocol.MsgText, msg.kind)
	assert.Equal(t, `{"type":"hello"}`, string(msg.data))

	frame := append(make([]byte, protocol.FrameHeaderSize), "out"...)
	require.NoError(t, sock.Send(protocol.MsgBinary, frame))
	msg = waitFor(t, rec.messages, "binary echo")
	assert.Equal(t, protocol.MsgBinary, msg.kind)
	assert.Equal(t, frame, msg.data)

	require.NoError(t, sock.Close(CloseNormal, "done"))
	ev := waitFor(t, rec.closed, "closed")
	assert.Equal(t, CloseNormal, ev.code)
	assert.Equal(t, "done", ev.reason)
	assert.Empty(t, rec.errs, "local close must not report an error")
}

func TestWebSocketPeerClose(t *testing.T) {
	srv := echoServer(t)
	rec := newRecorder()

	sock, err := Open(wsURL(srv), rec)
	require.NoError(t, err)
	waitFor(t, rec.opened, "open")

	require.NoError(t, sock.Send(protocol.MsgText, []byte("bye")))
	ev := waitFor(t, rec.closed, "closed")
	assert.Equal(t, 4000, ev.code)
	assert.Equal(t, "server says bye", ev.reason)

	assert.ErrorIs(t, sock.Send(protocol.MsgText, []byte("late")), ErrNotOpen)
}

func TestDialFailureReportsErrorThenClosed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	rec := newRecorder()

	_, err := Open(wsURL(srv), rec)
	require.NoError(t, err, "dial errors are asynchronous")

	waitFor(t, rec.errs, "error")
	ev := waitFor(t, rec.closed, "closed")
	assert.Equal(t, CloseAbnormal, ev.code)
	assert.Empty(t, rec.opened)
}

func TestCloseDuringDial(t *testing.T) {
	// Accepts TCP but never answers the upgrade, so the dial hangs.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	rec := newRecorder()
	sock, err := Open("ws://"+ln.Addr().String()+"/gateway", rec)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sock.Close(CloseNormal, "stop"))
	ev := waitFor(t, rec.closed, "closed")
	assert.Equal(t, CloseNormal, ev.code)
	assert.Equal(t, "stop", ev.reason)
	assert.Empty(t, rec.errs)
	assert.Empty(t, rec.opened)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := echoServer(t)
	rec := newRecorder()

	sock, err := Open(wsURL(srv), rec)
	require.NoError(t, err)
	waitFor(t, rec.opened, "open")

	require.NoError(t, sock.Close(CloseNormal, ""))
	require.NoError(t, sock.Close(CloseGoingAway, ""))
	waitFor(t, rec.closed, "closed")

	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.closedCount)
	assert.False(t, rec.afterClose)
}

func TestUnsupportedScheme(t *testing.T) {
	_, err := Open("http://example.com", newRecorder())
	assert.True(t, errors.Is(err, ErrUnsupportedScheme))

	_, err = Open("://bad", newRecorder())
	assert.Error(t, err)
}

func TestCloseErrorMessage(t *testing.T) {
	err := &CloseError{Code: 4001, Reason: "handshake timeout"}
	assert.Equal(t, "closed by peer: 4001 handshake timeout", err.Error())
}
