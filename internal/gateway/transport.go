// Package gateway keeps one logical connection to a gateway: versioned
// handshake, correlated RPC, pushed events, and a session-tagged binary
// stream, all over a single socket that reconnects with backoff.
//
// All state lives in Transport and is mutated under one mutex. Every socket
// and timer carries the generation it was created for; callbacks from an
// older generation are ignored, so late events from a torn-down socket
// can't disturb its successor. Listener callbacks never run under the lock.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronologos/gwlink/internal/backlog"
	"github.com/chronologos/gwlink/internal/metrics"
	"github.com/chronologos/gwlink/internal/pending"
	"github.com/chronologos/gwlink/internal/protocol"
	"github.com/chronologos/gwlink/internal/transport"
)

var (
	// ErrNotConnected is returned by Call when no handshaken connection exists.
	ErrNotConnected = errors.New("gateway: not connected")

	// ErrConnectionClosed rejects calls that were in flight when the
	// connection went away.
	ErrConnectionClosed = errors.New("gateway: connection closed")

	// ErrDuplicateRequestID fails a call whose id is already in flight.
	ErrDuplicateRequestID = errors.New("gateway: duplicate request id")
)

const tracerName = "github.com/chronologos/gwlink/internal/gateway"

// discardHandler is a no-op slog handler used when no logger is configured.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

type closeReq struct {
	sock   transport.Socket
	reason string
}

// Transport is the client side of a gateway connection.
type Transport struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	pending *pending.Map[json.RawMessage]

	mu              sync.Mutex
	url, token      string
	running         bool
	shouldReconnect bool // false after a rejected handshake
	state           State

	sock       transport.Socket
	gen        uint64 // bumped for every socket and every teardown
	sockOpen   bool
	handshaken bool
	openedAt   time.Time

	handshakeTimer Timer
	reconnectTimer Timer
	retry          int

	backlog    *backlog.Backlog
	closeQueue []closeReq // sockets to close once the lock is released

	stateListeners  registry[func(State)]
	binaryListeners registry[func([]byte)]
	eventListeners  registry[func(protocol.Event)]
	dispatch        dispatcher
}

// New creates a stopped transport. Call Start to connect.
func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With("component", "gateway")
	return &Transport{
		cfg:      cfg,
		log:      logger,
		metrics:  cfg.Metrics,
		tracer:   otel.Tracer(tracerName),
		pending:  pending.New[json.RawMessage](),
		url:      cfg.URL,
		token:    cfg.AuthToken,
		state:    State{Status: StatusDisconnected},
		backlog:  backlog.New(cfg.MaxBinaryBacklogBytes),
		dispatch: dispatcher{log: logger},
	}
}

// unlock releases t.mu, then closes queued sockets. Every method that
// takes t.mu and may tear a socket down leaves through here.
func (t *Transport) unlock() {
	closes := t.closeQueue
	t.closeQueue = nil
	t.mu.Unlock()

	for _, c := range closes {
		if err := c.sock.Close(transport.CloseNormal, c.reason); err != nil {
			t.log.Debug("socket close failed", "err", err)
		}
	}
}

// --- Public operations ---

// Start begins connecting. It is a no-op while already running, except
// after a rejected handshake, where it dials again. With no URL configured
// the transport stays disconnected until SetConnection.
func (t *Transport) Start() {
	t.mu.Lock()
	defer t.unlock()

	if t.running && (t.shouldReconnect || t.sock != nil) {
		return
	}
	t.running = true
	t.shouldReconnect = true
	t.retry = 0
	t.connectLocked()
}

// Stop tears the connection down and disables reconnects. Pending calls
// fail with ErrConnectionClosed. A later Start begins a fresh run.
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.unlock()

	t.running = false
	t.shouldReconnect = false
	t.stopTimer(&t.reconnectTimer)
	t.teardownLocked("client stopped")
	t.setStateLocked(State{Status: StatusDisconnected})
}

// SetConnection points the transport at a new URL and token. Unchanged
// values are a no-op; otherwise the current connection is torn down and,
// if running, a new one started.
func (t *Transport) SetConnection(url, token string) {
	t.mu.Lock()
	defer t.unlock()

	if url == t.url && token == t.token {
		return
	}
	t.log.Info("connection settings changed", "url", url)
	t.url, t.token = url, token
	t.stopTimer(&t.reconnectTimer)
	t.teardownLocked("connection settings changed")
	t.retry = 0
	t.shouldReconnect = true

	if t.running {
		t.connectLocked()
	} else {
		t.setStateLocked(State{Status: StatusDisconnected})
	}
}

// State returns the current snapshot.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending returns the number of calls awaiting a response.
func (t *Transport) Pending() int {
	return t.pending.Len()
}

// OnStateChange subscribes fn to state snapshots. fn receives the current
// snapshot first, then every change. Delivery is asynchronous, on the
// transport's dispatcher goroutine, and ordered: the snapshot may arrive
// after OnStateChange returns, but always before later changes. Returns an
// unsubscribe func.
func (t *Transport) OnStateChange(fn func(State)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.unlock()

	l := t.stateListeners.add(fn)
	snap := t.state
	t.dispatch.enqueue(func() {
		if !l.removed.Load() {
			l.fn(snap)
		}
	})
	return unsubscriber(t, &t.stateListeners, l)
}

// OnBinaryMessage subscribes fn to raw binary frames. Frames that arrived
// while nobody was subscribed are delivered first, oldest first. Every
// subscriber sees every frame.
func (t *Transport) OnBinaryMessage(fn func(frame []byte)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.unlock()

	l := t.binaryListeners.add(fn)
	if frames := t.backlog.Drain(); len(frames) > 0 {
		t.log.Debug("flushing binary backlog", "frames", len(frames))
		t.dispatch.enqueue(func() {
			for _, f := range frames {
				if l.removed.Load() {
					return
				}
				l.fn(f)
			}
		})
	}
	return unsubscriber(t, &t.binaryListeners, l)
}

// OnEvent subscribes fn to gateway events received after the handshake.
func (t *Transport) OnEvent(fn func(protocol.Event)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.unlock()

	l := t.eventListeners.add(fn)
	return unsubscriber(t, &t.eventListeners, l)
}

func unsubscriber[T any](t *Transport, r *registry[T], l *listener[T]) func() {
	return func() {
		t.mu.Lock()
		r.remove(l)
		t.mu.Unlock()
	}
}

// AwaitConnected blocks until the transport is connected or rejected, or
// ctx is done. A rejection is returned as its *protocol.HelloReject.
// Must not be called from a listener callback.
func (t *Transport) AwaitConnected(ctx context.Context) (State, error) {
	done := make(chan State, 1)
	var once sync.Once
	unsubscribe := t.OnStateChange(func(s State) {
		if s.Status == StatusConnected || s.Status == StatusRejected {
			once.Do(func() { done <- s })
		}
	})
	defer unsubscribe()

	select {
	case s := <-done:
		if s.Status == StatusRejected && s.Rejection != nil {
			return s, s.Rejection
		}
		return s, nil
	case <-ctx.Done():
		return t.State(), ctx.Err()
	}
}

// --- Transitions (t.mu held) ---

func (t *Transport) setStateLocked(s State) {
	prev := t.state
	if prev.equal(s) {
		return
	}
	t.state = s
	if prev.Status != s.Status {
		t.log.Debug("status changed", "from", prev.Status, "to", s.Status)
		t.metrics.StateTransition(s.Status.String())
	}
	for _, l := range t.stateListeners.snapshot() {
		l := l // per-iteration copy; go 1.21 loop variables are shared across iterations
		t.dispatch.enqueue(func() {
			if !l.removed.Load() {
				l.fn(s)
			}
		})
	}
}

func (t *Transport) stopTimer(tp *Timer) {
	if *tp != nil {
		(*tp).Stop()
		*tp = nil
	}
}

func (t *Transport) queueCloseLocked(reason string) {
	if t.sock != nil {
		t.closeQueue = append(t.closeQueue, closeReq{sock: t.sock, reason: reason})
	}
}

func (t *Transport) connectLocked() {
	if t.url == "" {
		t.setStateLocked(State{Status: StatusDisconnected})
		return
	}

	t.gen++
	gen := t.gen
	t.sockOpen, t.handshaken = false, false
	t.backlog.Clear()
	t.setStateLocked(State{Status: StatusConnecting})

	t.log.Debug("opening socket", "url", t.url, "gen", gen)
	sock, err := t.cfg.Dial(t.url, &socketEvents{t: t, gen: gen})
	if err != nil {
		t.log.Warn("socket open failed", "url", t.url, "err", err)
		t.setStateLocked(State{Status: StatusError, Err: err})
		t.scheduleReconnectLocked()
		return
	}
	t.sock = sock
}

// teardownLocked drops the current socket and everything tied to it.
// Safe to call when nothing is connected.
func (t *Transport) teardownLocked(reason string) {
	t.stopTimer(&t.handshakeTimer)
	t.queueCloseLocked(reason)
	t.sock = nil
	t.gen++
	t.sockOpen, t.handshaken = false, false
	t.backlog.Clear()
	t.pending.RejectAll(ErrConnectionClosed)
}

func (t *Transport) scheduleReconnectLocked() {
	if !t.running || !t.shouldReconnect || t.cfg.DisableReconnect || t.url == "" || t.reconnectTimer != nil {
		return
	}
	delay := ReconnectDelay(t.retry, t.cfg.Backoff.BaseDelay, t.cfg.Backoff.MaxDelay)
	t.retry++
	gen := t.gen
	t.metrics.ReconnectScheduled()
	t.log.Info("reconnect scheduled", "delay", delay, "attempt", t.retry)
	t.reconnectTimer = t.cfg.AfterFunc(delay, func() { t.handleReconnect(gen) })
}

func (t *Transport) completeHandshakeLocked(h *protocol.ServerHello) {
	t.stopTimer(&t.handshakeTimer)
	t.handshaken = true
	t.retry = 0
	t.backlog.Clear()
	t.metrics.Handshake(time.Since(t.openedAt))
	t.log.Info("connected", "server_id", h.ServerID, "protocol_version", h.ProtocolVersion)
	t.setStateLocked(State{Status: StatusConnected, ServerHello: h})
}

func (t *Transport) rejectLocked(r *protocol.HelloReject) {
	t.stopTimer(&t.handshakeTimer)
	t.shouldReconnect = false
	t.log.Warn("handshake rejected", "code", r.Code, "reason", r.Reason)
	t.setStateLocked(State{Status: StatusRejected, Rejection: r})
	// The socket's Closed event finishes the teardown.
	t.queueCloseLocked("handshake rejected")
}

// --- Socket and timer callbacks ---

// socketEvents binds a socket's callbacks to the generation it was
// opened for.
type socketEvents struct {
	t   *Transport
	gen uint64
}

func (e *socketEvents) Open()                                    { e.t.handleOpen(e.gen) }
func (e *socketEvents) Message(k protocol.MessageKind, b []byte) { e.t.handleMessage(e.gen, k, b) }
func (e *socketEvents) Error(err error)                          { e.t.handleError(e.gen, err) }
func (e *socketEvents) Closed(code int, reason string)           { e.t.handleClosed(e.gen, code, reason) }

func (t *Transport) handleOpen(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.sock == nil {
		t.unlock()
		return
	}
	sock := t.sock
	t.sockOpen = true
	t.openedAt = time.Now()
	t.setStateLocked(State{Status: StatusHandshaking})
	t.handshakeTimer = t.cfg.AfterFunc(t.cfg.HandshakeTimeout, func() { t.handleHandshakeTimeout(gen) })
	hello, err := json.Marshal(protocol.ClientHello{
		Protocol:     protocol.VersionRange{Min: t.cfg.ProtocolVersion, Max: t.cfg.ProtocolVersion},
		ClientID:     t.cfg.ClientID,
		AuthToken:    t.token,
		Capabilities: t.cfg.Capabilities,
	})
	t.unlock()

	if err == nil {
		err = sock.Send(protocol.MsgText, hello)
	}
	if err != nil {
		t.handleError(gen, fmt.Errorf("send hello: %w", err))
	}
}

func (t *Transport) handleMessage(gen uint64, kind protocol.MessageKind, data []byte) {
	if kind == protocol.MsgBinary {
		t.handleBinary(gen, data)
		return
	}

	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		t.log.Debug("dropping text message", "err", err, "bytes", len(data))
		return
	}

	t.mu.Lock()
	if gen != t.gen {
		t.unlock()
		return
	}

	if !t.handshaken {
		switch m := env.(type) {
		case *protocol.ServerHello:
			t.completeHandshakeLocked(m)
		case *protocol.HelloReject:
			t.rejectLocked(m)
		default:
			t.log.Debug("ignoring message before handshake", "type", fmt.Sprintf("%T", env))
		}
		t.unlock()
		return
	}

	switch m := env.(type) {
	case *protocol.Response:
		t.unlock()
		if m.Error != nil {
			t.pending.Reject(m.ID, m.Error)
		} else {
			t.pending.Resolve(m.ID, m.Result)
		}
		return
	case *protocol.Event:
		ev := *m
		for _, l := range t.eventListeners.snapshot() {
			l := l // per-iteration copy; go 1.21 loop variables are shared across iterations
			t.dispatch.enqueue(func() {
				if !l.removed.Load() {
					l.fn(ev)
				}
			})
		}
	default:
		t.log.Debug("ignoring message", "type", fmt.Sprintf("%T", env))
	}
	t.unlock()
}

func (t *Transport) handleBinary(gen uint64, frame []byte) {
	t.mu.Lock()
	defer t.unlock()

	if gen != t.gen {
		return
	}
	t.metrics.BinaryFrame(metrics.DirectionIn)

	listeners := t.binaryListeners.snapshot()
	if len(listeners) == 0 {
		if evicted := t.backlog.Push(frame); evicted > 0 {
			t.metrics.BacklogEvicted(evicted)
			t.log.Debug("binary backlog full, evicted oldest frames", "bytes", evicted)
		}
		return
	}
	for _, l := range listeners {
		l := l // per-iteration copy; go 1.21 loop variables are shared across iterations
		t.dispatch.enqueue(func() {
			if !l.removed.Load() {
				l.fn(frame)
			}
		})
	}
}

func (t *Transport) handleError(gen uint64, err error) {
	t.mu.Lock()
	defer t.unlock()

	if gen != t.gen {
		return
	}
	t.log.Warn("socket error", "err", err)
	if t.state.Status != StatusRejected {
		t.setStateLocked(State{Status: StatusError, Err: err})
	}
	t.queueCloseLocked("socket error")
}

func (t *Transport) handleClosed(gen uint64, code int, reason string) {
	t.mu.Lock()
	defer t.unlock()

	if gen != t.gen {
		return
	}
	t.log.Info("socket closed", "code", code, "reason", reason)

	prev := t.state
	t.sock = nil // already closed
	t.teardownLocked(reason)
	if prev.Status != StatusRejected {
		t.setStateLocked(State{Status: StatusDisconnected, Err: prev.Err})
	}
	t.scheduleReconnectLocked()
}

func (t *Transport) handleHandshakeTimeout(gen uint64) {
	t.mu.Lock()
	defer t.unlock()

	if gen != t.gen || t.handshaken || t.handshakeTimer == nil {
		return
	}
	t.handshakeTimer = nil
	t.log.Warn("handshake timed out", "timeout", t.cfg.HandshakeTimeout)
	t.backlog.Clear()
	// Closed drives the usual close path and reconnect.
	t.queueCloseLocked("handshake timeout")
}

func (t *Transport) handleReconnect(gen uint64) {
	t.mu.Lock()
	defer t.unlock()

	if gen != t.gen || !t.running || t.reconnectTimer == nil {
		return
	}
	t.reconnectTimer = nil
	t.connectLocked()
}

// newRequestID returns a random UUID, falling back to time plus random hex
// if the UUID source fails.
func newRequestID() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return id.String()
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(b[:]))
}
