package gateway

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/chronologos/gwlink/internal/backlog"
	"github.com/chronologos/gwlink/internal/protocol"
)

// maxHeldSessions caps how many unattached sessions the demux buffers for.
const maxHeldSessions = 64

// SessionDemux routes binary frames to per-session handlers. Frames for a
// session nobody has attached to yet are held, bounded per session, and
// flushed in order on Attach. Unknown stream tags are passed through.
type SessionDemux struct {
	log          *slog.Logger
	maxHeldBytes int
	unsubscribe  func()

	mu       sync.Mutex
	handlers map[string]*sessionHandler
	held     map[string]*backlog.Backlog
}

// sessionHandler's mutex orders a held-frame flush before live frames.
type sessionHandler struct {
	mu sync.Mutex
	fn func(protocol.Frame)
}

// NewSessionDemux subscribes to t's binary frames. maxHeldBytes bounds the
// frames held per unattached session (default 1 MiB).
func NewSessionDemux(t *Transport, maxHeldBytes int) *SessionDemux {
	d := &SessionDemux{
		log:          t.log.With("component", "demux"),
		maxHeldBytes: maxHeldBytes,
		handlers:     make(map[string]*sessionHandler),
		held:         make(map[string]*backlog.Backlog),
	}
	d.unsubscribe = t.OnBinaryMessage(d.route)
	return d
}

// Attach registers fn for sessionID, replacing any previous handler, and
// first delivers frames held for it. Returns a detach func.
func (d *SessionDemux) Attach(sessionID string, fn func(protocol.Frame)) (detach func()) {
	sessionID = canonicalSessionID(sessionID)
	h := &sessionHandler{fn: fn}

	d.mu.Lock()
	d.handlers[sessionID] = h
	var frames [][]byte
	if b, ok := d.held[sessionID]; ok {
		frames = b.Drain()
		delete(d.held, sessionID)
	}
	h.mu.Lock()
	d.mu.Unlock()

	for _, raw := range frames {
		if f, err := protocol.ParseFrame(raw); err == nil {
			fn(f)
		}
	}
	h.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.handlers[sessionID] == h {
			delete(d.handlers, sessionID)
		}
	}
}

// Forget drops frames held for sessionID.
func (d *SessionDemux) Forget(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.held, canonicalSessionID(sessionID))
}

// Close stops routing. Held frames are discarded.
func (d *SessionDemux) Close() {
	d.unsubscribe()
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.handlers)
	clear(d.held)
}

func (d *SessionDemux) route(raw []byte) {
	f, err := protocol.ParseFrame(raw)
	if err != nil {
		d.log.Debug("dropping malformed binary frame", "err", err)
		return
	}

	d.mu.Lock()
	h, ok := d.handlers[f.SessionID]
	if !ok {
		d.holdLocked(f.SessionID, raw)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.fn(f)
}

func (d *SessionDemux) holdLocked(sessionID string, raw []byte) {
	b, ok := d.held[sessionID]
	if !ok {
		if len(d.held) >= maxHeldSessions {
			d.log.Debug("too many unattached sessions, dropping frame", "session", sessionID)
			return
		}
		b = backlog.New(d.maxHeldBytes)
		d.held[sessionID] = b
	}
	if evicted := b.Push(raw); evicted > 0 {
		d.log.Debug("held frames evicted", "session", sessionID, "bytes", evicted)
	}
}

func canonicalSessionID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return id
}
