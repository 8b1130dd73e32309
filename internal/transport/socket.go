package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chronologos/gwlink/internal/protocol"
)

// Close codes, shared with the WebSocket registry so the gateway sees the
// same values whichever socket carried the connection.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

var (
	ErrNotOpen           = errors.New("socket not open")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

// CloseError is returned by MessageConn.ReadMessage when the peer closed
// the connection with an explicit close message.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("closed by peer: %d %s", e.Code, e.Reason)
}

// MessageConn is an established, message-oriented connection. ReadMessage
// must only be called from one goroutine; WriteMessage and CloseWith are
// safe for concurrent use.
type MessageConn interface {
	ReadMessage() (protocol.MessageKind, []byte, error)
	WriteMessage(kind protocol.MessageKind, data []byte) error
	// CloseWith sends a best-effort close message and closes the connection.
	CloseWith(code int, reason string) error
}

// Socket is the client side of a gateway connection as the transport state
// machine sees it.
type Socket interface {
	Send(kind protocol.MessageKind, data []byte) error
	Close(code int, reason string) error
}

// SocketEvents receives a socket's lifecycle. Open, Message and Error are
// only ever delivered before Closed, and Closed is delivered exactly once.
// Events for one socket are delivered from a single goroutine.
type SocketEvents interface {
	Open()
	Message(kind protocol.MessageKind, data []byte)
	Error(err error)
	Closed(code int, reason string)
}

// Factory opens a socket to url. It must not deliver events synchronously;
// connection failures are reported through ev, never as a panic.
type Factory func(url string, ev SocketEvents) (Socket, error)

// Options configures the sockets created by NewFactory.
type Options struct {
	// TLSConfig is used for wss, quic and tls URLs. Nil selects
	// ClientTLSConfig(InsecureSkipVerify).
	TLSConfig *tls.Config

	// InsecureSkipVerify disables certificate verification when TLSConfig
	// is nil. Only useful against a gateway with a self-signed cert.
	InsecureSkipVerify bool

	// Header is sent with the WebSocket upgrade request.
	Header http.Header

	// DialTimeout bounds connection setup (default 10s).
	DialTimeout time.Duration

	Logger *slog.Logger
}

// NewFactory returns a Factory that picks the socket implementation from
// the URL scheme: ws/wss dial a WebSocket, quic dials a single bidirectional
// QUIC stream, tls dials a TCP+TLS stream.
func NewFactory(opts Options) Factory {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return func(rawURL string, ev SocketEvents) (Socket, error) {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", rawURL, err)
		}

		var dial dialFunc
		switch u.Scheme {
		case "ws", "wss":
			dial = func(ctx context.Context) (MessageConn, error) {
				return dialWebSocket(ctx, rawURL, opts)
			}
		case "quic":
			dial = func(ctx context.Context) (MessageConn, error) {
				return dialQUIC(ctx, u.Host, clientTLS(opts, u.Hostname()))
			}
		case "tls":
			dial = func(ctx context.Context) (MessageConn, error) {
				return dialTCP(ctx, u.Host, clientTLS(opts, u.Hostname()))
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
		}

		logger := opts.Logger.With("component", "socket", "scheme", u.Scheme, "host", u.Host)
		return startSocket(ev, dial, opts.DialTimeout, logger), nil
	}
}

// Open is the default Factory.
func Open(url string, ev SocketEvents) (Socket, error) {
	return NewFactory(Options{})(url, ev)
}

func clientTLS(opts Options, serverName string) *tls.Config {
	conf := opts.TLSConfig
	if conf == nil {
		conf = ClientTLSConfig(opts.InsecureSkipVerify)
	}
	if conf.ServerName == "" {
		conf = conf.Clone()
		conf.ServerName = serverName
	}
	return conf
}

type dialFunc func(ctx context.Context) (MessageConn, error)

// socket drives one MessageConn through dial, read loop and close, and
// turns that into SocketEvents.
type socket struct {
	ev     SocketEvents
	log    *slog.Logger
	cancel context.CancelFunc

	mu          sync.Mutex
	conn        MessageConn // nil until dial succeeds
	closing     bool        // Close was called locally
	closeCode   int
	closeReason string
}

func startSocket(ev SocketEvents, dial dialFunc, timeout time.Duration, logger *slog.Logger) *socket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &socket{ev: ev, log: logger, cancel: cancel}
	go s.run(ctx, dial, timeout)
	return s
}

func (s *socket) run(ctx context.Context, dial dialFunc, timeout time.Duration) {
	defer s.cancel()

	dialCtx, cancelDial := context.WithTimeout(ctx, timeout)
	conn, err := dial(dialCtx)
	cancelDial()

	s.mu.Lock()
	if err != nil {
		closing, code, reason := s.closing, s.closeCode, s.closeReason
		s.mu.Unlock()
		if closing {
			s.ev.Closed(code, reason)
			return
		}
		s.log.Debug("dial failed", "err", err)
		s.ev.Error(err)
		s.ev.Closed(CloseAbnormal, err.Error())
		return
	}
	if s.closing {
		code, reason := s.closeCode, s.closeReason
		s.mu.Unlock()
		conn.CloseWith(code, reason)
		s.ev.Closed(code, reason)
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.log.Debug("socket open")
	s.ev.Open()

	for {
		kind, data, err := conn.ReadMessage()
		if err == nil {
			s.ev.Message(kind, data)
			continue
		}

		s.mu.Lock()
		closing, code, reason := s.closing, s.closeCode, s.closeReason
		s.closing = true // no more sends
		s.mu.Unlock()

		var ce *CloseError
		switch {
		case closing:
			// Our own Close unblocked the read
		case errors.As(err, &ce):
			code, reason = ce.Code, ce.Reason
			conn.CloseWith(code, reason)
		default:
			s.log.Debug("read failed", "err", err)
			s.ev.Error(err)
			conn.CloseWith(CloseAbnormal, "")
			code, reason = CloseAbnormal, err.Error()
		}
		s.log.Debug("socket closed", "code", code, "reason", reason)
		s.ev.Closed(code, reason)
		return
	}
}

func (s *socket) Send(kind protocol.MessageKind, data []byte) error {
	s.mu.Lock()
	conn, closing := s.conn, s.closing
	s.mu.Unlock()
	if conn == nil || closing {
		return ErrNotOpen
	}
	return conn.WriteMessage(kind, data)
}

// Close starts closing the socket. Closed is delivered once the read loop
// or the pending dial has wound down. Calling Close twice is a no-op.
func (s *socket) Close(code int, reason string) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.closeCode, s.closeReason = code, reason
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.cancel() // abort the dial
		return nil
	}
	return conn.CloseWith(code, reason)
}
