package transport

import (
	"io"
	"sync"
	"time"

	"github.com/chronologos/gwlink/internal/protocol"
)

// deadlineStream is satisfied by both *tls.Conn and *quic.Stream.
type deadlineStream interface {
	io.ReadWriter
	SetWriteDeadline(t time.Time) error
}

// StreamConn carries gateway messages over a reliable byte stream (a QUIC
// stream or a TLS connection) using protocol.WriteMessage framing.
type StreamConn struct {
	rw        deadlineStream
	closeFn   func() error
	mapErr    func(error) error // translates transport-specific close errors
	transport string
	remote    string

	writeMu   sync.Mutex // serializes framed writes
	closeOnce sync.Once
}

func newStreamConn(rw deadlineStream, transport, remote string, closeFn func() error, mapErr func(error) error) *StreamConn {
	if mapErr == nil {
		mapErr = func(err error) error { return err }
	}
	return &StreamConn{
		rw:        rw,
		closeFn:   closeFn,
		mapErr:    mapErr,
		transport: transport,
		remote:    remote,
	}
}

// Transport returns "quic" or "tcp".
func (c *StreamConn) Transport() string {
	return c.transport
}

// RemoteAddr returns the peer address.
func (c *StreamConn) RemoteAddr() string {
	return c.remote
}

// ReadMessage reads the next text or binary message. A MsgClose from the
// peer is returned as *CloseError.
func (c *StreamConn) ReadMessage() (protocol.MessageKind, []byte, error) {
	kind, payload, err := protocol.ReadMessage(c.rw)
	if err != nil {
		return 0, nil, c.mapErr(err)
	}
	if kind == protocol.MsgClose {
		code, reason, err := protocol.DecodeClose(payload)
		if err != nil {
			return 0, nil, err
		}
		return 0, nil, &CloseError{Code: code, Reason: reason}
	}
	return kind, payload, nil
}

// WriteMessage writes one framed message.
func (c *StreamConn) WriteMessage(kind protocol.MessageKind, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.rw, kind, data)
}

// CloseWith sends a best-effort MsgClose and tears the stream down.
func (c *StreamConn) CloseWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		// Bound the close write so a stalled peer can't hang teardown
		_ = c.rw.SetWriteDeadline(time.Now().Add(time.Second))
		c.writeMu.Lock()
		_ = protocol.WriteMessage(c.rw, protocol.MsgClose, protocol.EncodeClose(code, reason))
		c.writeMu.Unlock()
		err = c.closeFn()
	})
	return err
}

// Close closes the stream with CloseNormal.
func (c *StreamConn) Close() error {
	return c.CloseWith(CloseNormal, "")
}
