package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chronologos/gwlink/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// WebSocketConn adapts a gorilla/websocket connection to MessageConn and
// keeps it alive with pings.
type WebSocketConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex // gorilla allows one concurrent writer
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketConn wraps an established connection (dialed or upgraded)
// and starts its ping loop.
func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	conn.SetReadLimit(protocol.MaxPayloadSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &WebSocketConn{conn: conn, done: make(chan struct{})}
	go c.pingLoop()
	return c
}

func dialWebSocket(ctx context.Context, url string, opts Options) (*WebSocketConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.DialTimeout,
		TLSClientConfig:  opts.TLSConfig,
	}
	if opts.TLSConfig == nil && opts.InsecureSkipVerify {
		dialer.TLSClientConfig = ClientTLSConfig(true)
		dialer.TLSClientConfig.NextProtos = nil // plain HTTP/1.1 upgrade
	}

	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return NewWebSocketConn(conn), nil
}

func (c *WebSocketConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// WriteControl is safe alongside WriteMessage
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadMessage returns the next text or binary message. A close frame from
// the peer is returned as *CloseError.
func (c *WebSocketConn) ReadMessage() (protocol.MessageKind, []byte, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		if ce, ok := err.(*websocket.CloseError); ok {
			return 0, nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return 0, nil, err
	}
	switch mt {
	case websocket.TextMessage:
		return protocol.MsgText, data, nil
	default:
		return protocol.MsgBinary, data, nil
	}
}

// WriteMessage writes one text or binary message.
func (c *WebSocketConn) WriteMessage(kind protocol.MessageKind, data []byte) error {
	var mt int
	switch kind {
	case protocol.MsgText:
		mt = websocket.TextMessage
	case protocol.MsgBinary:
		mt = websocket.BinaryMessage
	default:
		return fmt.Errorf("%w: %v", protocol.ErrUnknownMessage, kind)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(mt, data)
}

// CloseWith sends a close frame and closes the connection.
func (c *WebSocketConn) CloseWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// Reserved codes such as 1006 must not appear on the wire
		wireCode := code
		if wireCode == CloseAbnormal || wireCode == 0 {
			wireCode = websocket.CloseNormalClosure
		}
		msg := websocket.FormatCloseMessage(wireCode, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
