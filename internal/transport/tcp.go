package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
)

// dialTCP connects to a gateway's TCP+TLS listener. The TLS connection
// itself is the message stream.
func dialTCP(ctx context.Context, hostport string, tlsConf *tls.Config) (*StreamConn, error) {
	dialer := &tls.Dialer{Config: tlsConf}

	rawConn, err := dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("TCP+TLS dial: %w", err)
	}

	tlsConn := rawConn.(*tls.Conn)
	return newStreamConn(tlsConn, "tcp", tlsConn.RemoteAddr().String(), tlsConn.Close, nil), nil
}

// tcpListener wraps a TLS-over-TCP listener for the gateway side.
type tcpListener struct {
	ln   net.Listener
	port int
}

// listenTCP creates a TCP+TLS listener. Takes a tls.Certificate so the dual
// listener can share one cert between QUIC and TCP.
func listenTCP(host string, port int, cert tls.Certificate) (*tcpListener, error) {
	ln, err := tls.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)), ServerTLSConfig(cert))
	if err != nil {
		return nil, fmt.Errorf("TCP+TLS listen: %w", err)
	}

	return &tcpListener{
		ln:   ln,
		port: ln.Addr().(*net.TCPAddr).Port,
	}, nil
}

// Port returns the TCP port the listener is bound to.
func (l *tcpListener) Port() int {
	return l.port
}

// Accept waits for a TCP+TLS client connection and completes its TLS
// handshake.
func (l *tcpListener) Accept(ctx context.Context) (*StreamConn, error) {
	// Use a channel so we can respect context cancellation
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("accept TCP connection: %w", res.err)
		}
		tlsConn := res.conn.(*tls.Conn)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			tlsConn.Close()
			return nil, fmt.Errorf("%w: TLS handshake: %w", errConnSetup, err)
		}
		return newStreamConn(tlsConn, "tcp", tlsConn.RemoteAddr().String(), tlsConn.Close, nil), nil
	case <-ctx.Done():
		// The goroutine may still be blocked on Accept. It unblocks when
		// the listener is closed; close anything it accepted before then.
		go func() {
			res := <-ch
			if res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close shuts down the TCP listener.
func (l *tcpListener) Close() error {
	return l.ln.Close()
}
