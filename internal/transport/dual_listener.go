package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
)

// errConnSetup marks accept failures that only affect one connection.
var errConnSetup = errors.New("connection setup failed")

// Listener accepts gateway stream connections.
type Listener interface {
	Accept(ctx context.Context) (*StreamConn, error)
	Port() int
	Close() error
}

// dualListener accepts connections from both QUIC (UDP) and TCP+TLS
// listeners on the same port number. Accept() returns whichever connection
// arrives first.
type dualListener struct {
	quic *quicListener
	tcp  *tcpListener
	port int

	// connCh receives connections from both accept loops.
	connCh chan acceptRes
	// ctx is cancelled by Close, stopping both accept loops.
	ctx    context.Context
	cancel context.CancelFunc
}

type acceptRes struct {
	conn *StreamConn
	err  error
}

// ListenDual creates both a QUIC (UDP) and TCP+TLS listener on the same
// port. Bind order: QUIC first (gets a random port from the OS when port is
// 0), then TCP on the same port. A zero-value cert generates a self-signed
// one.
func ListenDual(host string, port int, cert tls.Certificate) (Listener, error) {
	if len(cert.Certificate) == 0 {
		var err error
		cert, err = GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generate TLS cert: %w", err)
		}
	}

	ql, err := listenQUIC(host, port, cert)
	if err != nil {
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	// Bind TCP to the same port number (UDP and TCP don't conflict).
	tl, err := listenTCP(host, ql.Port(), cert)
	if err != nil {
		ql.Close()
		return nil, fmt.Errorf("TCP listen on port %d: %w", ql.Port(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dl := &dualListener{
		quic:   ql,
		tcp:    tl,
		port:   ql.Port(),
		connCh: make(chan acceptRes, 4),
		ctx:    ctx,
		cancel: cancel,
	}

	go dl.acceptLoop(ctx, ql.Accept)
	go dl.acceptLoop(ctx, tl.Accept)

	return dl, nil
}

// acceptLoop keeps accepting until the listener closes. Per-connection
// failures (a client that never opens its stream, a failed TLS handshake)
// are dropped so one bad client can't stop the loop.
func (dl *dualListener) acceptLoop(ctx context.Context, accept func(context.Context) (*StreamConn, error)) {
	for {
		conn, err := accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errConnSetup) {
				continue
			}
			select {
			case dl.connCh <- acceptRes{err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case dl.connCh <- acceptRes{conn: conn}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// Accept returns the next connection from either transport.
func (dl *dualListener) Accept(ctx context.Context) (*StreamConn, error) {
	select {
	case res := <-dl.connCh:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-dl.ctx.Done():
		return nil, net.ErrClosed
	}
}

// Port returns the port number both listeners are bound to.
func (dl *dualListener) Port() int {
	return dl.port
}

// Close shuts down both listeners.
func (dl *dualListener) Close() error {
	dl.cancel()
	tcpErr := dl.tcp.Close()
	quicErr := dl.quic.Close()
	if quicErr != nil {
		return quicErr
	}
	return tcpErr
}

