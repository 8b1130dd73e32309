package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

var quicConfig = &quic.Config{
	MaxIdleTimeout:    30 * time.Second,
	KeepAlivePeriod:   10 * time.Second,
	InitialPacketSize: 1200, // Tailscale MTU is 1280; default 1350 gets dropped
}

// dialQUIC connects to a gateway's QUIC listener and opens the single
// bidirectional stream that carries every message.
func dialQUIC(ctx context.Context, hostport string, tlsConf *tls.Config) (*StreamConn, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", hostport, err)
	}

	// Use a fresh UDP socket per connection
	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, addr, tlsConf, quicConfig)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	// QUIC doesn't announce a stream until its first write; the gateway
	// sees it when the ClientHello goes out.
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream failed")
		tr.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}

	return newStreamConn(stream, "quic", qconn.RemoteAddr().String(), func() error {
		stream.CancelRead(0)
		stream.Close()
		qconn.CloseWithError(0, "closed")
		// tr is kept alive by this closure until the connection is done
		return tr.Close()
	}, quicCloseErr), nil
}

// quicCloseErr reports a peer's graceful CloseWithError(0) as a normal
// close. The MsgClose that preceded it may not have been delivered.
func quicCloseErr(err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == 0 {
		return &CloseError{Code: CloseNormal, Reason: appErr.ErrorMessage}
	}
	return err
}

// quicListener accepts gateway connections over QUIC.
type quicListener struct {
	tr   *quic.Transport
	ln   *quic.Listener
	port int
}

// listenQUIC creates a QUIC listener on the given UDP address.
func listenQUIC(host string, port int, cert tls.Certificate) (*quicListener, error) {
	udpAddr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(ServerTLSConfig(cert), quicConfig)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	return &quicListener{
		tr:   tr,
		ln:   ln,
		port: udpConn.LocalAddr().(*net.UDPAddr).Port,
	}, nil
}

// Port returns the UDP port the listener is bound to.
func (l *quicListener) Port() int {
	return l.port
}

// Accept waits for a client connection and its message stream.
func (l *quicListener) Accept(ctx context.Context) (*StreamConn, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}

	// The client opens its stream right after dialing and writes the
	// hello immediately; don't let a silent client block the accept path.
	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stream, err := qconn.AcceptStream(streamCtx)
	if err != nil {
		qconn.CloseWithError(1, "no stream")
		return nil, fmt.Errorf("%w: accept stream: %w", errConnSetup, err)
	}

	return newStreamConn(stream, "quic", qconn.RemoteAddr().String(), func() error {
		stream.CancelRead(0)
		stream.Close()
		return qconn.CloseWithError(0, "closed")
	}, quicCloseErr), nil
}

// Close shuts down the listener and underlying transport.
func (l *quicListener) Close() error {
	l.ln.Close()
	return l.tr.Close()
}
