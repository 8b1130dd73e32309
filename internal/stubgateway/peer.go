package stubgateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/chronologos/gwlink/internal/auth"
	"github.com/chronologos/gwlink/internal/protocol"
	"github.com/chronologos/gwlink/internal/transport"
)

// Services advertised in every ServerHello.
var services = []protocol.ServiceInfo{
	{Service: "terminal", Version: 1},
	{Service: "echo", Version: 1},
}

// peer is one connected client.
type peer struct {
	srv      *Server
	conn     transport.MessageConn
	log      *slog.Logger
	clientID string
}

func (s *Server) servePeer(conn transport.MessageConn, kind, remote string) {
	p := &peer{
		srv:  s,
		conn: conn,
		log:  s.log.With("transport", kind, "remote", remote),
	}
	defer conn.CloseWith(transport.CloseNormal, "")

	if !p.handshake() {
		return
	}
	if !s.addPeer(p) {
		_ = conn.CloseWith(transport.CloseGoingAway, "server shutting down")
		return
	}
	defer s.removePeer(p)

	p.log.Info("peer connected", "client_id", p.clientID)
	p.readLoop()
	p.log.Info("peer disconnected", "client_id", p.clientID)
}

// handshake reads the ClientHello and answers it. It returns false once
// the connection should be dropped.
func (p *peer) handshake() bool {
	timer := time.AfterFunc(p.srv.cfg.HandshakeTimeout, func() {
		p.log.Debug("handshake timed out")
		_ = p.conn.CloseWith(transport.CloseNormal, "handshake timeout")
	})
	kind, data, err := p.conn.ReadMessage()
	timer.Stop()
	if err != nil {
		p.log.Debug("reading client hello failed", "err", err)
		return false
	}

	var hello protocol.ClientHello
	if kind != protocol.MsgText || json.Unmarshal(data, &hello) != nil {
		p.reject(&protocol.HelloReject{Code: protocol.RejectServerError, Reason: "expected client hello"})
		return false
	}

	version, rej := p.srv.negotiate(&hello)
	if rej != nil {
		p.reject(rej)
		return false
	}

	p.clientID = hello.ClientID
	err = p.send(&protocol.ServerHello{
		ProtocolVersion: version,
		ServerID:        p.srv.cfg.ServerID,
		Identity:        p.srv.cfg.Identity,
		Services:        services,
	})
	if err != nil {
		p.log.Debug("sending hello failed", "err", err)
		return false
	}
	return true
}

// negotiate picks the highest protocol version both sides accept, then
// checks credentials.
func (s *Server) negotiate(h *protocol.ClientHello) (int, *protocol.HelloReject) {
	lo := max(h.Protocol.Min, s.cfg.MinVersion)
	hi := min(h.Protocol.Max, s.cfg.MaxVersion)
	if lo > hi {
		return 0, &protocol.HelloReject{
			Code: protocol.RejectVersionMismatch,
			Reason: fmt.Sprintf("server speaks protocol %d-%d, client %d-%d",
				s.cfg.MinVersion, s.cfg.MaxVersion, h.Protocol.Min, h.Protocol.Max),
		}
	}

	switch {
	case s.cfg.Secret != nil:
		if !auth.VerifyClientToken(s.cfg.Secret, h.ClientID, h.AuthToken) {
			return 0, &protocol.HelloReject{Code: protocol.RejectUnauthorized, Reason: "invalid auth token"}
		}
	case s.cfg.Token != "":
		if !auth.VerifyToken(s.cfg.Token, h.AuthToken) {
			return 0, &protocol.HelloReject{Code: protocol.RejectUnauthorized, Reason: "invalid auth token"}
		}
	}
	return hi, nil
}

func (p *peer) reject(r *protocol.HelloReject) {
	p.srv.metrics.rejects.WithLabelValues(string(r.Code)).Inc()
	p.log.Info("handshake rejected", "code", r.Code, "reason", r.Reason)
	if err := p.send(r); err != nil {
		return
	}

	// Closing right away can discard the unread reject on QUIC; wait for
	// the client to hang up instead.
	timer := time.AfterFunc(rejectLinger, func() {
		_ = p.conn.CloseWith(transport.CloseNormal, "handshake rejected")
	})
	defer timer.Stop()
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (p *peer) readLoop() {
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			var ce *transport.CloseError
			if errors.As(err, &ce) {
				p.log.Debug("peer closed", "code", ce.Code, "reason", ce.Reason)
			} else {
				p.log.Debug("read failed", "err", err)
			}
			return
		}

		switch kind {
		case protocol.MsgText:
			p.handleText(data)
		case protocol.MsgBinary:
			p.handleBinary(data)
		}
	}
}

func (p *peer) handleText(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		p.log.Debug("dropping malformed text", "err", err)
		return
	}
	req, ok := env.(*protocol.Request)
	if !ok {
		p.log.Debug("ignoring non-request", "type", fmt.Sprintf("%T", env))
		return
	}

	resp := &protocol.Response{ID: req.ID}
	result, err := p.srv.dispatch(p, req.Method, req.Params)
	if err == nil {
		resp.Result, err = marshalResult(result)
	}
	if err != nil {
		resp.Error = asRPCError(err)
	}

	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	}
	p.srv.metrics.requests.WithLabelValues(req.Method, strconv.Itoa(code)).Inc()

	if err := p.send(resp); err != nil {
		p.log.Debug("sending response failed", "id", req.ID, "err", err)
	}
}

func (p *peer) handleBinary(data []byte) {
	f, err := protocol.ParseFrame(data)
	if err != nil {
		p.log.Debug("dropping malformed frame", "err", err)
		return
	}
	if f.Stream != protocol.Stdin {
		p.log.Debug("ignoring frame", "stream", f.Stream)
		return
	}
	t := p.srv.terminal(f.SessionID)
	if t == nil || !t.ownedBy(p) {
		p.log.Debug("stdin for unknown session", "session", f.SessionID)
		return
	}
	if err := t.write(f.Payload); err != nil {
		p.log.Debug("pty write failed", "session", f.SessionID, "err", err)
	}
}

func (p *peer) send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return p.conn.WriteMessage(protocol.MsgText, data)
}

func marshalResult(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
