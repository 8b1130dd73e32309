// Package stubgateway is a minimal gateway for tests and local development.
//
// It speaks the gateway handshake and RPC protocol over WebSocket (at
// /gateway) and over QUIC or TCP+TLS stream connections, and offers two
// services: echo, and terminal, which runs commands in PTYs and streams
// their output as binary frames.
package stubgateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chronologos/gwlink/internal/protocol"
	"github.com/chronologos/gwlink/internal/transport"
)

const (
	DefaultServerID         = "stub-gateway"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultOrphanTimeout    = time.Minute

	// rejectLinger is how long a rejected peer gets to close on its own.
	rejectLinger = 2 * time.Second
)

// Config holds stub gateway configuration. Zero values select defaults.
type Config struct {
	ServerID string
	Identity string

	// Token, when set, must match the ClientHello auth_token.
	Token string
	// Secret, when set, requires auth_token == auth.DeriveToken(Secret, client_id).
	Secret []byte

	// Accepted protocol range. Default: protocol.Version only.
	MinVersion int
	MaxVersion int

	// Cert is used by the stream listeners. Zero generates a self-signed one.
	Cert tls.Certificate

	HandshakeTimeout time.Duration
	// OrphanTimeout is how long a terminal survives without an owning peer.
	OrphanTimeout time.Duration

	Logger *slog.Logger
	// Registry receives the stub's metrics and is served at /metrics.
	// Default: a fresh registry.
	Registry *prometheus.Registry
}

// Server is a stub gateway.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
	metrics  stubMetrics

	mu        sync.Mutex
	peers     map[*peer]struct{}
	terminals map[string]*terminal
	closed    bool

	// Ready is closed by Run once both listeners are bound, with HTTPAddr
	// and StreamPort set.
	Ready      chan struct{}
	HTTPAddr   string
	StreamPort int
}

type stubMetrics struct {
	peers     prometheus.Gauge
	terminals prometheus.Gauge
	requests  *prometheus.CounterVec
	rejects   *prometheus.CounterVec
}

func newStubMetrics(reg prometheus.Registerer) stubMetrics {
	factory := promauto.With(reg)
	return stubMetrics{
		peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gwlink", Subsystem: "stub",
			Name: "peers", Help: "Handshaken peers currently connected",
		}),
		terminals: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gwlink", Subsystem: "stub",
			Name: "terminals", Help: "Running terminal sessions",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gwlink", Subsystem: "stub",
			Name: "requests_total", Help: "RPC requests by method and result code",
		}, []string{"method", "code"}),
		rejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gwlink", Subsystem: "stub",
			Name: "handshake_rejects_total", Help: "Rejected handshakes by code",
		}, []string{"code"}),
	}
}

// New creates a stub gateway. Serve it with Handler, ServeStream or Run.
func New(cfg Config) *Server {
	if cfg.ServerID == "" {
		cfg.ServerID = DefaultServerID
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = protocol.Version
	}
	if cfg.MaxVersion == 0 {
		cfg.MaxVersion = cfg.MinVersion
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.OrphanTimeout <= 0 {
		cfg.OrphanTimeout = DefaultOrphanTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	return &Server{
		cfg: cfg,
		log: cfg.Logger.With("component", "stubgateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics:   newStubMetrics(cfg.Registry),
		peers:     make(map[*peer]struct{}),
		terminals: make(map[string]*terminal),
		Ready:     make(chan struct{}),
	}
}

// Handler returns the HTTP surface: the WebSocket endpoint at /gateway,
// /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/gateway", s.handleWebSocket)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"server_id": s.cfg.ServerID,
			"peers":     s.PeerCount(),
		})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.servePeer(transport.NewWebSocketConn(c), "websocket", r.RemoteAddr)
}

// ServeStream accepts QUIC and TCP+TLS connections from ln until ctx is
// done or ln is closed.
func (s *Server) ServeStream(ctx context.Context, ln transport.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.servePeer(conn, conn.Transport(), conn.RemoteAddr())
	}
}

// Run serves WebSocket on httpAddr and stream connections on
// streamHost:streamPort until ctx is done. Port 0 picks a free port.
func (s *Server) Run(ctx context.Context, httpAddr, streamHost string, streamPort int) error {
	ln, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	sl, err := transport.ListenDual(streamHost, streamPort, s.cfg.Cert)
	if err != nil {
		ln.Close()
		return fmt.Errorf("listen stream: %w", err)
	}

	httpSrv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 2)
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve http: %w", err)
		}
	}()
	go func() {
		if err := s.ServeStream(ctx, sl); err != nil {
			errCh <- err
		}
	}()

	s.HTTPAddr = ln.Addr().String()
	s.StreamPort = sl.Port()
	close(s.Ready)
	s.log.Info("stub gateway listening", "http", s.HTTPAddr, "stream_port", s.StreamPort)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.Close()
	sl.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	return runErr
}

// Broadcast sends an event to every handshaken peer.
func (s *Server) Broadcast(topic string, params any) error {
	ev := &protocol.Event{Topic: topic}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		ev.Params = raw
	}
	var errs []error
	for _, p := range s.peerList() {
		if err := p.send(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendFrame sends a raw binary frame to every handshaken peer.
func (s *Server) SendFrame(frame []byte) error {
	var errs []error
	for _, p := range s.peerList() {
		if err := p.conn.WriteMessage(protocol.MsgBinary, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PeerCount returns the number of handshaken peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close disconnects every peer and kills every terminal.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	terms := make([]*terminal, 0, len(s.terminals))
	for _, t := range s.terminals {
		terms = append(terms, t)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.CloseWith(transport.CloseGoingAway, "server shutting down")
	}
	for _, t := range terms {
		t.kill()
	}
}

func (s *Server) peerList() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Server) addPeer(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p] = struct{}{}
	s.metrics.peers.Inc()
	return true
}

func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	if _, ok := s.peers[p]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, p)
	s.metrics.peers.Dec()
	terms := make([]*terminal, 0, len(s.terminals))
	for _, t := range s.terminals {
		terms = append(terms, t)
	}
	s.mu.Unlock()

	for _, t := range terms {
		t.orphan(p)
	}
}
