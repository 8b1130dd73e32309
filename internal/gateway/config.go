package gateway

import (
	"log/slog"
	"time"

	"github.com/chronologos/gwlink/internal/backlog"
	"github.com/chronologos/gwlink/internal/metrics"
	"github.com/chronologos/gwlink/internal/protocol"
	"github.com/chronologos/gwlink/internal/transport"
)

const (
	DefaultClientID         = "gwlink"
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultBaseDelay        = 1 * time.Second
	DefaultMaxDelay         = 30 * time.Second
)

// DefaultCapabilities are advertised in the ClientHello when Config leaves
// Capabilities nil.
var DefaultCapabilities = []string{"terminal", "chat"}

// Backoff bounds the reconnect delay; see ReconnectDelay.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Timer is the handle returned by Config.AfterFunc.
type Timer interface {
	Stop() bool
}

// Config holds transport configuration. Zero values select the defaults.
type Config struct {
	URL       string
	AuthToken string

	ProtocolVersion int      // default protocol.Version
	ClientID        string   // default DefaultClientID
	Capabilities    []string // default DefaultCapabilities

	HandshakeTimeout      time.Duration // default 5s
	MaxBinaryBacklogBytes int           // default 1 MiB

	// DisableReconnect turns off automatic reconnects after a socket closes.
	DisableReconnect bool
	Backoff          Backoff

	// NewRequestID overrides request id generation. Ids must be unique
	// among in-flight calls; a call that draws a live id fails with
	// ErrDuplicateRequestID.
	NewRequestID func() string

	// Dial opens sockets. Default: transport.NewFactory with Logger.
	Dial transport.Factory

	Logger  *slog.Logger
	Metrics *metrics.Collector // nil disables metrics

	// AfterFunc schedules handshake timeouts and reconnects.
	// Default: time.AfterFunc. Tests substitute a manual clock.
	AfterFunc func(d time.Duration, f func()) Timer
}

func (c Config) withDefaults() Config {
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = protocol.Version
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.Capabilities == nil {
		c.Capabilities = DefaultCapabilities
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxBinaryBacklogBytes <= 0 {
		c.MaxBinaryBacklogBytes = backlog.DefaultMaxBytes
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff.BaseDelay = DefaultBaseDelay
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = DefaultMaxDelay
	}
	if c.NewRequestID == nil {
		c.NewRequestID = newRequestID
	}
	if c.Logger == nil {
		c.Logger = slog.New(discardHandler{})
	}
	if c.Dial == nil {
		c.Dial = transport.NewFactory(transport.Options{Logger: c.Logger})
	}
	if c.AfterFunc == nil {
		c.AfterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	return c
}
