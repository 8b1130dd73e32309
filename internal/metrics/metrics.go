// Package metrics exposes Prometheus collectors for the gateway transport.
//
// A nil *Collector is valid and records nothing, so library users that do
// not care about metrics pay nothing for them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call outcomes recorded by RPCCall.
const (
	OutcomeOK           = "ok"
	OutcomeRPCError     = "rpc_error"
	OutcomeClosed       = "closed"
	OutcomeNotConnected = "not_connected"
	OutcomeSendFailed   = "send_failed"
	OutcomeCancelled    = "cancelled"
)

// Frame directions recorded by BinaryFrame.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Config configures the collector.
type Config struct {
	// Namespace is the metrics namespace (default: "gwlink").
	Namespace string

	// Subsystem is the metrics subsystem (default: "transport").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for RPC and handshake durations.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "gwlink",
		Subsystem: "transport",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector holds the transport's Prometheus metrics.
type Collector struct {
	stateTransitions  *prometheus.CounterVec
	reconnects        prometheus.Counter
	rpcCalls          *prometheus.CounterVec
	rpcDuration       *prometheus.HistogramVec
	binaryFrames      *prometheus.CounterVec
	backlogEvicted    prometheus.Counter
	handshakeDuration prometheus.Histogram
}

// NewCollector registers the transport metrics with the configured registry.
//
// Metrics collected:
//   - gwlink_transport_state_transitions_total{status}
//   - gwlink_transport_reconnects_scheduled_total
//   - gwlink_transport_rpc_calls_total{method,outcome}
//   - gwlink_transport_rpc_duration_seconds{method}
//   - gwlink_transport_binary_frames_total{direction}
//   - gwlink_transport_backlog_evicted_bytes_total
//   - gwlink_transport_handshake_duration_seconds
//
// Registering twice with the same registry panics, as with promauto.
func NewCollector(opts ...Option) *Collector {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Collector{
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "state_transitions_total",
			Help:        "Connection status changes by new status",
			ConstLabels: config.ConstLabels,
		}, []string{"status"}),

		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnects_scheduled_total",
			Help:        "Reconnect attempts scheduled after a socket closed",
			ConstLabels: config.ConstLabels,
		}),

		rpcCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "rpc_calls_total",
			Help:        "RPC calls by method and outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"method", "outcome"}),

		rpcDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "rpc_duration_seconds",
			Help:        "Time from sending a request to its settlement",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"method"}),

		binaryFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "binary_frames_total",
			Help:        "Binary frames by direction",
			ConstLabels: config.ConstLabels,
		}, []string{"direction"}),

		backlogEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "backlog_evicted_bytes_total",
			Help:        "Bytes dropped from the binary backlog to stay under its ceiling",
			ConstLabels: config.ConstLabels,
		}),

		handshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "handshake_duration_seconds",
			Help:        "Time from socket open to a successful hello",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),
	}
}

// StateTransition records a status change.
func (c *Collector) StateTransition(status string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(status).Inc()
}

// ReconnectScheduled records a scheduled reconnect.
func (c *Collector) ReconnectScheduled() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// RPCCall records one settled call. Calls that never reached the socket
// (not_connected) have no duration.
func (c *Collector) RPCCall(method, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.rpcCalls.WithLabelValues(method, outcome).Inc()
	if outcome != OutcomeNotConnected {
		c.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
	}
}

// BinaryFrame records one binary frame in the given direction.
func (c *Collector) BinaryFrame(direction string) {
	if c == nil {
		return
	}
	c.binaryFrames.WithLabelValues(direction).Inc()
}

// BacklogEvicted records bytes evicted from the binary backlog.
func (c *Collector) BacklogEvicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.backlogEvicted.Add(float64(n))
}

// Handshake records a completed handshake.
func (c *Collector) Handshake(d time.Duration) {
	if c == nil {
		return
	}
	c.handshakeDuration.Observe(d.Seconds())
}
