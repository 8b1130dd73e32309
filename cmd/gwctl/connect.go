package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chronologos/gwlink/internal/config"
	"github.com/chronologos/gwlink/internal/gateway"
	"github.com/chronologos/gwlink/internal/metrics"
	"github.com/chronologos/gwlink/internal/transport"
)

var errNoURL = errors.New("no gateway url: set --url or gateway.url in the config file")

// transportConfig maps the file's gateway section onto gateway.Config.
func transportConfig(state *runtimeState, m *metrics.Collector) gateway.Config {
	g := state.Config.Gateway
	logger := state.Logger
	return gateway.Config{
		URL:              g.URL,
		AuthToken:        g.Token,
		ClientID:         g.ClientID,
		HandshakeTimeout: g.HandshakeTimeout.Std(),
		DisableReconnect: !state.Config.ReconnectEnabled(),
		Backoff: gateway.Backoff{
			BaseDelay: g.Reconnect.BaseDelay.Std(),
			MaxDelay:  g.Reconnect.MaxDelay.Std(),
		},
		Dial: transport.NewFactory(transport.Options{
			InsecureSkipVerify: g.InsecureSkipVerify,
			Logger:             logger,
		}),
		Logger:  logger,
		Metrics: m,
	}
}

// connect starts a transport for state's gateway, plus the metrics endpoint
// if one is configured. The returned func stops both.
func connect(ctx context.Context, state *runtimeState) (*gateway.Transport, func(), error) {
	if state.Config.Gateway.URL == "" {
		return nil, nil, errNoURL
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(reg))
	stopMetrics, err := serveMetrics(state, reg)
	if err != nil {
		return nil, nil, err
	}

	tr := gateway.New(transportConfig(state, collector))
	tr.Start()
	return tr, func() {
		tr.Stop()
		stopMetrics()
	}, nil
}

func serveMetrics(state *runtimeState, reg *prometheus.Registry) (func(), error) {
	addr := state.Config.MetricsAddr
	if addr == "" {
		return func() {}, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			state.Logger.Warn("metrics server stopped", "err", err)
		}
	}()
	state.Logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// watchConfig follows the config file for the life of ctx, moving tr to
// the new gateway url or token when either changes.
func watchConfig(ctx context.Context, state *runtimeState, tr *gateway.Transport) {
	if state.ConfigPath == "" {
		return
	}
	if _, err := os.Stat(filepath.Dir(state.ConfigPath)); err != nil {
		state.Logger.Debug("not watching config", "path", state.ConfigPath, "err", err)
		return
	}
	go func() {
		err := config.Watch(ctx, state.ConfigPath, state.Logger, func(loaded config.Config) {
			cfg, err := state.apply(loaded)
			if err != nil {
				state.Logger.Warn("ignoring reloaded config", "err", err)
				return
			}
			tr.SetConnection(cfg.Gateway.URL, cfg.Gateway.Token)
		})
		if err != nil {
			state.Logger.Warn("config watch failed", "err", err)
		}
	}()
}
