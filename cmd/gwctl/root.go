package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronologos/gwlink/internal/config"
)

type appStateKey struct{}

type runtimeState struct {
	Config     config.Config
	ConfigPath string
	Logger     *slog.Logger
	Level      *slog.LevelVar

	// Overrides re-applies the command-line flags to a reloaded config.
	Overrides func(config.Config) config.Config
}

type rootOptions struct {
	configPath  string
	url         string
	token       string
	clientID    string
	logLevel    string
	metricsAddr string
	insecure    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "gwctl",
		Short: "Talk to a gateway over WebSocket, QUIC or TLS",
		Long: "gwctl connects to a gateway, performs the versioned handshake, and issues RPCs, " +
			"follows events, or attaches to remote terminals. It can also run a stub gateway for testing.",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initializeState(cmd, opts)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	defaultConfigPath, err := config.DefaultPath()
	if err != nil {
		defaultConfigPath = ""
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to the gwctl configuration file")
	pf.StringVar(&opts.url, "url", "", "Gateway URL (ws://, wss://, quic:// or tls://)")
	pf.StringVar(&opts.token, "token", "", "Auth token sent in the handshake")
	pf.StringVar(&opts.clientID, "client-id", "", "Client id sent in the handshake")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	pf.BoolVar(&opts.insecure, "insecure", false, "Skip TLS certificate verification")

	cmd.SetContext(context.Background())
	cmd.AddCommand(
		newCallCommand(),
		newEventsCommand(),
		newAttachCommand(),
		newServeStubCommand(),
		newTokenCommand(),
		newVersionCommand(),
	)
	return cmd
}

func initializeState(cmd *cobra.Command, opts *rootOptions) error {
	root := cmd.Root()
	ctx := root.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Value(appStateKey{}).(*runtimeState); ok {
		return nil
	}

	cfgPath := strings.TrimSpace(opts.configPath)
	loaded, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	overrides := opts.overrides(cmd)
	cfg := overrides(loaded)
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	lv := new(slog.LevelVar)
	lv.Set(level)

	state := &runtimeState{
		Config:     cfg,
		ConfigPath: cfgPath,
		Logger:     slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lv})),
		Level:      lv,
		Overrides:  overrides,
	}
	root.SetContext(context.WithValue(ctx, appStateKey{}, state))
	return nil
}

// overrides captures the flags set on this invocation. Flags win over the
// file, including after a reload.
func (o *rootOptions) overrides(cmd *cobra.Command) func(config.Config) config.Config {
	changed := cmd.Flags().Changed
	o2 := *o
	return func(cfg config.Config) config.Config {
		if changed("url") {
			cfg.Gateway.URL = o2.url
		}
		if changed("token") {
			cfg.Gateway.Token = o2.token
		}
		if changed("client-id") {
			cfg.Gateway.ClientID = o2.clientID
		}
		if changed("log-level") {
			cfg.LogLevel = o2.logLevel
		}
		if changed("metrics-addr") {
			cfg.MetricsAddr = o2.metricsAddr
		}
		if changed("insecure") {
			cfg.Gateway.InsecureSkipVerify = o2.insecure
		}
		return cfg
	}
}

func obtainState(cmd *cobra.Command) (*runtimeState, error) {
	ctx := cmd.Root().Context()
	if ctx == nil {
		return nil, errors.New("gwctl: command context missing")
	}
	state, _ := ctx.Value(appStateKey{}).(*runtimeState)
	if state == nil {
		return nil, errors.New("gwctl: application state not initialised")
	}
	return state, nil
}

// apply installs a reloaded config: the log level takes effect at once and
// the returned config carries the new connection settings.
func (s *runtimeState) apply(loaded config.Config) (config.Config, error) {
	cfg := s.Overrides(loaded)
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return s.Config, err
	}
	s.Level.Set(level)
	s.Config = cfg
	return cfg, nil
}

// defaultTimeout bounds one-shot commands.
const defaultTimeout = 30 * time.Second
