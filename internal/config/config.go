// Package config loads gwctl configuration files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gwctl configuration file.
type Config struct {
	Gateway     GatewayConfig `yaml:"gateway"`
	Stub        StubConfig    `yaml:"stub"`
	LogLevel    string        `yaml:"log_level"`
	MetricsAddr string        `yaml:"metrics_addr"`
}

// GatewayConfig describes the gateway gwctl connects to.
type GatewayConfig struct {
	URL                string          `yaml:"url"`
	Token              string          `yaml:"token"`
	ClientID           string          `yaml:"client_id"`
	InsecureSkipVerify bool            `yaml:"insecure_skip_verify"`
	HandshakeTimeout   Duration        `yaml:"handshake_timeout"`
	Reconnect          ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls automatic reconnects.
type ReconnectConfig struct {
	Enabled   *bool    `yaml:"enabled"`
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

// StubConfig configures `gwctl serve-stub`.
type StubConfig struct {
	HTTPAddr   string `yaml:"http_addr"`
	StreamHost string `yaml:"stream_host"`
	StreamPort int    `yaml:"stream_port"`
	Token      string `yaml:"token"`
}

// Duration is a time.Duration written as "1.5s" in YAML.
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings and bare integers (seconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	var secs int64
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration in Go syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file exists.
func Default() Config {
	enabled := true
	return Config{
		Gateway: GatewayConfig{
			ClientID:         "gwctl",
			HandshakeTimeout: Duration(5 * time.Second),
			Reconnect: ReconnectConfig{
				Enabled:   &enabled,
				BaseDelay: Duration(time.Second),
				MaxDelay:  Duration(30 * time.Second),
			},
		},
		Stub: StubConfig{
			HTTPAddr:   "127.0.0.1:8080",
			StreamHost: "127.0.0.1",
			StreamPort: 4433,
		},
		LogLevel: "warn",
	}
}

// Load reads the configuration at path on top of Default. A missing or
// empty file yields the defaults without error.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read file: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Decoding onto the defaults keeps every key the file leaves out.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Default(), err
	}
	return cfg, nil
}

// DefaultPath returns $GWCTL_CONFIG, else gwctl/config.yaml under the XDG
// config directory.
func DefaultPath() (string, error) {
	if env := strings.TrimSpace(os.Getenv("GWCTL_CONFIG")); env != "" {
		return env, nil
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "gwctl", "config.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "gwctl", "config.yaml"), nil
}

// Validate rejects values the transport cannot use.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if u := c.Gateway.URL; u != "" && !strings.Contains(u, "://") {
		return fmt.Errorf("config: gateway.url %q has no scheme", u)
	}
	r := c.Gateway.Reconnect
	if r.BaseDelay < 0 || r.MaxDelay < 0 || c.Gateway.HandshakeTimeout < 0 {
		return errors.New("config: durations must not be negative")
	}
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		return fmt.Errorf("config: reconnect.base_delay %v exceeds max_delay %v", r.BaseDelay.Std(), r.MaxDelay.Std())
	}
	return nil
}

// ReconnectEnabled reports whether automatic reconnects are on (default true).
func (c Config) ReconnectEnabled() bool {
	return c.Gateway.Reconnect.Enabled == nil || *c.Gateway.Reconnect.Enabled
}

// ParseLevel maps debug/info/warn/error to a slog level. Empty means warn.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, fmt.Errorf("config: unknown log level %q", s)
	}
}
