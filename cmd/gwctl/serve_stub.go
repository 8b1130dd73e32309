package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/chronologos/gwlink/internal/stubgateway"
)

func newServeStubCommand() *cobra.Command {
	var secretHex string
	cmd := &cobra.Command{
		Use:   "serve-stub",
		Short: "Run a stub gateway with echo and terminal services",
		Long: "serve-stub accepts WebSocket clients on --http (path /gateway) and QUIC or TLS " +
			"clients on --stream-port. Once listening it prints the URLs to dial, one per line.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := obtainState(cmd)
			if err != nil {
				return err
			}
			sc := state.Config.Stub
			flags := cmd.Flags()
			if flags.Changed("http") {
				sc.HTTPAddr, _ = flags.GetString("http")
			}
			if flags.Changed("stream-host") {
				sc.StreamHost, _ = flags.GetString("stream-host")
			}
			if flags.Changed("stream-port") {
				sc.StreamPort, _ = flags.GetInt("stream-port")
			}
			if flags.Changed("stub-token") {
				sc.Token, _ = flags.GetString("stub-token")
			}

			cfg := stubgateway.Config{Token: sc.Token, Logger: state.Logger}
			if secretHex != "" {
				if cfg.Secret, err = hex.DecodeString(secretHex); err != nil {
					return fmt.Errorf("--secret: %w", err)
				}
			}

			srv := stubgateway.New(cfg)
			go func() {
				select {
				case <-srv.Ready:
				case <-cmd.Context().Done():
					return
				}
				out := cmd.OutOrStdout()
				stream := net.JoinHostPort(sc.StreamHost, strconv.Itoa(srv.StreamPort))
				fmt.Fprintf(out, "ws://%s/gateway\nquic://%s\ntls://%s\n", srv.HTTPAddr, stream, stream)
			}()
			return srv.Run(cmd.Context(), sc.HTTPAddr, sc.StreamHost, sc.StreamPort)
		},
	}
	f := cmd.Flags()
	f.String("http", "", "WebSocket listen address (default from config: 127.0.0.1:8080)")
	f.String("stream-host", "", "QUIC/TLS listen host")
	f.Int("stream-port", 0, "QUIC/TLS listen port; 0 picks a free one")
	f.String("stub-token", "", "Require this auth token")
	f.StringVar(&secretHex, "secret", "", "Require tokens derived from this hex secret (see gwctl token)")
	return cmd
}
