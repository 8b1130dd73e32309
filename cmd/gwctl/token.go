package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chronologos/gwlink/internal/auth"
)

func newTokenCommand() *cobra.Command {
	var secretHex string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Derive a client token from a gateway secret",
		Long: "token prints the auth token for --client-id derived from --secret. Without " +
			"--secret it generates a new secret and prints it first, as secret=<hex>.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := obtainState(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var secret []byte
			if secretHex == "" {
				if secret, err = auth.GenerateSecret(); err != nil {
					return fmt.Errorf("generate secret: %w", err)
				}
				fmt.Fprintf(out, "secret=%s\n", hex.EncodeToString(secret))
			} else if secret, err = hex.DecodeString(secretHex); err != nil {
				return fmt.Errorf("--secret: %w", err)
			}

			clientID := state.Config.Gateway.ClientID
			fmt.Fprintf(out, "client_id=%s\ntoken=%s\n", clientID, auth.DeriveToken(secret, clientID))
			return nil
		},
	}
	cmd.Flags().StringVar(&secretHex, "secret", "", "Gateway secret, hex encoded")
	return cmd
}
