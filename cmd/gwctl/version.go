package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chronologos/gwlink/internal/protocol"
	"github.com/chronologos/gwlink/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gwctl version and protocol version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s protocol %d\n", version.String(), protocol.Version)
			return err
		},
	}
}
