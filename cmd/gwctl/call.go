package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newCallCommand() *cobra.Command {
	timeout := defaultTimeout
	cmd := &cobra.Command{
		Use:   "call METHOD [PARAMS_JSON]",
		Short: "Invoke a gateway method and print its result",
		Example: `  gwctl call echo.ping '{"hello":"world"}'
  gwctl call terminal.list`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := obtainState(cmd)
			if err != nil {
				return err
			}
			var params any
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return errors.New("params must be valid JSON")
				}
				params = json.RawMessage(args[1])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			tr, stop, err := connect(ctx, state)
			if err != nil {
				return err
			}
			defer stop()
			if _, err := tr.AwaitConnected(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			result, err := tr.Call(ctx, args[0], params)
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, result, "", "  "); err != nil {
				out.Reset()
				out.Write(result)
			}
			out.WriteByte('\n')
			_, err = cmd.OutOrStdout().Write(out.Bytes())
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", timeout, "Give up after this long")
	return cmd
}
