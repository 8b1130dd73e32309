package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chronologos/gwlink/internal/console"
	"github.com/chronologos/gwlink/internal/gateway"
)

func newAttachCommand() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "attach [-- COMMAND [ARG...]]",
		Short: "Open a remote terminal, or reattach to one",
		Long: "attach opens a terminal on the gateway running COMMAND (default: a login shell) " +
			"and connects it to this terminal. Type Ctrl-] or ~. at the start of a line to " +
			"detach; the remote terminal keeps running and --session reattaches to it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := obtainState(cmd)
			if err != nil {
				return err
			}
			if sessionID != "" && len(args) > 0 {
				return errors.New("--session and a command are mutually exclusive")
			}
			ctx := cmd.Context()

			tr, stop, err := connect(ctx, state)
			if err != nil {
				return err
			}
			defer stop()
			watchConfig(ctx, state, tr)

			demux := gateway.NewSessionDemux(tr, 0)
			defer demux.Close()

			cfg := console.Config{
				Transport: tr,
				Demux:     demux,
				Stdin:     cmd.InOrStdin(),
				Stdout:    cmd.OutOrStdout(),
				StdinFd:   -1,
				SessionID: sessionID,
				Term:      os.Getenv("TERM"),
				Logger:    state.Logger,
			}
			if f, ok := cfg.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
				cfg.StdinFd = int(f.Fd())
			}
			if len(args) > 0 {
				cfg.Command, cfg.Args = args[0], args[1:]
			}

			res, err := console.Run(ctx, cfg)
			if err != nil {
				return err
			}
			switch res.Reason {
			case console.ExitDetached:
				fmt.Fprintf(cmd.ErrOrStderr(), "\r\ndetached from %s; reattach with: gwctl attach --session %s\r\n", res.SessionID, res.SessionID)
			case console.ExitCommand:
				if res.Code != 0 {
					return exitCodeError(res.Code)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Reattach to this terminal session")
	return cmd
}
