package main

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/spf13/cobra"

	"github.com/chronologos/gwlink/internal/gateway"
	"github.com/chronologos/gwlink/internal/protocol"
)

func newEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events [TOPIC...]",
		Short: "Print gateway events as JSON lines until interrupted",
		Long: "events stays connected, reconnecting as configured, and prints every event " +
			"(or only the named topics) as one JSON object per line. Connection changes are logged.",
		RunE: func(cmd *cobra.Command, topics []string) error {
			state, err := obtainState(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			tr, stop, err := connect(ctx, state)
			if err != nil {
				return err
			}
			defer stop()
			watchConfig(ctx, state, tr)

			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			defer tr.OnEvent(func(ev protocol.Event) {
				if len(topics) > 0 && !slices.Contains(topics, ev.Topic) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if err := enc.Encode(ev); err != nil {
					state.Logger.Warn("writing event failed", "err", err)
				}
			})()
			defer tr.OnStateChange(func(s gateway.State) {
				args := []any{"status", s.Status.String()}
				if s.ServerHello != nil {
					args = append(args, "server_id", s.ServerHello.ServerID)
				}
				if s.Rejection != nil {
					args = append(args, "code", s.Rejection.Code, "reason", s.Rejection.Reason)
				}
				if s.Err != nil {
					args = append(args, "err", s.Err)
				}
				state.Logger.Info("connection", args...)
			})()

			<-ctx.Done()
			return nil
		},
	}
}
