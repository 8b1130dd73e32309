// Gwctl is the command-line client for gateways speaking the gwlink protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// exitCodeError makes gwctl exit with a remote command's status.
type exitCodeError int

func (e exitCodeError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", int(e))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	var code exitCodeError
	if errors.As(err, &code) {
		os.Exit(int(code))
	}
	fmt.Fprintf(os.Stderr, "gwctl: %v\n", err)
	os.Exit(1)
}
