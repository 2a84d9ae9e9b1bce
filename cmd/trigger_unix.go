//go:build !windows

package cmd

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/paulschiretz/pgl-sync/pkg/engine"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

// listenForManualTrigger starts a manual run for every SIGUSR1 received.
// Signals arriving while a manual run is pending are coalesced.
func listenForManualTrigger(ctx context.Context, runner *engine.Runner) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGUSR1)
	defer signal.Stop(sigChan)

	plog.Debug("Send SIGUSR1 to trigger a sync", "pid", os.Getpid())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigChan:
			runManual(ctx, runner)
		}
	}
}
