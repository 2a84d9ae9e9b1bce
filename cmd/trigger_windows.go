//go:build windows

package cmd

import (
	"context"

	"github.com/paulschiretz/pgl-sync/pkg/engine"
)

// listenForManualTrigger has no signal to listen to on Windows; use the
// 'once' command to force a run.
func listenForManualTrigger(ctx context.Context, runner *engine.Runner) error {
	<-ctx.Done()
	return nil
}
