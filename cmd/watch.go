package cmd

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-sync/pkg/config"
	"github.com/paulschiretz/pgl-sync/pkg/engine"
	"github.com/paulschiretz/pgl-sync/pkg/monitor"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/preflight"
)

// RunWatch handles the 'watch' command: it synchronizes whenever both roots
// are available until ctx is cancelled.
func RunWatch(ctx context.Context, flagMap map[string]any) error {
	runConfig, err := loadRunConfig(flagMap)
	if err != nil {
		return err
	}

	validator := preflight.NewValidator(runConfig.RequireMountedTarget)
	runner := newRunner(runConfig, validator)
	mon := monitor.New(runner, validator, runConfig.Roots(), runConfig.PollInterval())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mon.RunForever(gctx, func(e monitor.Event) { reportEvent(runConfig.Roots(), e) })
	})
	g.Go(func() error {
		return listenForManualTrigger(gctx, runner)
	})
	return g.Wait()
}

// reportEvent turns monitor events into status lines. Run outcomes are
// already logged by the engine.
func reportEvent(roots config.Roots, e monitor.Event) {
	switch e.Kind {
	case monitor.AvailabilityChanged:
		plog.Notice(statusLine(roots, e.Availability))
	case monitor.RunCompleted:
		plog.Debug("Run completed", "trigger", e.Outcome.Trigger, "ok", e.Outcome.OK())
	}
}

func statusLine(roots config.Roots, a preflight.Availability) string {
	switch {
	case a.Both():
		return "Source and target detected, synchronizing automatically"
	case !a.SourcePresent && !a.TargetPresent:
		return fmt.Sprintf("Waiting for source %s and target %s", roots.Source, roots.Target)
	case !a.SourcePresent:
		return fmt.Sprintf("Waiting for source %s", roots.Source)
	default:
		return fmt.Sprintf("Waiting for target %s", roots.Target)
	}
}

// runManual performs a "sync now" request. It goes through the same
// single-run guard as scheduled runs.
func runManual(ctx context.Context, runner *engine.Runner) {
	if runner.Busy() {
		plog.Info("Sync requested while a run is in progress, it will start afterwards")
	}
	runner.Run(ctx, engine.Manual)
}
