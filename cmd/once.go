package cmd

import (
	"context"

	"github.com/paulschiretz/pgl-sync/pkg/engine"
	"github.com/paulschiretz/pgl-sync/pkg/preflight"
)

// RunOnce handles the 'once' command: a single manual run. The outcome has
// already been logged by the engine; a failed run is returned as error.
func RunOnce(ctx context.Context, flagMap map[string]any) (engine.Outcome, error) {
	runConfig, err := loadRunConfig(flagMap)
	if err != nil {
		return engine.Outcome{}, err
	}

	runner := newRunner(runConfig, preflight.NewValidator(runConfig.RequireMountedTarget))
	out := runner.Run(ctx, engine.Manual)
	return out, out.Err
}
