package cmd

import (
	"os/exec"

	"github.com/paulschiretz/pgl-sync/pkg/config"
	"github.com/paulschiretz/pgl-sync/pkg/engine"
	"github.com/paulschiretz/pgl-sync/pkg/hook"
	"github.com/paulschiretz/pgl-sync/pkg/pathsync"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/preflight"
)

// configPath returns the -config flag value or the default file name.
func configPath(flagMap map[string]any) string {
	if p, ok := flagMap["config"].(string); ok && p != "" {
		return p
	}
	return config.ConfigFileName
}

// loadRunConfig loads the configuration file, overlays the flags and validates
// the result. It also applies the configured log level.
func loadRunConfig(flagMap map[string]any) (config.Config, error) {
	loadedConfig, err := config.Load(configPath(flagMap))
	if err != nil {
		return config.Config{}, err
	}

	runConfig := config.MergeConfigWithFlags(loadedConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(); err != nil {
		return config.Config{}, err
	}

	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	runConfig.LogSummary()
	return runConfig, nil
}

// newRunner wires the leaf workers into an engine runner.
func newRunner(runConfig config.Config, validator *preflight.Validator) *engine.Runner {
	opts := engine.Options{LockTarget: runConfig.LockTarget}
	if len(runConfig.PostSyncCommands) > 0 {
		opts.PostSync = hook.NewExecutor(runConfig.PostSyncCommands, runConfig.PostSyncFailFast, exec.CommandContext)
	}
	return engine.NewRunner(
		validator,
		pathsync.NewPathSyncer(runConfig),
		runConfig.Roots(),
		opts,
	)
}
