package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-sync/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sync/pkg/config"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

// RunInit handles the logic for the 'init' command. Settings from an existing
// configuration file are kept unless overridden by flags.
func RunInit(ctx context.Context, flagMap map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	absConfigFilePath, err := filepath.Abs(configPath(flagMap))
	if err != nil {
		return fmt.Errorf("could not determine absolute path for config file: %w", err)
	}

	force := false
	if f, ok := flagMap["force"]; ok {
		force = f.(bool)
	}

	if _, err := os.Stat(absConfigFilePath); err == nil && !force {
		fmt.Printf("Configuration file already exists at %s and will be updated.\n", absConfigFilePath)
		if !PromptForConfirmation("Are you sure you want to continue?", false) {
			plog.Info(buildinfo.Name + " init operation canceled.")
			return nil
		}
	}

	// config.Load returns NewDefault() if the file simply doesn't exist.
	baseConfig, err := config.Load(absConfigFilePath)
	if err != nil {
		plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
		baseConfig = config.NewDefault()
	}

	runConfig := config.MergeConfigWithFlags(baseConfig, flagMap)
	if runConfig.SourcePath == "" || runConfig.TargetPath == "" {
		return fmt.Errorf("the -source and -target flags are required for the init operation (unless updating an existing config)")
	}
	if err := runConfig.Validate(); err != nil {
		return err
	}

	if err := config.Generate(runConfig, absConfigFilePath); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
