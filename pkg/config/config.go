package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// ConfigFileName is the default name of the configuration file.
const ConfigFileName = "pgl-sync.config.json"

// Roots is the ordered pair of directories being synchronized.
// Either root may be transiently absent, e.g. while a USB volume is unplugged.
type Roots struct {
	Source string
	Target string
}

type Config struct {
	Version    string `json:"version"`
	SourcePath string `json:"sourcePath"`
	TargetPath string `json:"targetPath"`
	// PollIntervalSeconds is the delay between two availability checks of the roots.
	PollIntervalSeconds int    `json:"pollIntervalSeconds"`
	LogLevel            string `json:"logLevel"`

	Metrics                 bool `json:"metrics"`
	ProgressIntervalSeconds int  `json:"progressIntervalSeconds"`
	SyncWorkers             int  `json:"syncWorkers"`
	BufferSizeKB            int  `json:"bufferSizeKB"`
	// ModTimeWindowSeconds truncates both modification times to this
	// granularity before comparing them. FAT volumes store mtimes with two
	// second precision; 0 compares exact timestamps.
	ModTimeWindowSeconds int `json:"modTimeWindowSeconds"`

	// RequireMountedTarget refuses to sync into a target that lives on the
	// system disk, which is what an empty mount point looks like after the
	// volume has been unplugged.
	RequireMountedTarget bool `json:"requireMountedTarget"`
	// LockTarget takes an exclusive lock file in the target root for the
	// duration of a run so two processes never write the same tree.
	LockTarget bool `json:"lockTarget"`

	// PostSyncCommands are shell commands run after a run that copied files or
	// created folders.
	PostSyncCommands []string `json:"postSyncCommands,omitempty"`
	PostSyncFailFast bool     `json:"postSyncFailFast"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:                 buildinfo.Version,
		SourcePath:              "", // Intentionally empty to force user configuration.
		TargetPath:              "", // Intentionally empty to force user configuration.
		PollIntervalSeconds:     5,
		LogLevel:                "info",
		Metrics:                 true,
		ProgressIntervalSeconds: 10,
		SyncWorkers:             4,   // Safe for USB sticks and HDDs, decent for SSDs.
		BufferSizeKB:            256, // Keep it between 64KB-4MB
		ModTimeWindowSeconds:    0,
		RequireMountedTarget:    false,
		LockTarget:              true,
		PostSyncFailFast:        false,
	}
}

// Roots returns the configured source and target roots.
func (c Config) Roots() Roots {
	return Roots{Source: c.SourcePath, Target: c.TargetPath}
}

// PollInterval returns the availability check interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ProgressInterval returns the interval of progress log lines during a run.
func (c Config) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalSeconds) * time.Second
}

// ModTimeWindow returns the modification time comparison granularity.
func (c Config) ModTimeWindow() time.Duration {
	return time.Duration(c.ModTimeWindowSeconds) * time.Second
}

// Load reads the configuration from path. If the file doesn't exist, it
// returns the default config without an error. Fields missing from the file
// keep their default values.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for config file %s: %w", path, err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDefault(), nil
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", absPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", absPath)
	config := NewDefault()
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", absPath, err)
	}

	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

// Generate writes the given configuration as indented JSON to path,
// overwriting any existing file.
func Generate(configToGenerate Config, path string) error {
	jsonData, err := json.MarshalIndent(configToGenerate, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	if err := os.WriteFile(path, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", path)
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies and
// canonicalizes both root paths. It deliberately does not require the roots to
// exist: an unplugged volume is a normal state for this tool.
func (c *Config) Validate() error {
	if c.SourcePath == "" {
		return fmt.Errorf("source path cannot be empty")
	}
	if c.TargetPath == "" {
		return fmt.Errorf("target path cannot be empty")
	}

	var err error
	if c.SourcePath, err = canonicalPath(c.SourcePath); err != nil {
		return fmt.Errorf("invalid source path: %w", err)
	}
	if c.TargetPath, err = canonicalPath(c.TargetPath); err != nil {
		return fmt.Errorf("invalid target path: %w", err)
	}

	// A target inside the source would be walked while it is being written,
	// and a source inside the target would be overwritten by itself.
	if util.IsSubPath(c.SourcePath, c.TargetPath) || util.IsSubPath(c.TargetPath, c.SourcePath) {
		return fmt.Errorf("source '%s' and target '%s' must be distinct and must not contain each other", c.SourcePath, c.TargetPath)
	}

	if c.PollIntervalSeconds < 1 {
		return fmt.Errorf("pollIntervalSeconds must be at least 1")
	}
	if c.Metrics && c.ProgressIntervalSeconds < 1 {
		return fmt.Errorf("progressIntervalSeconds must be at least 1 when metrics are enabled")
	}
	if c.SyncWorkers < 1 {
		return fmt.Errorf("syncWorkers must be at least 1")
	}
	if c.BufferSizeKB <= 0 {
		return fmt.Errorf("bufferSizeKB must be greater than 0")
	}
	if c.ModTimeWindowSeconds < 0 {
		return fmt.Errorf("modTimeWindowSeconds cannot be negative")
	}
	for i, command := range c.PostSyncCommands {
		if strings.TrimSpace(command) == "" {
			return fmt.Errorf("postSyncCommands[%d] cannot be empty", i)
		}
	}
	return nil
}

// canonicalPath expands a leading tilde and returns the cleaned absolute path.
func canonicalPath(p string) (string, error) {
	expanded, err := util.ExpandPath(p)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("could not determine absolute path for %s: %w", p, err)
	}
	return filepath.Clean(abs), nil
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	plog.Info("Configuration loaded",
		"source", c.SourcePath,
		"target", c.TargetPath,
		"poll_interval", c.PollInterval(),
		"log_level", c.LogLevel,
		"metrics", c.Metrics,
		"sync_workers", c.SyncWorkers,
		"buffer_size_kb", c.BufferSizeKB,
		"mod_time_window", c.ModTimeWindow(),
		"require_mounted_target", c.RequireMountedTarget,
		"lock_target", c.LockTarget,
		"post_sync_commands", len(c.PostSyncCommands),
	)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. setFlags contains only the flags explicitly provided by the user.
func MergeConfigWithFlags(base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "source":
			merged.SourcePath = value.(string)
		case "target":
			merged.TargetPath = value.(string)
		case "poll-interval":
			merged.PollIntervalSeconds = value.(int)
		case "log-level":
			merged.LogLevel = value.(string)
		case "metrics":
			merged.Metrics = value.(bool)
		case "sync-workers":
			merged.SyncWorkers = value.(int)
		case "buffer-size-kb":
			merged.BufferSizeKB = value.(int)
		case "mod-time-window":
			merged.ModTimeWindowSeconds = value.(int)
		case "require-mounted-target":
			merged.RequireMountedTarget = value.(bool)
		case "lock-target":
			merged.LockTarget = value.(bool)
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
