package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-sync/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	Config   *string
	LogLevel *string
	Metrics  *bool

	// Shared: Watch / Once / Init
	Source               *string
	Target               *string
	SyncWorkers          *int
	BufferSizeKB         *int
	ModTimeWindow        *int
	RequireMountedTarget *bool
	LockTarget           *bool

	// Watch / Init
	PollInterval *int

	// Init specific
	Force *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Config = fs.String("config", "", "Path to the configuration file. Defaults to '"+DefaultConfigFileName+"' in the working directory.")
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.Metrics = fs.Bool("metrics", true, "Log progress and a summary for every synchronization run.")
}

func registerSyncFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Source = fs.String("source", "", "Source directory to mirror from.")
	f.Target = fs.String("target", "", "Target directory to mirror into.")
	f.SyncWorkers = fs.Int("sync-workers", 0, "Number of worker goroutines copying files.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes for file copies.")
	f.ModTimeWindow = fs.Int("mod-time-window", 0, "Compare modification times at this granularity in seconds (use 2 for FAT volumes).")
	f.RequireMountedTarget = fs.Bool("require-mounted-target", false, "Refuse to sync into a target that lives on the system disk (unplugged volume).")
	f.LockTarget = fs.Bool("lock-target", true, "Hold an exclusive lock file in the target root while syncing.")
}

func registerWatchFlags(fs *flag.FlagSet, f *cliFlags) {
	f.PollInterval = fs.Int("poll-interval", 5, "Seconds between two availability checks of source and target.")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Force = fs.Bool("force", false, "Overwrite an existing configuration file.")
}

// DefaultConfigFileName mirrors config.ConfigFileName; flagparse must not import config.
const DefaultConfigFileName = "pgl-sync.config.json"

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and flag map.
func Parse(args []string) (Command, map[string]any, error) {
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])
	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)

	switch command {
	case Watch:
		registerGlobalFlags(fs, f)
		registerSyncFlags(fs, f)
		registerWatchFlags(fs, f)
		fs.Usage = func() {
			printSubcommandUsage(command, "Watch both roots and synchronize whenever both are available.", fs)
		}
	case Once:
		registerGlobalFlags(fs, f)
		registerSyncFlags(fs, f)
		fs.Usage = func() {
			printSubcommandUsage(command, "Run a single synchronization and exit.", fs)
		}
	case Init:
		registerGlobalFlags(fs, f)
		registerSyncFlags(fs, f)
		registerWatchFlags(fs, f)
		registerInitFlags(fs, f)
		fs.Usage = func() {
			printSubcommandUsage(command, "Write a configuration file from defaults and the given flags.", fs)
		}
	case Version:
		return command, nil, nil
	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return command, flagsToMap(fs, f), nil
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) map[string]any {
	// Only flags explicitly set by the user end up in the map, so they can
	// selectively override the loaded configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "config", f.Config)
	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)

	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "target", f.Target)
	addIfUsed(flagMap, usedFlags, "sync-workers", f.SyncWorkers)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "mod-time-window", f.ModTimeWindow)
	addIfUsed(flagMap, usedFlags, "require-mounted-target", f.RequireMountedTarget)
	addIfUsed(flagMap, usedFlags, "lock-target", f.LockTarget)
	addIfUsed(flagMap, usedFlags, "poll-interval", f.PollInterval)

	addIfUsed(flagMap, usedFlags, "force", f.Force)
	return flagMap
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]any, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Keeps a target directory (e.g. a USB drive) in sync with a source directory.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  watch       Synchronize whenever source and target are both available\n")
	fmt.Fprintf(fs.Output(), "  once        Run a single synchronization\n")
	fmt.Fprintf(fs.Output(), "  init        Write a configuration file\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s)\n\n", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}
