package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/config"
	"github.com/paulschiretz/pgl-sync/pkg/lockfile"
	"github.com/paulschiretz/pgl-sync/pkg/pathsync"
	"github.com/paulschiretz/pgl-sync/pkg/preflight"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// Trigger records what started a run.
type Trigger int

const (
	// Scheduled runs are started by the availability monitor.
	Scheduled Trigger = iota
	// Manual runs are started by an explicit "sync now" request.
	Manual
)

var triggerToString = map[Trigger]string{Scheduled: "scheduled", Manual: "manual"}
var stringToTrigger = util.InvertMap(triggerToString)

func (t Trigger) String() string {
	if str, ok := triggerToString[t]; ok {
		return str
	}
	return fmt.Sprintf("unknown_trigger(%d)", t)
}

// ParseTrigger converts a string into a Trigger.
func ParseTrigger(s string) (Trigger, error) {
	if t, ok := stringToTrigger[s]; ok {
		return t, nil
	}
	return Scheduled, fmt.Errorf("invalid trigger: %q. Must be 'scheduled' or 'manual'", s)
}

// Outcome is the result of one run attempt, as reported to the presentation layer.
type Outcome struct {
	Roots     config.Roots
	Trigger   Trigger
	StartedAt time.Time
	Stats     pathsync.Stats
	Err       error
}

// OK reports whether the run completed without error.
func (o Outcome) OK() bool { return o.Err == nil }

// Message renders the outcome as a single human-readable status line.
func (o Outcome) Message() string {
	var lockErr *lockfile.ErrLockActive
	switch {
	case o.Err == nil:
		return fmt.Sprintf("Sync completed: %d files copied, %d folders created in %.2fs",
			o.Stats.FilesCopied, o.Stats.FoldersCreated, o.Stats.DurationSeconds())
	case errors.Is(o.Err, preflight.ErrSourceNotFound):
		return fmt.Sprintf("Source not found: %s", o.Roots.Source)
	case errors.Is(o.Err, preflight.ErrTargetNotFound):
		return fmt.Sprintf("Target not found: %s", o.Roots.Target)
	case errors.Is(o.Err, context.Canceled):
		return "Sync cancelled"
	case errors.As(o.Err, &lockErr):
		return fmt.Sprintf("Sync skipped: %v", lockErr)
	default:
		return fmt.Sprintf("Sync failed: %v", o.Err)
	}
}
