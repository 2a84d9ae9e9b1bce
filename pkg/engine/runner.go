// Package engine runs synchronizations. It is the single entry point shared by
// the availability monitor and manual "sync now" requests, and it guarantees
// that at most one run executes at any moment.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/paulschiretz/pgl-sync/pkg/buildinfo"
	"github.com/paulschiretz/pgl-sync/pkg/config"
	"github.com/paulschiretz/pgl-sync/pkg/hook"
	"github.com/paulschiretz/pgl-sync/pkg/lockfile"
	"github.com/paulschiretz/pgl-sync/pkg/pathsync"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

// Validator checks that a run may start.
type Validator interface {
	Validate(roots config.Roots) error
}

// Syncer performs the synchronization itself.
type Syncer interface {
	Synchronize(ctx context.Context, source, target string) (pathsync.Stats, error)
}

// PostSyncHook reacts to a run that changed the target.
type PostSyncHook interface {
	RunPostSync(ctx context.Context, env hook.Env) error
}

// Options tune a Runner.
type Options struct {
	// LockTarget holds the target lock file for the duration of a run.
	LockTarget bool
	// PostSync, if set, runs after every successful run that copied files or
	// created folders. Its failure does not change the outcome.
	PostSync PostSyncHook
}

// Runner executes runs one at a time. A Run that arrives while another is in
// progress waits for it to finish and then performs its own full run.
type Runner struct {
	validator Validator
	syncer    Syncer
	roots     config.Roots
	opts      Options

	guard *semaphore.Weighted
	busy  atomic.Bool
}

// NewRunner creates a Runner for the given roots.
func NewRunner(validator Validator, syncer Syncer, roots config.Roots, opts Options) *Runner {
	return &Runner{
		validator: validator,
		syncer:    syncer,
		roots:     roots,
		opts:      opts,
		guard:     semaphore.NewWeighted(1),
	}
}

// Busy reports whether a run is currently executing.
func (r *Runner) Busy() bool {
	return r.busy.Load()
}

// Run performs one synchronization and returns its outcome. Waiting for a
// run in progress honors ctx; a cancelled wait is reported as the outcome.
func (r *Runner) Run(ctx context.Context, trigger Trigger) Outcome {
	out := Outcome{Roots: r.roots, Trigger: trigger}

	if r.busy.Load() {
		plog.Info("A sync is already running, waiting for it to finish", "trigger", trigger)
	}
	if err := r.guard.Acquire(ctx, 1); err != nil {
		out.StartedAt = time.Now()
		out.Err = err
		return out
	}
	r.busy.Store(true)
	defer func() {
		r.busy.Store(false)
		r.guard.Release(1)
	}()

	out.StartedAt = time.Now()
	plog.Info("Starting sync", "trigger", trigger, "source", r.roots.Source, "target", r.roots.Target)
	out.Stats, out.Err = r.execute(ctx)
	logOutcome(out)
	r.runPostSync(ctx, out)
	return out
}

// runPostSync runs the post-sync hook once the target lock has been released.
func (r *Runner) runPostSync(ctx context.Context, out Outcome) {
	if r.opts.PostSync == nil || !out.OK() || !out.Stats.Changed() {
		return
	}
	env := hook.Env{
		Source:         r.roots.Source,
		Target:         r.roots.Target,
		FilesCopied:    out.Stats.FilesCopied,
		FoldersCreated: out.Stats.FoldersCreated,
	}
	if err := r.opts.PostSync.RunPostSync(ctx, env); err != nil && !errors.Is(err, hook.ErrNothingToExecute) {
		plog.Warn("Post-sync commands failed", "error", err)
	}
}

func (r *Runner) execute(ctx context.Context) (pathsync.Stats, error) {
	if err := ctx.Err(); err != nil {
		return pathsync.Stats{}, err
	}

	if err := r.validator.Validate(r.roots); err != nil {
		return pathsync.Stats{}, fmt.Errorf("preflight failed: %w", err)
	}

	if r.opts.LockTarget {
		release, err := r.acquireTargetLock(ctx)
		if err != nil {
			return pathsync.Stats{}, err
		}
		defer release()
	}

	return r.syncer.Synchronize(ctx, r.roots.Source, r.roots.Target)
}

// acquireTargetLock acquires the lock file in the target root.
// It returns a release function that must be called to unlock the directory.
func (r *Runner) acquireTargetLock(ctx context.Context) (func(), error) {
	appID := fmt.Sprintf("%s:%s", buildinfo.Name, r.roots.Source)

	plog.Debug("Attempting to acquire lock", "path", r.roots.Target)
	lock, err := lockfile.Acquire(ctx, r.roots.Target, appID)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	plog.Debug("Lock acquired successfully")
	return lock.Release, nil
}

func logOutcome(out Outcome) {
	var lockErr *lockfile.ErrLockActive
	switch {
	case out.OK():
		plog.Notice(out.Message(),
			"trigger", out.Trigger,
			"files_copied", out.Stats.FilesCopied,
			"folders_created", out.Stats.FoldersCreated,
			"duration", out.Stats.Duration.Round(time.Millisecond),
		)
	case errors.Is(out.Err, context.Canceled):
		plog.Info(out.Message(), "trigger", out.Trigger)
	case errors.As(out.Err, &lockErr):
		plog.Warn(out.Message(), "trigger", out.Trigger)
	default:
		plog.Error(out.Message(),
			"trigger", out.Trigger,
			"files_copied", out.Stats.FilesCopied,
			"folders_created", out.Stats.FoldersCreated,
			"error", out.Err,
		)
	}
}
