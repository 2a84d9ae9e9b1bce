// Package pathsync mirrors a source directory tree onto a target tree.
//
// A run walks the source once in pre-order. The walker itself creates every
// missing target directory, so a directory always exists before any of its
// files are handed to the copy workers. Files are copied by a bounded pool of
// workers when they are missing on the target or when the source copy has a
// strictly newer modification time. Nothing is ever deleted from the target.
//
// All directories and files written to the target keep the owner-write
// permission bit (0200) so that a later run can always update them, even when
// the source entries are read-only.
package pathsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-sync/pkg/config"
	"github.com/paulschiretz/pgl-sync/pkg/lockfile"
	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/pool"
	"github.com/paulschiretz/pgl-sync/pkg/preflight"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// Stats are the aggregate counts of a single run. Every run starts from zero;
// on failure they reflect the work done up to the failing entry.
type Stats struct {
	FilesCopied    int64
	FoldersCreated int64
	Duration       time.Duration
}

// Changed reports whether the run wrote anything to the target.
func (s Stats) Changed() bool {
	return s.FilesCopied > 0 || s.FoldersCreated > 0
}

// DurationSeconds returns the elapsed wall-clock time in seconds.
func (s Stats) DurationSeconds() float64 {
	return s.Duration.Seconds()
}

// errWorkerFailed stops the walk after a copy worker failed; the worker's
// own error is what gets reported.
var errWorkerFailed = errors.New("copy worker failed")

// PathSyncer runs synchronizations with a fixed set of options.
// It holds no per-run state and may be shared.
type PathSyncer struct {
	workers          int
	modTimeWindow    time.Duration
	metrics          bool
	progressInterval time.Duration
	buffers          *pool.CopyBuffers
	// skipLockFile keeps a source lock file from overwriting the live target lock.
	skipLockFile bool
}

// NewPathSyncer creates a PathSyncer from the given configuration.
func NewPathSyncer(cfg config.Config) *PathSyncer {
	workers := cfg.SyncWorkers
	if workers < 1 {
		workers = 1
	}
	return &PathSyncer{
		workers:          workers,
		modTimeWindow:    cfg.ModTimeWindow(),
		metrics:          cfg.Metrics,
		progressInterval: cfg.ProgressInterval(),
		buffers:          pool.NewCopyBuffers(int64(cfg.BufferSizeKB) * 1024),
		skipLockFile:     cfg.LockTarget,
	}
}

// syncRun is the state of one Synchronize call.
type syncRun struct {
	ctx  context.Context
	gctx context.Context

	src, trg      string
	modTimeWindow time.Duration
	skipLockFile  bool

	buffers *pool.CopyBuffers
	metrics Metrics
	workers *errgroup.Group

	filesCopied    atomic.Int64
	foldersCreated atomic.Int64
}

// Synchronize copies every missing or stale file from source to target and
// creates every missing directory. It fails with preflight.ErrSourceNotFound
// before touching the target when the source does not exist. A missing target
// root is created and counted like any other directory.
func (s *PathSyncer) Synchronize(ctx context.Context, source, target string) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	if err := preflight.CheckSourceAccessible(source); err != nil {
		return Stats{}, err
	}

	// The walk does not follow links, so a linked source root is resolved up front.
	if resolved, err := filepath.EvalSymlinks(source); err == nil {
		source = resolved
	}

	start := time.Now()

	var m Metrics = &NoopMetrics{}
	if s.metrics {
		m = &SyncMetrics{}
		m.StartProgress("Sync progress", s.progressInterval)
	}

	workers, gctx := errgroup.WithContext(ctx)
	workers.SetLimit(s.workers)

	r := &syncRun{
		ctx:           ctx,
		gctx:          gctx,
		src:           source,
		trg:           target,
		modTimeWindow: s.modTimeWindow,
		skipLockFile:  s.skipLockFile,
		buffers:       s.buffers,
		metrics:       m,
		workers:       workers,
	}

	walkErr := filepath.WalkDir(r.src, r.visit)
	// Always drain the workers so no copy is still running when we return.
	err := workers.Wait()
	if err == nil && !errors.Is(walkErr, errWorkerFailed) {
		err = walkErr
	}

	m.StopProgress()
	stats := Stats{
		FilesCopied:    r.filesCopied.Load(),
		FoldersCreated: r.foldersCreated.Load(),
		Duration:       time.Since(start),
	}
	if err != nil {
		m.LogSummary("Sync aborted")
		return stats, err
	}
	m.LogSummary("Sync finished")
	return stats, nil
}

// visit is the filepath.WalkDirFunc of a run.
func (r *syncRun) visit(absSrcPath string, d fs.DirEntry, walkErr error) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if r.gctx.Err() != nil {
		return errWorkerFailed
	}

	if walkErr != nil {
		if absSrcPath == r.src {
			return fmt.Errorf("cannot read source root %s: %w", r.src, walkErr)
		}
		if errors.Is(walkErr, fs.ErrPermission) || errors.Is(walkErr, fs.ErrNotExist) {
			plog.Warn("Skipping unreadable source entry", "path", absSrcPath, "error", walkErr)
			r.metrics.AddEntriesSkipped(1)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return fmt.Errorf("failed to walk source %s: %w", absSrcPath, walkErr)
	}

	relPath, err := filepath.Rel(r.src, absSrcPath)
	if err != nil {
		return fmt.Errorf("failed to get relative path for %s: %w", absSrcPath, err)
	}
	relPathKey := util.NormalizePath(relPath)
	absTrgPath := util.DenormalizedAbsPath(r.trg, relPathKey)
	r.metrics.AddEntriesProcessed(1)

	switch {
	case d.IsDir():
		return r.ensureDir(absSrcPath, absTrgPath, d)
	case d.Type().IsRegular():
		if reason := r.reservedName(relPathKey, d.Name()); reason != "" {
			plog.Warn("Skipping source file with a reserved name", "path", relPathKey, "reason", reason)
			r.metrics.AddEntriesSkipped(1)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// The file vanished between listing and stat.
			plog.Warn("Skipping source file that disappeared", "path", relPathKey, "error", err)
			r.metrics.AddEntriesSkipped(1)
			return nil
		}
		r.workers.Go(func() error {
			return r.syncFile(relPathKey, absSrcPath, absTrgPath, info)
		})
		return nil
	case d.Type()&fs.ModeSymlink != 0:
		plog.Warn("Skipping symbolic link", "path", relPathKey)
		r.metrics.AddEntriesSkipped(1)
		return nil
	default:
		plog.Warn("Skipping special file", "path", relPathKey, "type", d.Type().String())
		r.metrics.AddEntriesSkipped(1)
		return nil
	}
}

// ensureDir creates the target directory for a visited source directory.
// Each created directory is counted once; parents are visited first, so
// MkdirAll never creates more than one level here.
func (r *syncRun) ensureDir(absSrcPath, absTrgPath string, d fs.DirEntry) error {
	info, err := os.Stat(absTrgPath)
	if err == nil {
		if !info.IsDir() {
			return &DirectoryCreateError{Path: absTrgPath, Err: errors.New("a non-directory entry exists at this path")}
		}
		r.sweepTempFiles(absTrgPath)
		return nil
	}
	if !os.IsNotExist(err) {
		return &DirectoryCreateError{Path: absTrgPath, Err: err}
	}

	perm := util.UserWritableDirPerms
	if srcInfo, err := d.Info(); err == nil {
		perm = util.WithUserExecutePermission(util.WithUserWritePermission(srcInfo.Mode().Perm()))
	}
	if err := os.MkdirAll(absTrgPath, perm); err != nil {
		return &DirectoryCreateError{Path: absTrgPath, Err: err}
	}

	r.foldersCreated.Add(1)
	r.metrics.AddDirsCreated(1)
	plog.Debug("Created directory", "path", absTrgPath, "source", absSrcPath)
	return nil
}

// reservedName returns why a source file must not be mirrored, or "" if it may.
func (r *syncRun) reservedName(relPathKey, name string) string {
	if isTempFileName(name) {
		return "temporary copy file"
	}
	if r.skipLockFile && relPathKey == lockfile.LockFileName {
		return "target lock file"
	}
	return ""
}

// syncFile copies one file if the target copy is missing or older.
func (r *syncRun) syncFile(relPathKey, absSrcPath, absTrgPath string, srcInfo fs.FileInfo) error {
	if err := r.gctx.Err(); err != nil {
		return err
	}

	trgInfo, err := os.Lstat(absTrgPath)
	switch {
	case err == nil:
		if trgInfo.IsDir() {
			return &CopyError{Path: absTrgPath, Err: errors.New("a directory exists at this path")}
		}
		if !r.isNewer(srcInfo.ModTime(), trgInfo.ModTime()) {
			r.metrics.AddFilesUpToDate(1)
			return nil
		}
	case os.IsNotExist(err):
	default:
		return &CopyError{Path: absTrgPath, Err: err}
	}

	in, err := os.Open(absSrcPath)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
			plog.Warn("Skipping unreadable source file", "path", relPathKey, "error", err)
			r.metrics.AddEntriesSkipped(1)
			return nil
		}
		return &CopyError{Path: absSrcPath, Err: err}
	}
	defer in.Close()

	if err := r.copyFileSafe(in, srcInfo, absTrgPath); err != nil {
		return &CopyError{Path: absTrgPath, Err: err}
	}

	r.filesCopied.Add(1)
	r.metrics.AddFilesCopied(1)
	plog.Debug("Copied file", "path", relPathKey)
	return nil
}

// isNewer reports whether src is strictly newer than trg, compared at the
// configured granularity.
func (r *syncRun) isNewer(src, trg time.Time) bool {
	if r.modTimeWindow > 0 {
		src = src.Truncate(r.modTimeWindow)
		trg = trg.Truncate(r.modTimeWindow)
	}
	return src.After(trg)
}
