package pathsync

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// tempFilePattern names the partial files of in-flight copies.
const tempFilePattern = "pgl-sync-*.tmp"

func isTempFileName(name string) bool {
	ok, _ := filepath.Match(tempFilePattern, name)
	return ok
}

// sweepTempFiles removes partial files that an interrupted earlier run left in
// an existing target directory. It runs before any file of that directory is
// queued, so it never races a copy of the current run.
func (r *syncRun) sweepTempFiles(absTrgDir string) {
	entries, err := os.ReadDir(absTrgDir)
	if err != nil {
		plog.Debug("Could not list target directory for leftover temp files", "path", absTrgDir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isTempFileName(entry.Name()) {
			continue
		}
		absTempPath := filepath.Join(absTrgDir, entry.Name())
		if err := os.Remove(absTempPath); err != nil && !os.IsNotExist(err) {
			plog.Warn("Could not remove leftover temp file", "path", absTempPath, "error", err)
			continue
		}
		plog.Debug("Removed leftover temp file", "path", absTempPath)
	}
}

// copyFileSafe copies an opened source file to absTrgPath. The content is
// written to a temporary file in the target directory which is renamed over
// the destination once it is complete, so an unplugged volume never leaves a
// truncated file under the real name.
func (r *syncRun) copyFileSafe(in *os.File, srcInfo fs.FileInfo, absTrgPath string) error {
	absTrgDir := filepath.Dir(absTrgPath)

	out, err := os.CreateTemp(absTrgDir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", absTrgDir, err)
	}
	defer out.Close()

	absTempPath := out.Name()
	// Cleared after a successful rename.
	defer func() {
		if absTempPath != "" {
			os.Remove(absTempPath)
		}
	}()

	bufPtr := r.buffers.Get(srcInfo.Size())
	defer r.buffers.Put(bufPtr)

	written, err := io.CopyBuffer(out, in, *bufPtr)
	if err != nil {
		return fmt.Errorf("failed to copy content to %s: %w", absTempPath, err)
	}
	r.metrics.AddBytesWritten(written)

	// The owner must keep write permission or the next run could not replace the file.
	if err := out.Chmod(util.WithUserWritePermission(srcInfo.Mode().Perm())); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", absTempPath, err)
	}

	// Closing may flush and bump the mtime, so it must happen before Chtimes.
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file %s: %w", absTempPath, err)
	}

	modTime := srcInfo.ModTime()
	if err := os.Chtimes(absTempPath, modTime, modTime); err != nil {
		return fmt.Errorf("failed to set timestamps on %s: %w", absTempPath, err)
	}

	if err := os.Rename(absTempPath, absTrgPath); err != nil {
		return err
	}
	absTempPath = ""
	return nil
}
