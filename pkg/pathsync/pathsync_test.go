package pathsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/config"
	"github.com/paulschiretz/pgl-sync/pkg/lockfile"
	"github.com/paulschiretz/pgl-sync/pkg/preflight"
)

// --- Test Helpers ---

func newTestSyncer(t *testing.T, mutate func(*config.Config)) *PathSyncer {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Metrics = false
	cfg.BufferSizeKB = 8
	if mutate != nil {
		mutate(&cfg)
	}
	return NewPathSyncer(cfg)
}

// createFile creates a file with content and a specific modification time.
func createFile(t *testing.T, path, content string, modTime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create parent dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create file %s: %v", path, err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("failed to set mod time for %s: %v", path, err)
	}
}

func createDir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatalf("failed to create dir %s: %v", path, err)
	}
}

func pathExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Lstat(path)
	if err == nil {
		return true
	}
	if os.IsNotExist(err) {
		return false
	}
	t.Fatalf("failed to stat %s: %v", path, err)
	return false
}

func getFileContent(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file %s: %v", path, err)
	}
	return string(b)
}

func getFileModTime(t *testing.T, path string) time.Time {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("failed to stat %s: %v", path, err)
	}
	return info.ModTime()
}

func listEntries(t *testing.T, root string) []string {
	t.Helper()
	var entries []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		entries = append(entries, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatalf("failed to walk %s: %v", root, err)
	}
	return entries
}

// --- Tests ---

func TestSynchronize_Scenarios(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Empty Target Receives Full Tree", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, "a", "b", "file1.txt"), "hello", t0)
		createDir(t, filepath.Join(src, "a", "c"))

		stats, err := newTestSyncer(t, nil).Synchronize(context.Background(), src, trg)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}

		if stats.FilesCopied != 1 {
			t.Errorf("expected 1 file copied, but got %d", stats.FilesCopied)
		}
		// a, a/b and a/c; the existing target root is not counted.
		if stats.FoldersCreated != 3 {
			t.Errorf("expected 3 folders created, but got %d", stats.FoldersCreated)
		}
		if got := getFileContent(t, filepath.Join(trg, "a", "b", "file1.txt")); got != "hello" {
			t.Errorf("expected copied content 'hello', but got %q", got)
		}
		if !getFileModTime(t, filepath.Join(trg, "a", "b", "file1.txt")).Equal(t0) {
			t.Errorf("expected copied file to keep the source modification time")
		}
		if !pathExists(t, filepath.Join(trg, "a", "c")) {
			t.Errorf("expected empty directory a/c to be mirrored")
		}
		if stats.Duration <= 0 || stats.DurationSeconds() <= 0 {
			t.Errorf("expected a positive duration, but got %v", stats.Duration)
		}
	})

	t.Run("Newer Target File Is Untouched", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		t1 := t0.Add(time.Hour)
		createFile(t, filepath.Join(src, "a", "b", "file1.txt"), "source", t0)
		createFile(t, filepath.Join(trg, "a", "b", "file1.txt"), "target", t1)

		stats, err := newTestSyncer(t, nil).Synchronize(context.Background(), src, trg)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if stats.FilesCopied != 0 {
			t.Errorf("expected 0 files copied, but got %d", stats.FilesCopied)
		}
		if stats.FoldersCreated != 0 {
			t.Errorf("expected 0 folders created, but got %d", stats.FoldersCreated)
		}
		if got := getFileContent(t, filepath.Join(trg, "a", "b", "file1.txt")); got != "target" {
			t.Errorf("expected target content to stay 'target', but got %q", got)
		}
		if !getFileModTime(t, filepath.Join(trg, "a", "b", "file1.txt")).Equal(t1) {
			t.Errorf("expected target modification time to stay T1")
		}
	})

	t.Run("Source Not Found", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "unplugged")
		trg := t.TempDir()
		createFile(t, filepath.Join(trg, "keep.txt"), "keep", t0)

		stats, err := newTestSyncer(t, nil).Synchronize(context.Background(), src, trg)
		if !errors.Is(err, preflight.ErrSourceNotFound) {
			t.Fatalf("expected ErrSourceNotFound, but got: %v", err)
		}
		if stats != (Stats{}) {
			t.Errorf("expected zero stats, but got %+v", stats)
		}
		if entries := listEntries(t, trg); len(entries) != 2 {
			t.Errorf("expected target to be unmodified, but found %v", entries)
		}
	})
}

func TestSynchronize_StalenessRule(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name       string
		srcModTime time.Time
		trgModTime time.Time
		wantCopied bool
	}{
		{name: "Source Newer", srcModTime: t0.Add(time.Second), trgModTime: t0, wantCopied: true},
		{name: "Source Newer By One Nanosecond", srcModTime: t0.Add(time.Nanosecond), trgModTime: t0, wantCopied: true},
		{name: "Equal Times", srcModTime: t0, trgModTime: t0, wantCopied: false},
		{name: "Target Newer", srcModTime: t0, trgModTime: t0.Add(time.Minute), wantCopied: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			src, trg := t.TempDir(), t.TempDir()
			createFile(t, filepath.Join(src, "f.txt"), "new", tc.srcModTime)
			createFile(t, filepath.Join(trg, "f.txt"), "old", tc.trgModTime)

			// Nanosecond precision is not available everywhere.
			if !getFileModTime(t, filepath.Join(src, "f.txt")).Equal(tc.srcModTime) {
				t.Skip("filesystem does not keep nanosecond modification times")
			}

			stats, err := newTestSyncer(t, nil).Synchronize(context.Background(), src, trg)
			if err != nil {
				t.Fatalf("expected no error, but got: %v", err)
			}

			wantContent, wantCount := "old", int64(0)
			if tc.wantCopied {
				wantContent, wantCount = "new", 1
			}
			if stats.FilesCopied != wantCount {
				t.Errorf("expected %d files copied, but got %d", wantCount, stats.FilesCopied)
			}
			if got := getFileContent(t, filepath.Join(trg, "f.txt")); got != wantContent {
				t.Errorf("expected content %q, but got %q", wantContent, got)
			}
		})
	}

	t.Run("Mod Time Window Ignores Sub-Window Differences", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		// A FAT volume rounds the copy down to an even second.
		createFile(t, filepath.Join(src, "f.txt"), "new", t0.Add(1500*time.Millisecond))
		createFile(t, filepath.Join(trg, "f.txt"), "old", t0)

		syncer := newTestSyncer(t, func(c *config.Config) { c.ModTimeWindowSeconds = 2 })
		stats, err := syncer.Synchronize(context.Background(), src, trg)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if stats.FilesCopied != 0 {
			t.Errorf("expected 0 files copied within the window, but got %d", stats.FilesCopied)
		}
	})
}

func TestSynchronize_Idempotent(t *testing.T) {
	src, trg := t.TempDir(), t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i := range 20 {
		createFile(t, filepath.Join(src, fmt.Sprintf("d%d", i%4), fmt.Sprintf("sub%d", i%3), fmt.Sprintf("f%d.txt", i)), fmt.Sprintf("content %d", i), base)
	}

	syncer := newTestSyncer(t, func(c *config.Config) { c.SyncWorkers = 3 })

	first, err := syncer.Synchronize(context.Background(), src, trg)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if first.FilesCopied != 20 {
		t.Errorf("expected 20 files copied on the first run, but got %d", first.FilesCopied)
	}
	// 4 top-level directories with 3 subdirectories each.
	if first.FoldersCreated != 16 {
		t.Errorf("expected 16 folders created on the first run, but got %d", first.FoldersCreated)
	}

	second, err := syncer.Synchronize(context.Background(), src, trg)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.FilesCopied != 0 || second.FoldersCreated != 0 {
		t.Errorf("expected an idempotent second run, but got %+v", second)
	}

	srcEntries, trgEntries := listEntries(t, src), listEntries(t, trg)
	if fmt.Sprint(srcEntries) != fmt.Sprint(trgEntries) {
		t.Errorf("expected target tree to equal source tree\nsource: %v\ntarget: %v", srcEntries, trgEntries)
	}
}

func TestSynchronize_TargetRoot(t *testing.T) {
	t.Run("Missing Target Root Is Created And Counted", func(t *testing.T) {
		src := t.TempDir()
		trg := filepath.Join(t.TempDir(), "new-target")
		createFile(t, filepath.Join(src, "f.txt"), "x", time.Now())

		stats, err := newTestSyncer(t, nil).Synchronize(context.Background(), src, trg)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if stats.FoldersCreated != 1 || stats.FilesCopied != 1 {
			t.Errorf("expected 1 folder and 1 file, but got %+v", stats)
		}
	})

	t.Run("Target Root Is A File", func(t *testing.T) {
		src := t.TempDir()
		trg := filepath.Join(t.TempDir(), "target")
		createFile(t, trg, "not a dir", time.Now())

		_, err := newTestSyncer(t, nil).Synchronize(context.Background(), src, trg)
		var dirErr *DirectoryCreateError
		if !errors.As(err, &dirErr) {
			t.Fatalf("expected *DirectoryCreateError, but got %T: %v", err, err)
		}
		if dirErr.Path != trg {
			t.Errorf("expected error path %s, but got %s", trg, dirErr.Path)
		}
	})
}

func TestSynchronize_Failures(t *testing.T) {
	t.Run("Directory Where A File Should Be", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, "data.bin"), "x", time.Now())
		createDir(t, filepath.Join(trg, "data.bin"))

		_, err := newTestSyncer(t, nil).Synchronize(context.Background(), src, trg)
		var copyErr *CopyError
		if !errors.As(err, &copyErr) {
			t.Fatalf("expected *CopyError, but got %T: %v", err, err)
		}
		if copyErr.Path != filepath.Join(trg, "data.bin") {
			t.Errorf("expected error path to name the target file, but got %s", copyErr.Path)
		}
	})

	t.Run("File Where A Directory Should Be", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, "docs", "a.txt"), "x", time.Now())
		createFile(t, filepath.Join(trg, "docs"), "blocking file", time.Now())

		stats, err := newTestSyncer(t, nil).Synchronize(context.Background(), src, trg)
		var dirErr *DirectoryCreateError
		if !errors.As(err, &dirErr) {
			t.Fatalf("expected *DirectoryCreateError, but got %T: %v", err, err)
		}
		if stats.FilesCopied != 0 {
			t.Errorf("expected no files copied after the failure, but got %d", stats.FilesCopied)
		}
	})

	t.Run("Earlier Work Survives A Later Failure", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, "a.txt"), "kept", time.Now())
		createFile(t, filepath.Join(src, "docs", "b.txt"), "x", time.Now())
		createFile(t, filepath.Join(trg, "docs"), "blocking file", time.Now())

		syncer := newTestSyncer(t, func(c *config.Config) { c.SyncWorkers = 1 })
		stats, err := syncer.Synchronize(context.Background(), src, trg)
		var dirErr *DirectoryCreateError
		if !errors.As(err, &dirErr) {
			t.Fatalf("expected *DirectoryCreateError, but got %T: %v", err, err)
		}
		if dirErr.Path != filepath.Join(trg, "docs") {
			t.Errorf("expected error path to name the blocked directory, but got %s", dirErr.Path)
		}
		if got := getFileContent(t, filepath.Join(trg, "a.txt")); got != "kept" {
			t.Errorf("expected a.txt copied before the failure to stay on the target, got %q", got)
		}
		if stats.FilesCopied != 1 {
			t.Errorf("expected 1 file copied before the failure, but got %d", stats.FilesCopied)
		}
		if stats.FoldersCreated != 0 {
			t.Errorf("expected 0 folders created, but got %d", stats.FoldersCreated)
		}
	})

	t.Run("Cancelled Context", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, "f.txt"), "x", time.Now())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newTestSyncer(t, nil).Synchronize(ctx, src, trg)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, but got: %v", err)
		}
		if pathExists(t, filepath.Join(trg, "f.txt")) {
			t.Error("expected no file to be copied after cancellation")
		}
	})
}

func TestSynchronize_LeavesNoTempFiles(t *testing.T) {
	src, trg := t.TempDir(), t.TempDir()
	createFile(t, filepath.Join(src, "big.bin"), string(make([]byte, 64*1024)), time.Now().Add(-time.Minute))

	if _, err := newTestSyncer(t, nil).Synchronize(context.Background(), src, trg); err != nil {
		t.Fatalf("expected no error, but got: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(trg, "pgl-sync-*.tmp"))
	if len(matches) != 0 {
		t.Errorf("expected no temporary files, but found %v", matches)
	}
	if got := len(getFileContent(t, filepath.Join(trg, "big.bin"))); got != 64*1024 {
		t.Errorf("expected 64KiB copied, but got %d bytes", got)
	}
}

func TestSynchronize_ReadOnlySourceStaysUpdatable(t *testing.T) {
	src, trg := t.TempDir(), t.TempDir()
	path := filepath.Join(src, "ro.txt")
	createFile(t, path, "v1", time.Now().Add(-time.Hour))
	if err := os.Chmod(path, 0444); err != nil {
		t.Fatal(err)
	}
	syncer := newTestSyncer(t, nil)

	if _, err := syncer.Synchronize(context.Background(), src, trg); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(trg, "ro.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0200 == 0 {
		t.Errorf("expected the target copy to be owner-writable, but got %v", info.Mode().Perm())
	}

	if err := os.Chmod(path, 0644); err != nil {
		t.Fatal(err)
	}
	createFile(t, path, "v2", time.Now())
	stats, err := syncer.Synchronize(context.Background(), src, trg)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if stats.FilesCopied != 1 || getFileContent(t, filepath.Join(trg, "ro.txt")) != "v2" {
		t.Errorf("expected the updated file to be copied, but got %+v", stats)
	}
}

func TestSynchronize_RemovesLeftoverTempFiles(t *testing.T) {
	src, trg := t.TempDir(), t.TempDir()
	createFile(t, filepath.Join(src, "sub", "x.txt"), "x", time.Now())
	createFile(t, filepath.Join(trg, "pgl-sync-123.tmp"), "partial", time.Now())
	createFile(t, filepath.Join(trg, "sub", "pgl-sync-456.tmp"), "partial", time.Now())
	createFile(t, filepath.Join(trg, "keep.tmp"), "unrelated", time.Now())

	stats, err := newTestSyncer(t, nil).Synchronize(context.Background(), src, trg)
	if err != nil {
		t.Fatalf("expected no error, but got: %v", err)
	}
	for _, leftover := range []string{"pgl-sync-123.tmp", filepath.Join("sub", "pgl-sync-456.tmp")} {
		if pathExists(t, filepath.Join(trg, leftover)) {
			t.Errorf("expected leftover %s to be removed", leftover)
		}
	}
	if !pathExists(t, filepath.Join(trg, "keep.tmp")) {
		t.Error("expected unrelated files to be left alone")
	}
	if stats.FilesCopied != 1 {
		t.Errorf("expected 1 file copied, but got %d", stats.FilesCopied)
	}
}

func TestSynchronize_ReservedNames(t *testing.T) {
	t.Run("Source Temp File Is Not Mirrored", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, "pgl-sync-1.tmp"), "x", time.Now())

		stats, err := newTestSyncer(t, nil).Synchronize(context.Background(), src, trg)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if stats.FilesCopied != 0 || pathExists(t, filepath.Join(trg, "pgl-sync-1.tmp")) {
			t.Errorf("expected the temp-named file to be skipped, but got %+v", stats)
		}
	})

	t.Run("Root Lock File Is Skipped When Locking", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, lockfile.LockFileName), "foreign lock", time.Now())
		createFile(t, filepath.Join(src, "nested", lockfile.LockFileName), "plain file", time.Now())
		createFile(t, filepath.Join(trg, lockfile.LockFileName), "live lock", time.Now().Add(-time.Hour))

		syncer := newTestSyncer(t, func(c *config.Config) { c.LockTarget = true })
		stats, err := syncer.Synchronize(context.Background(), src, trg)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if got := getFileContent(t, filepath.Join(trg, lockfile.LockFileName)); got != "live lock" {
			t.Errorf("expected the target lock to be untouched, but got %q", got)
		}
		if !pathExists(t, filepath.Join(trg, "nested", lockfile.LockFileName)) {
			t.Error("expected a nested file with the lock name to be copied")
		}
		if stats.FilesCopied != 1 {
			t.Errorf("expected 1 file copied, but got %d", stats.FilesCopied)
		}
	})

	t.Run("Root Lock File Is Copied Without Locking", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		createFile(t, filepath.Join(src, lockfile.LockFileName), "plain file", time.Now())

		syncer := newTestSyncer(t, func(c *config.Config) { c.LockTarget = false })
		if _, err := syncer.Synchronize(context.Background(), src, trg); err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if !pathExists(t, filepath.Join(trg, lockfile.LockFileName)) {
			t.Error("expected the file to be copied when the target is not locked")
		}
	})
}
