//go:build !windows

package preflight

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// checkVolumeExists is a no-op on Unix, volumes are mounted into the single tree.
func checkVolumeExists(path string) error {
	return nil
}

func platformCheckMounted(path string) error {
	homeDir, _ := os.UserHomeDir()
	return checkMountedAgainst(path, "/", homeDir)
}

// checkMountedAgainst reports an error if path resides on the same device as
// rootPath. Paths below homeDir are accepted as intentional local targets.
func checkMountedAgainst(path, rootPath, homeDir string) error {
	if homeDir != "" && util.IsSubPath(homeDir, path) {
		return nil
	}

	rootDev, err := deviceID(rootPath)
	if err != nil {
		return fmt.Errorf("failed to stat root: %w", err)
	}
	pathDev, err := deviceID(path)
	if err != nil {
		return fmt.Errorf("failed to stat target path: %w", err)
	}

	if pathDev == rootDev && path != rootPath {
		return fmt.Errorf("path '%s' is on the root filesystem (system disk). "+
			"Ensure your external drive is mounted", path)
	}
	return nil
}

func deviceID(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Dev), nil
}
