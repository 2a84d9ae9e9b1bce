//go:build windows

package preflight

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows"
)

// checkVolumeExists verifies that the drive or network share root for a given path exists.
// For example, for "Z:\sync", it checks if "Z:\" is a known volume.
func checkVolumeExists(path string) error {
	volume := filepath.VolumeName(path)
	if volume == "" {
		return nil
	}

	checkVol := volume
	if !strings.HasSuffix(checkVol, string(filepath.Separator)) {
		checkVol += string(filepath.Separator)
	}

	p, err := windows.UTF16PtrFromString(checkVol)
	if err != nil {
		return fmt.Errorf("invalid volume %s: %w", checkVol, err)
	}
	if windows.GetDriveType(p) == windows.DRIVE_NO_ROOT_DIR {
		return fmt.Errorf("volume root does not exist: %s. Ensure the drive is connected", checkVol)
	}
	return nil
}

// platformCheckMounted on Windows is the volume check, there are no ghost mount points.
func platformCheckMounted(path string) error {
	return checkVolumeExists(path)
}
