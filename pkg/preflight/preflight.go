// Package preflight provides the checks that run before a synchronization
// begins. The checks are stateless and idempotent: they look at the
// filesystem without changing it, so that a run can be refused before the
// first directory is created on a volume that is not really there.
package preflight

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pgl-sync/pkg/config"
)

var (
	// ErrSourceNotFound is returned when the source root does not currently exist.
	ErrSourceNotFound = errors.New("source not found")
	// ErrTargetNotFound is returned when the target root does not currently exist.
	ErrTargetNotFound = errors.New("target not found")
)

// CheckSourceAccessible validates that the source path exists and is a directory.
func CheckSourceAccessible(srcPath string) error {
	return checkDirAccessible(srcPath, "source", ErrSourceNotFound)
}

// CheckTargetAccessible validates that the target path exists and is a directory.
// A scheduled run never creates the target root: an absent target usually
// means the volume is unplugged.
func CheckTargetAccessible(targetPath string) error {
	if err := checkVolumeExists(targetPath); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTargetNotFound, targetPath, err)
	}
	return checkDirAccessible(targetPath, "target", ErrTargetNotFound)
}

func checkDirAccessible(path, role string, notFound error) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s directory %s does not exist", notFound, role, path)
		}
		return fmt.Errorf("cannot stat %s directory %s: %w", role, path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s path %s is not a directory", role, path)
	}
	return nil
}

// CheckMounted refuses paths that look like an empty mount point of an
// unplugged volume. On Unix this means the path lives on the same device as
// "/" (paths inside the user's home directory are exempt); on Windows the
// volume root must exist.
func CheckMounted(path string) error {
	return platformCheckMounted(path)
}

// Availability is the result of probing both roots.
type Availability struct {
	SourcePresent bool
	TargetPresent bool
}

// Both reports whether a run can be attempted.
func (a Availability) Both() bool {
	return a.SourcePresent && a.TargetPresent
}

func (a Availability) String() string {
	return fmt.Sprintf("source=%s target=%s", presence(a.SourcePresent), presence(a.TargetPresent))
}

func presence(ok bool) string {
	if ok {
		return "present"
	}
	return "absent"
}

// Validator bundles the checks that gate a run.
type Validator struct {
	requireMountedTarget bool
	checkMounted         func(path string) error
	probes               singleflight.Group
}

// NewValidator creates a Validator. When requireMountedTarget is set, the
// target only counts as present once CheckMounted accepts it.
func NewValidator(requireMountedTarget bool) *Validator {
	return &Validator{
		requireMountedTarget: requireMountedTarget,
		checkMounted:         CheckMounted,
	}
}

// Probe reports which roots are currently usable. It applies the same target
// checks as Validate, so an empty mount point of an unplugged volume is
// reported as absent. Concurrent probes of the same roots share a single round
// of stat calls.
func (v *Validator) Probe(roots config.Roots) Availability {
	key := roots.Source + "\x00" + roots.Target
	res, _, _ := v.probes.Do(key, func() (any, error) {
		return Availability{
			SourcePresent: CheckSourceAccessible(roots.Source) == nil,
			TargetPresent: v.checkTarget(roots.Target) == nil,
		}, nil
	})
	return res.(Availability)
}

// Validate runs the full set of checks before a run and returns the first failure.
func (v *Validator) Validate(roots config.Roots) error {
	if err := CheckSourceAccessible(roots.Source); err != nil {
		return err
	}
	return v.checkTarget(roots.Target)
}

func (v *Validator) checkTarget(target string) error {
	if err := CheckTargetAccessible(target); err != nil {
		return err
	}
	if v.requireMountedTarget {
		if err := v.checkMounted(target); err != nil {
			return err
		}
	}
	return nil
}
