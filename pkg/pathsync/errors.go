package pathsync

import "fmt"

// DirectoryCreateError reports a mirrored directory that could not be created.
// The run is aborted; directories and files synced before it stay in place.
type DirectoryCreateError struct {
	Path string
	Err  error
}

func (e *DirectoryCreateError) Error() string {
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *DirectoryCreateError) Unwrap() error { return e.Err }

// CopyError reports a file that could not be copied to the target.
type CopyError struct {
	Path string
	Err  error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("failed to copy %s: %v", e.Path, e.Err)
}

func (e *CopyError) Unwrap() error { return e.Err }
