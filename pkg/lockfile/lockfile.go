// Package lockfile guards a sync target against two processes writing into it
// at the same time. The lock is a small JSON file in the target root that the
// holder refreshes periodically, so a crashed holder's lock eventually goes stale.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// LockFileName is the name of the lock file created in the target root.
// The '~' prefix marks it as temporary.
const LockFileName = ".~pgl-sync.lock"

// Holder identifies the process that owns a lock.
type Holder struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	AppID      string    `json:"appID"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce"`
}

// ErrLockActive is returned when the lock is held by someone else and is not stale.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	AppID     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("target is locked by PID %d on host '%s' (%s), last refreshed %s ago",
		e.PID, e.Hostname, e.AppID, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned when two processes try to take over the same stale lock
// and this one lost.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 30 * time.Second
	staleTimeout      = 3 * heartbeatInterval
	retryDelay        = 50 * time.Millisecond
)

// Lock is an acquired target lock. Release must be called exactly when the run ends.
type Lock struct {
	path   string
	holder Holder

	stop    chan struct{}
	done    chan struct{}
	release sync.Once
}

// Acquire creates the lock file in dirPath. It returns *ErrLockActive when a
// fresh lock exists, takes over stale or unreadable locks, and gives up after
// a few contended attempts.
func Acquire(ctx context.Context, dirPath, appID string) (*Lock, error) {
	path := filepath.Join(dirPath, LockFileName)

	const maxAttempts = 3
	for range maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		holder, err := newHolder(appID)
		if err != nil {
			return nil, err
		}

		err = createExclusive(path, holder)
		if err == nil {
			return start(path, holder), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		current, readErr := readHolderSettled(path)
		switch {
		case errors.Is(readErr, os.ErrNotExist):
			// Released between our create attempt and the read.
			continue
		case readErr != nil:
			plog.Warn("Found unreadable lock file, treating as stale", "path", path, "error", readErr)
		default:
			age := time.Since(current.LastUpdate)
			if age < staleTimeout {
				return nil, &ErrLockActive{PID: current.PID, Hostname: current.Hostname, AppID: current.AppID, TimeSince: age}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", current.PID, "host", current.Hostname, "age", age)
		}

		if err := takeover(path, holder); err != nil {
			if errors.Is(err, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying")
			} else {
				plog.Warn("Lock takeover failed, retrying", "error", err)
			}
			time.Sleep(retryDelay)
			continue
		}
		return start(path, holder), nil
	}
	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

// Release stops the heartbeat and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() {
	l.release.Do(func() {
		close(l.stop)
		<-l.done

		// Only remove the file if it is still ours, a takeover may have replaced it.
		if current, err := readHolder(l.path); err == nil && current.Nonce != l.holder.Nonce {
			plog.Warn("Lock was taken over by another process, leaving it in place", "path", l.path, "pid", current.PID)
			return
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
			return
		}
		plog.Debug("Lock released", "path", l.path)
	})
}

// Path returns the absolute path of the lock file.
func (l *Lock) Path() string { return l.path }

func start(path string, holder Holder) *Lock {
	l := &Lock{
		path:   path,
		holder: holder,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.heartbeat()
	return l
}

func (l *Lock) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.holder.LastUpdate = time.Now().UTC()
			if err := writeAtomic(l.path, l.holder); err != nil {
				plog.Warn("Heartbeat failed to refresh lock file", "path", l.path, "error", err)
			}
		}
	}
}

func newHolder(appID string) (Holder, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Holder{}, fmt.Errorf("failed to get hostname: %w", err)
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Holder{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return Holder{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		AppID:      appID,
		LastUpdate: time.Now().UTC(),
		Nonce:      hex.EncodeToString(nonce),
	}, nil
}

// createExclusive uses O_EXCL so only one creator can succeed.
func createExclusive(path string, holder Holder) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(holder, "", "  ")
	if err == nil {
		_, err = f.Write(data)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// takeover replaces a stale lock and reads it back to find out whether a
// concurrent takeover overwrote ours.
func takeover(path string, holder Holder) error {
	if err := writeAtomic(path, holder); err != nil {
		return err
	}
	current, err := readHolder(path)
	if err != nil {
		return fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if current.Nonce != holder.Nonce {
		return ErrLostRace
	}
	return nil
}

// writeAtomic writes to a temp file next to path and renames it into place,
// so readers never observe an empty lock file.
func writeAtomic(path string, holder Holder) error {
	data, err := json.MarshalIndent(holder, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp lock file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp lock file: %w", err)
	}
	return nil
}

func readHolder(path string) (Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return Holder{}, fmt.Errorf("corrupt lock file: %w", err)
	}
	return h, nil
}

// readHolderSettled retries reads of a lock file that is empty or partial,
// which happens while its creator is still writing it.
func readHolderSettled(path string) (Holder, error) {
	var err error
	for range 3 {
		var h Holder
		h, err = readHolder(path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return h, err
		}
		time.Sleep(retryDelay)
	}
	return Holder{}, err
}
