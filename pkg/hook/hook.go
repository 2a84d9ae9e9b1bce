// Package hook runs user-configured shell commands after a run changed the target,
// e.g. to flush or eject a removable volume.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

var ErrNothingToExecute = errors.New("nothing to execute")

// Env describes the run the commands react to. It is exported to every command
// as PGL_SYNC_* environment variables.
type Env struct {
	Source         string
	Target         string
	FilesCopied    int64
	FoldersCreated int64
}

func (e Env) vars() []string {
	return []string{
		"PGL_SYNC_SOURCE=" + e.Source,
		"PGL_SYNC_TARGET=" + e.Target,
		"PGL_SYNC_FILES_COPIED=" + strconv.FormatInt(e.FilesCopied, 10),
		"PGL_SYNC_FOLDERS_CREATED=" + strconv.FormatInt(e.FoldersCreated, 10),
	}
}

type Executor struct {
	commands []string
	failFast bool
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewExecutor creates an Executor for the given commands. With failFast the first
// failing command stops the remaining ones.
func NewExecutor(commands []string, failFast bool, commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Executor {
	return &Executor{
		commands:       commands,
		failFast:       failFast,
		commandContext: commandContext,
	}
}

// RunPostSync executes the commands in order.
func (e *Executor) RunPostSync(ctx context.Context, env Env) error {
	if len(e.commands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info("Running post-sync commands", "count", len(e.commands))

	var failed []error
	for _, hookCommand := range e.commands {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		plog.Info("Executing command", "command", hookCommand)
		cmd := e.createCommand(ctx, hookCommand)
		base := cmd.Env
		if base == nil {
			base = os.Environ()
		}
		cmd.Env = append(base, env.vars()...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// A killed command reports its exit status; the cancellation is the real cause.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = fmt.Errorf("command '%s' failed: %w", hookCommand, err)
			if e.failFast {
				return err
			}
			plog.Warn("Post-sync command failed", "command", hookCommand, "error", err)
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}
