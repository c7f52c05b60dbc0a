package execenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"
)

// hostFileSystem forwards every operation to the os package.
type hostFileSystem struct{}

func newHostFileSystem() FileSystem { return hostFileSystem{} }

func (hostFileSystem) Getwd() (string, error)            { return os.Getwd() }
func (hostFileSystem) UserHomeDir() (string, error)      { return os.UserHomeDir() }
func (hostFileSystem) Open(path string) (fs.File, error) { return os.Open(path) }

func (hostFileSystem) ReadDir(path string) ([]os.DirEntry, error) { return os.ReadDir(path) }
func (hostFileSystem) Stat(path string) (os.FileInfo, error)      { return os.Stat(path) }
func (hostFileSystem) ReadFile(path string) ([]byte, error)       { return os.ReadFile(path) }

func (hostFileSystem) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (hostFileSystem) WalkDir(root string, fn fs.WalkDirFunc) error {
	return filepath.WalkDir(root, fn)
}

// nonInteractiveEnv is appended to the inherited environment so commands
// cannot block on pagers, credential prompts, or terminal feature probes.
var nonInteractiveEnv = []string{
	"CI=1",
	"TERM=dumb",
	"GIT_TERMINAL_PROMPT=0",
	"PAGER=cat",
	"NO_COLOR=1",
}

type hostRunner struct{}

func newHostRunner() CommandRunner { return hostRunner{} }

func (hostRunner) Run(ctx context.Context, req CommandRequest) (CommandResult, error) {
	runCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	var stdout, stderr bytes.Buffer
	var lastOutput atomic.Int64
	lastOutput.Store(time.Now().UnixNano())

	cmd := shellCommand(runCtx, req)
	cmd.Stdout = &activityWriter{buffer: &stdout, lastOutput: &lastOutput}
	cmd.Stderr = &activityWriter{buffer: &stderr, lastOutput: &lastOutput}

	if err := cmd.Start(); err != nil {
		return CommandResult{}, fmt.Errorf("tool: command start failed: %w", err)
	}
	err := waitWithIdleTimeout(runCtx, cmd, req.IdleTimeout, &lastOutput)

	result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}
	result.ExitCode = resolveExitCode(err)
	return result, classifyRunError(ctx, runCtx, req, err, result.Stderr)
}

// shellCommand builds the bash invocation for one request. The process
// gets its own group so termination can reach any children it spawns.
func shellCommand(ctx context.Context, req CommandRequest) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "bash", "-lc", req.Command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.Env = append(os.Environ(), nonInteractiveEnv...)
	return cmd
}

// classifyRunError maps a wait failure to a coded error so callers can
// tell timeouts, interrupts, and ordinary nonzero exits apart.
func classifyRunError(ctx, runCtx context.Context, req CommandRequest, err error, stderr string) error {
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		label := "context deadline"
		if req.Timeout > 0 {
			label = req.Timeout.String()
		}
		return WrapCodedError(ErrorCodeCommandTimeout, err,
			"tool: command timed out after %s; stderr=%s", label, stderr)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return WrapCodedError(ErrorCodeInterrupted, err, "tool: command interrupted")
	case errors.Is(err, errIdleTimeout):
		label := "idle limit"
		if req.IdleTimeout > 0 {
			label = req.IdleTimeout.String()
		}
		return WrapCodedError(ErrorCodeCommandIdleTimeout, err,
			"tool: command produced no output for %s and was terminated (likely interactive/long-running); stderr=%s", label, stderr)
	default:
		return fmt.Errorf("tool: command failed: %w; stderr=%s", err, stderr)
	}
}

func resolveExitCode(err error) int {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return -1
	}
	return status.ExitStatus()
}
