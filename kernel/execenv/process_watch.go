package execenv

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"
)

var errIdleTimeout = errors.New("process idle timeout exceeded")

const idlePollInterval = 250 * time.Millisecond

// activityWriter stamps the time of the last byte a process wrote, so
// the watcher can tell a quiet process from a hung one.
type activityWriter struct {
	buffer     *bytes.Buffer
	lastOutput *atomic.Int64
}

func (w *activityWriter) Write(p []byte) (int, error) {
	if w.lastOutput != nil {
		w.lastOutput.Store(time.Now().UnixNano())
	}
	if w.buffer == nil {
		return len(p), nil
	}
	return w.buffer.Write(p)
}

func (w *activityWriter) idleFor() time.Duration {
	if w == nil || w.lastOutput == nil {
		return 0
	}
	return time.Since(time.Unix(0, w.lastOutput.Load()))
}

// waitWithIdleTimeout reaps cmd, killing it on context cancellation or
// when it produces no output for longer than idleTimeout. An idleTimeout
// of zero disables the idle check.
func waitWithIdleTimeout(ctx context.Context, cmd *exec.Cmd, idleTimeout time.Duration, lastOutput *atomic.Int64) error {
	if cmd == nil {
		return errors.New("nil command")
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	reap := func(outcome error) error {
		_ = killProcess(cmd)
		<-done
		return outcome
	}

	var idleTick <-chan time.Time
	if idleTimeout > 0 {
		ticker := time.NewTicker(idlePollInterval)
		defer ticker.Stop()
		idleTick = ticker.C
	}
	watch := &activityWriter{lastOutput: lastOutput}

	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return reap(ctx.Err())
		case <-idleTick:
			if lastOutput != nil && watch.idleFor() > idleTimeout {
				return reap(errIdleTimeout)
			}
		}
	}
}

// killProcess takes down the whole process group, so children spawned by
// shells or "go run" cannot keep the output pipes open.
func killProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return cmd.Process.Kill()
}
