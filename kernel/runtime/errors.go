package runtime

import (
	"errors"
	"fmt"

	toolexec "github.com/OnslaughtSnail/virga/kernel/execenv"
)

// SessionBusyError is returned when a prompt lands on a session whose
// previous run has not finished yet. Callers should retry after the
// active run completes rather than queue a second one.
type SessionBusyError struct {
	AppName   string
	UserID    string
	SessionID string
}

func (e *SessionBusyError) Error() string {
	if e == nil {
		return "runtime: session has an active run"
	}
	return fmt.Sprintf("runtime: session %q already has an active run (app=%q user=%q)", e.SessionID, e.AppName, e.UserID)
}

func (e *SessionBusyError) Code() toolexec.ErrorCode {
	return toolexec.ErrorCodeSessionBusy
}

// IsSessionBusy reports whether err wraps a SessionBusyError.
func IsSessionBusy(err error) bool {
	var busy *SessionBusyError
	return errors.As(err, &busy)
}
