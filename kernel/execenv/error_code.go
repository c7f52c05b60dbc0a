package execenv

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a stable machine-readable code for kernel runtime/execution errors.
type ErrorCode string

const (
	ErrorCodeUnknownTool        ErrorCode = "ERR_UNKNOWN_TOOL"
	ErrorCodePermissionDenied   ErrorCode = "ERR_PERMISSION_DENIED"
	ErrorCodeInterrupted        ErrorCode = "ERR_INTERRUPTED"
	ErrorCodeCommandTimeout     ErrorCode = "ERR_COMMAND_TIMEOUT"
	ErrorCodeCommandIdleTimeout ErrorCode = "ERR_COMMAND_IDLE_TIMEOUT"
	ErrorCodeToolFailure        ErrorCode = "ERR_TOOL_FAILURE"
	ErrorCodeProvider           ErrorCode = "ERR_PROVIDER"
	ErrorCodeSessionBusy        ErrorCode = "ERR_SESSION_BUSY"
	ErrorCodeApprovalAborted    ErrorCode = "ERR_APPROVAL_ABORTED"
)

// CodedError exposes a stable code for programmatic handling.
type CodedError interface {
	error
	Code() ErrorCode
}

type codedError struct {
	code    ErrorCode
	message string
	cause   error
}

func (e *codedError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.message)
	switch {
	case e.cause == nil:
		return msg
	case msg == "":
		return e.cause.Error()
	default:
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
}

func (e *codedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func (e *codedError) Code() ErrorCode {
	if e == nil {
		return ""
	}
	return e.code
}

// NewCodedError creates a coded error with formatted message.
func NewCodedError(code ErrorCode, format string, args ...any) error {
	return WrapCodedError(code, nil, format, args...)
}

// WrapCodedError wraps an existing cause with a stable error code.
func WrapCodedError(code ErrorCode, cause error, format string, args ...any) error {
	return &codedError{
		code:    code,
		message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// ErrorCodeOf extracts a stable code from one error chain, or empty.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

// ApprovalAbortedError means the user declined an approval request and the
// run should stop instead of continuing with the action denied.
type ApprovalAbortedError struct {
	Reason string
}

func (e *ApprovalAbortedError) Error() string {
	if e == nil || strings.TrimSpace(e.Reason) == "" {
		return "execenv: approval aborted"
	}
	return "execenv: approval aborted: " + e.Reason
}

func (e *ApprovalAbortedError) Code() ErrorCode {
	return ErrorCodeApprovalAborted
}

// IsApprovalAborted reports whether err carries an approval abort.
func IsApprovalAborted(err error) bool {
	var target *ApprovalAbortedError
	return errors.As(err, &target)
}
