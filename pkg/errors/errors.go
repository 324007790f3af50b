// Package errors is the runtime's typed error taxonomy. Every failure a
// caller may branch on carries a Code naming its disposition, so the
// branch is a code comparison instead of string matching.
package errors

import (
	"errors"
	"fmt"
)

// Code names a failure disposition.
type Code string

const (
	// CodeConfig marks configuration load or migration failures; fatal at
	// startup.
	CodeConfig Code = "CONFIG"

	// CodeSpawnFailed marks a tool-server spawn that failed. Sticky: the
	// server stays failed until explicitly reset.
	CodeSpawnFailed Code = "SPAWN_FAILED"

	// CodeServerDead marks a broken pipe to a running tool server. The
	// call fails and the server will not be restarted automatically.
	CodeServerDead Code = "SERVER_DEAD"

	// CodeToolTimeout marks a tool call that exceeded its per-server
	// deadline.
	CodeToolTimeout Code = "TOOL_TIMEOUT"

	// CodeNotFound marks a lookup miss (unknown server, unknown tool).
	CodeNotFound Code = "NOT_FOUND"

	// CodeInvalidInput marks a request the runtime refused to act on.
	CodeInvalidInput Code = "INVALID_INPUT"
)

// Error pairs a Code with its message and optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error from a format string.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
