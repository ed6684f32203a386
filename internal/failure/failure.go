// Package failure defines the typed error codes shared by the session engines.
// Codes are strings so they read well in logs and compare cheaply.
package failure

import (
	"errors"
	"fmt"
)

// Code identifies one failure condition.
type Code string

const (
	// CodeMalformedMessage indicates a frame that is neither a valid command nor a binary chunk.
	CodeMalformedMessage Code = "MALFORMED_MESSAGE"

	// CodeUnmatchedReply indicates a reply whose echoed identifier matches no pending round.
	CodeUnmatchedReply Code = "UNMATCHED_REPLY"

	// CodePrematureTransfer indicates a chunk or finish command with no prepared transfer.
	CodePrematureTransfer Code = "PREMATURE_TRANSFER_COMMAND"

	// CodeTimeout indicates a round-trip that never completed.
	CodeTimeout Code = "TIMEOUT"

	// CodeChannelClosed indicates the underlying channel is gone.
	CodeChannelClosed Code = "CHANNEL_CLOSED"

	// CodeSizeMismatch indicates a finished transfer whose received length differs from the announced size.
	CodeSizeMismatch Code = "SIZE_MISMATCH"

	// CodeInvalidState indicates a local request that the current session state does not allow.
	CodeInvalidState Code = "INVALID_STATE"

	// CodeInvalidConfig indicates a tuning value that cannot work.
	CodeInvalidConfig Code = "INVALID_CONFIGURATION"
)

// Error carries a Code, the operation that failed and an optional cause.
type Error struct {
	Code Code
	Op   string
	Err  error
}

// New returns a *Error for op with the given code and cause.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(code Code, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return string(e.Code)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same code, so that
// errors.Is(err, failure.ErrTimeout) works regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrMalformedMessage  = &Error{Code: CodeMalformedMessage}
	ErrUnmatchedReply    = &Error{Code: CodeUnmatchedReply}
	ErrPrematureTransfer = &Error{Code: CodePrematureTransfer}
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrChannelClosed     = &Error{Code: CodeChannelClosed}
	ErrSizeMismatch      = &Error{Code: CodeSizeMismatch}
	ErrInvalidState      = &Error{Code: CodeInvalidState}
	ErrInvalidConfig     = &Error{Code: CodeInvalidConfig}
)

// CodeOf extracts the Code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
