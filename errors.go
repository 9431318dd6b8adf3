package tormgr

import (
	"fmt"
)

// ErrorKind classifies tormgr errors for easier handling and retry decisions.
type ErrorKind string

// ErrorKind values classify tormgr errors by their category. These map
// directly onto the failure modes enumerated for the controller runtime:
// config validation, process supervision, the control-channel state
// machine, and the command scheduler.
const (
	// ErrInvalidConfig indicates Config validation failed at build time.
	ErrInvalidConfig ErrorKind = "invalid_config"
	// ErrNotReady indicates a command was submitted while the daemon is
	// not On.
	ErrNotReady ErrorKind = "not_ready"
	// ErrInterrupted indicates a pending job was cancelled by a
	// higher-priority lifecycle action.
	ErrInterrupted ErrorKind = "interrupted"
	// ErrCancelled indicates the caller cancelled the job.
	ErrCancelled ErrorKind = "cancelled"
	// ErrDisconnected indicates the session closed before the command
	// completed.
	ErrDisconnected ErrorKind = "disconnected"
	// ErrAuthFailed indicates tor rejected AUTHENTICATE.
	ErrAuthFailed ErrorKind = "auth_failed"
	// ErrTorBinaryNotFound indicates the tor executable could not be
	// located.
	ErrTorBinaryNotFound ErrorKind = "tor_binary_not_found"
	// ErrLaunchFailed indicates the tor process failed to spawn.
	ErrLaunchFailed ErrorKind = "launch_failed"
	// ErrReadinessTimeout indicates the control-port file did not appear
	// within the startup budget.
	ErrReadinessTimeout ErrorKind = "readiness_timeout"
	// ErrEarlyExit indicates the tor process exited before readiness.
	ErrEarlyExit ErrorKind = "early_exit"
	// ErrProtocolViolation indicates the codec detected a framing error.
	ErrProtocolViolation ErrorKind = "protocol_violation"
	// ErrTor4xx indicates tor returned a transient (4xx) error reply.
	ErrTor4xx ErrorKind = "tor_4xx"
	// ErrTor5xx indicates tor returned a permanent (5xx) error reply.
	ErrTor5xx ErrorKind = "tor_5xx"
	// ErrIO wraps generic I/O errors (reading cookie/control-port files).
	ErrIO ErrorKind = "io_error"
	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout ErrorKind = "timeout"
	// ErrUnknown is used when no specific classification is available.
	ErrUnknown ErrorKind = "unknown"
)

// Error wraps an underlying error with a Kind and an optional operation
// label so callers can branch on error type while retaining context. For
// ErrTor4xx/ErrTor5xx, Code and Text carry the numeric status line and its
// message as tor reported them.
type Error struct {
	// Kind classifies the error for programmatic handling.
	Kind ErrorKind
	// Op names the operation during which the error occurred.
	Op string
	// Msg carries an optional human-readable description.
	Msg string
	// Code is the tor status code for ErrTor4xx/ErrTor5xx errors.
	Code int
	// Text is the tor reply text for ErrTor4xx/ErrTor5xx errors.
	Text string
	// Err stores the wrapped underlying error.
	Err error
}

// Error returns a formatted string that includes Kind, Op, and the wrapped error.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	message := string(e.Kind)
	if e.Op != "" {
		message = fmt.Sprintf("%s: %s", e.Op, message)
	}
	if e.Code != 0 {
		message = fmt.Sprintf("%s: %d %s", message, e.Code, e.Text)
	}
	if e.Msg != "" {
		message = fmt.Sprintf("%s: %s", message, e.Msg)
	}
	if e.Err != nil {
		message = fmt.Sprintf("%s: %s", message, e.Err)
	}
	return message
}

// Unwrap exposes the underlying error for errors.Is / errors.As compatibility.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target has the same ErrorKind, enabling errors.Is checks.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	if e == nil {
		return false
	}
	return e.Kind != "" && e.Kind == te.Kind
}

// newError constructs an Error, defaulting Kind to ErrUnknown when empty.
func newError(kind ErrorKind, op, msg string, err error) *Error {
	if kind == "" {
		kind = ErrUnknown
	}
	return &Error{
		Kind: kind,
		Op:   op,
		Msg:  msg,
		Err:  err,
	}
}

// newTorReplyError constructs an ErrTor4xx/ErrTor5xx Error from a status
// code and its reply text, per the "2xx success, 4xx transient, 5xx
// permanent" classification in the control protocol.
func newTorReplyError(op string, code int, text string) *Error {
	kind := ErrTor5xx
	if code < 500 {
		kind = ErrTor4xx
	}
	return &Error{Kind: kind, Op: op, Code: code, Text: text}
}
