// Package errs defines the error kinds the fabric surfaces to callers and
// the retryability classification used by every retry loop.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindConfigInvalid
	KindNotInitialized
	KindConnection
	KindTimeout
	KindThrottled
	KindNotFound
	KindConflict
	KindPermissionDenied
	KindSessionExpired
	KindSessionDuplicated
	KindSessionBlocked
	KindCircuitOpen
	KindDeadLetter
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "config_invalid"
	case KindNotInitialized:
		return "not_initialized"
	case KindConnection:
		return "connection_error"
	case KindTimeout:
		return "timeout"
	case KindThrottled:
		return "throttled"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPermissionDenied:
		return "permission_denied"
	case KindSessionExpired:
		return "session_expired"
	case KindSessionDuplicated:
		return "session_duplicated"
	case KindSessionBlocked:
		return "session_blocked"
	case KindCircuitOpen:
		return "circuit_open"
	case KindDeadLetter:
		return "dead_letter"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Kind() Kind { return e.kind }

// New creates a kinded error with no cause.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Newf creates a kinded error from a format string.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. Wrapping nil returns nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}

// KindOf extracts the kind of err, walking the wrap chain.
// Plain context and net errors classify as Timeout/Connection so retry
// loops treat raw driver errors the same as wrapped ones.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	return KindUnknown
}

// Retryable reports whether err is a transient failure worth retrying.
// Connection errors, timeouts and throttling retry; everything else,
// including circuit-open, fails immediately.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindTimeout, KindThrottled:
		return true
	}
	return false
}

// IsNotFound reports whether err is a NotFound, for callers that treat the
// entity as optional.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
