package errorx

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrType is the wire-level error classification carried in the "type" field
// of a result frame.
type ErrType string

const (
	TypeMethodNotFound    ErrType = "MethodNotFound"
	TypeValidationError   ErrType = "ValidationError"
	TypeUnauthorized      ErrType = "Unauthorized"
	TypeForbidden         ErrType = "Forbidden"
	TypeNotFound          ErrType = "NotFound"
	TypeConflict          ErrType = "Conflict"
	TypeLockQueueFull     ErrType = "LockQueueFull"
	TypeTooManyRequests   ErrType = "TooManyRequests"
	TypeTimeout           ErrType = "Timeout"
	TypeAborted           ErrType = "Aborted"
	TypeRemoteUnavailable ErrType = "RemoteUnavailable"
	TypeInternal          ErrType = "Internal"

	// TypeOverflow is only ever sent inside a nosub frame when a
	// subscription's outbound queue overran its bound.
	TypeOverflow ErrType = "Overflow"
)

// CallError is the structured error returned to callers. It is both a Go
// error and the JSON "error" object on the wire.
type CallError struct {
	Type   ErrType        `json:"type"`
	Reason string         `json:"reason"`
	Trace  string         `json:"trace,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Type, e.Reason)
}

// WithExtra attaches a key/value to the error's extra payload.
func (e *CallError) WithExtra(key string, value any) *CallError {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[key] = value
	return e
}

// New creates a CallError of the given type.
func New(t ErrType, format string, args ...any) *CallError {
	return &CallError{Type: t, Reason: fmt.Sprintf(format, args...)}
}

// MethodNotFound is returned when no method with the given name is registered.
func MethodNotFound(name string) *CallError {
	return New(TypeMethodNotFound, "method %q not found", name)
}

// Validation reports schema validation failures for the listed paths.
func Validation(reason string, paths []string) *CallError {
	e := New(TypeValidationError, "%s", reason)
	if len(paths) > 0 {
		e.WithExtra("paths", paths)
	}
	return e
}

// Unauthorized is returned when an unauthenticated session calls a method
// that requires authentication.
func Unauthorized() *CallError {
	return New(TypeUnauthorized, "not authenticated")
}

// Forbidden is returned when an authenticated session lacks every required role.
func Forbidden(method string) *CallError {
	return New(TypeForbidden, "not authorized to call %q", method)
}

// NotFound is returned by get-style queries that matched nothing.
func NotFound(format string, args ...any) *CallError {
	return New(TypeNotFound, format, args...)
}

// Conflict reports a failed precondition on mutable state.
func Conflict(format string, args ...any) *CallError {
	return New(TypeConflict, format, args...)
}

// LockQueueFull is returned when a job submission exceeds its lock's
// admission cap.
func LockQueueFull(key string) *CallError {
	return New(TypeLockQueueFull, "lock queue for %q is full", key)
}

// TooManyRequests is returned when a connection exceeds a method's rate
// limit window.
func TooManyRequests(method string) *CallError {
	return New(TypeTooManyRequests, "too many calls to %s; slow down", method)
}

// Timeout is returned when a call's deadline elapsed.
func Timeout(format string, args ...any) *CallError {
	return New(TypeTimeout, format, args...)
}

// Aborted is returned for cancelled calls and aborted jobs.
func Aborted(format string, args ...any) *CallError {
	return New(TypeAborted, format, args...)
}

// RemoteUnavailable is returned while the HA peer link is down.
func RemoteUnavailable(format string, args ...any) *CallError {
	return New(TypeRemoteUnavailable, format, args...)
}

// Internal wraps an unclassified failure. The trace is captured for the
// server log; it is stripped before the error crosses a public transport.
func Internal(err error) *CallError {
	return &CallError{
		Type:   TypeInternal,
		Reason: err.Error(),
		Trace:  string(debug.Stack()),
	}
}

// Convert coerces any error into a CallError. CallErrors pass through
// untouched; everything else collapses to Internal.
func Convert(err error) *CallError {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return Internal(err)
}

// Is reports whether err is a CallError of the given type.
func Is(err error, t ErrType) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Type == t
}
