// Package serrors provides semantic error kinds used across the batch
// processor. A kind is a comparable sentinel that classifies a failure
// (transport, rate limited, bad row, ...) while still carrying an arbitrary
// message and an optional wrapped cause. Everything composes with
// errors.Is/errors.As.
package serrors

import (
	"errors"
	"fmt"
)

// Kind is a marker interface implemented by all semantic error kinds created
// with NewKind. It distinguishes semantic kinds from ordinary errors.
type Kind interface {
	error
	isKind()
}

type kind struct{ s string }

func (k kind) Error() string { return k.s }
func (k kind) isKind()       {}

// NewKind creates a new semantic error kind (a sentinel) with the provided
// name. Kinds are comparable and match through the Error wrapper via
// errors.Is/As.
func NewKind(name string) Kind { return kind{s: name} }

// Kinds covering the failure classes of a batch run.
var (
	// ErrTransport indicates the request never produced an HTTP response
	// (connection refused, DNS, TLS, timeout).
	ErrTransport = NewKind("TRANSPORT")
	// ErrRateLimited indicates the upstream returned 429 past the retry budget.
	ErrRateLimited = NewKind("RATE_LIMITED")
	// ErrBadRequest indicates a malformed row or missing required field; no
	// upstream call was made.
	ErrBadRequest = NewKind("BAD_REQUEST")
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = NewKind("NOT_FOUND")
	// ErrConflict indicates a state conflict.
	ErrConflict = NewKind("CONFLICT")
	// ErrUnavailable indicates a transient resource problem (e.g. the store's
	// write lock was held by another worker).
	ErrUnavailable = NewKind("UNAVAILABLE")
	// ErrInternal indicates a programming error or corrupted state.
	ErrInternal = NewKind("INTERNAL")
)

// Error is a semantic error carrying a kind, an optional wrapped cause and an
// optional message. errors.Is matches either the kind sentinel or the cause;
// errors.As traverses both.
type Error struct {
	kind Kind
	err  error
	msg  string
}

// With constructs a semantic error with the given kind and message.
func With(k Kind, msgFmt string, args ...any) *Error {
	return &Error{kind: k, msg: fmt.Sprintf(msgFmt, args...)}
}

// Wrap constructs a semantic error with the given kind that wraps a concrete
// cause and adds a message.
func Wrap(k Kind, err error, msgFmt string, args ...any) *Error {
	return &Error{kind: k, err: err, msg: fmt.Sprintf(msgFmt, args...)}
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return "<nil>"
	case e.msg != "" && e.err != nil:
		return e.msg + ": " + e.err.Error()
	case e.msg != "":
		return e.msg
	case e.err != nil:
		return e.err.Error()
	case e.kind != nil:
		return e.kind.Error()
	default:
		return "unknown error"
	}
}

// Unwrap returns the wrapped cause, enabling errors.Unwrap/Is/As traversal.
func (e *Error) Unwrap() error { return e.err }

// Is matches against either the kind sentinel or the wrapped cause.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return e == nil && target == nil
	}
	if e.kind != nil && errors.Is(e.kind, target) {
		return true
	}
	if e.err != nil && errors.Is(e.err, target) {
		return true
	}

	return false
}

// As matches type assertions against either the kind sentinel or the wrapped
// cause.
func (e *Error) As(target any) bool {
	if e == nil || target == nil {
		return false
	}
	if e.kind != nil && errors.As(e.kind, target) {
		return true
	}
	if e.err != nil && errors.As(e.err, target) {
		return true
	}

	return false
}

// Kind returns the semantic kind sentinel associated with this error, or nil.
func (e *Error) Kind() Kind { return e.kind }

// Message returns the message attached to this error.
func (e *Error) Message() string { return e.msg }
