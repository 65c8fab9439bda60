// Package fault is the error taxonomy shared by the core components. Every
// operation returns one of six kinds so the command layer can map errors to
// stable response shapes without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary mapping.
type Kind int

const (
	// KindInternal is the default for unexpected faults.
	KindInternal Kind = iota
	// KindNotFound: model, job, or file absent.
	KindNotFound
	// KindPermissionDenied: cross-user access or path escape.
	KindPermissionDenied
	// KindInvalidInput: malformed command or parameters.
	KindInvalidInput
	// KindConflict: model mid-load, job not in a cancellable state.
	KindConflict
	// KindTimeout: inference or training exceeded its bound.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindInvalidInput:
		return "invalid_input"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error is a kinded error. The original message is preserved for diagnostics.
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

// Kind returns the classification of e.
func (e *Error) Kind() Kind { return e.kind }

// New constructs an error of the given kind.
func New(kind Kind, msg string) error { return &Error{kind: kind, msg: msg} }

// Newf constructs a formatted error of the given kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, keeping it on the unwrap chain.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{kind: kind, msg: msg, err: err}
}

func NotFound(format string, args ...any) error {
	return Newf(KindNotFound, format, args...)
}

func PermissionDenied(format string, args ...any) error {
	return Newf(KindPermissionDenied, format, args...)
}

func InvalidInput(format string, args ...any) error {
	return Newf(KindInvalidInput, format, args...)
}

func Conflict(format string, args ...any) error {
	return Newf(KindConflict, format, args...)
}

func Timeout(format string, args ...any) error {
	return Newf(KindTimeout, format, args...)
}

func Internal(format string, args ...any) error {
	return Newf(KindInternal, format, args...)
}

// KindOf reports the kind of err, walking the unwrap chain. Errors that are
// not kinded classify as internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindInternal
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
