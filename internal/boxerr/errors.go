// Package boxerr defines the error kinds shared across boxhost's core
// components (spec §7). Every component wraps a Kind with fmt.Errorf's
// %w so callers can errors.Is/errors.As regardless of which package
// raised it.
package boxerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories from §7.
type Kind int

const (
	KindNotFound Kind = iota
	KindForbidden
	KindPathTraversal
	KindValidation
	KindPayloadTooLarge
	KindConflict
	KindBackend
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindForbidden:
		return "Forbidden"
	case KindPathTraversal:
		return "PathTraversal"
	case KindValidation:
		return "Validation"
	case KindPayloadTooLarge:
		return "PayloadTooLarge"
	case KindConflict:
		return "Conflict"
	case KindBackend:
		return "Backend"
	default:
		return "Internal"
	}
}

// Error is a typed, wrappable failure carrying one of the Kind values.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, boxerr.NotFound) match any *Error of that Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == ""
}

func new(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// Sentinels usable with errors.Is (Msg left empty so Is matches by Kind only).
var (
	NotFound       = new(KindNotFound, "")
	Forbidden      = new(KindForbidden, "")
	PathTraversal  = new(KindPathTraversal, "")
	Validation     = new(KindValidation, "")
	PayloadTooLarge = new(KindPayloadTooLarge, "")
	Conflict       = new(KindConflict, "")
	Backend        = new(KindBackend, "")
	Internal       = new(KindInternal, "")
)

// Newf builds a Kind error with a formatted message, optionally wrapping err.
func Newf(kind Kind, err error, format string, a ...any) *Error {
	msg := format
	if len(a) > 0 {
		msg = fmt.Sprintf(format, a...)
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// OfKind reports whether err (or something it wraps) carries the given Kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
