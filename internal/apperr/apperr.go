// Package apperr defines the typed error kinds the domain layer returns.
// The HTTP edge maps kinds to status codes; background jobs record the
// message and continue.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindConflict
	KindGone
	KindNotFound
	KindUnavailable
	KindTransient
)

type Error struct {
	Kind    Kind
	Msg     string
	Fields  map[string]string // field-level reasons for validation failures
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.wrapped)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.wrapped }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, wrapped: err}
}

func Validation(msg string) *Error  { return New(KindValidation, msg) }
func Conflict(msg string) *Error    { return New(KindConflict, msg) }
func Gone(msg string) *Error        { return New(KindGone, msg) }
func NotFound(msg string) *Error    { return New(KindNotFound, msg) }
func Unavailable(msg string) *Error { return New(KindUnavailable, msg) }

// ValidationFields builds a validation error carrying per-field reasons.
func ValidationFields(msg string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Msg: msg, Fields: fields}
}

// KindOf returns the kind of err, or 0 when err is not a typed error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
