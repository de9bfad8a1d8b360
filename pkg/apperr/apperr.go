// Package apperr defines the billing error taxonomy shared by services and
// the HTTP layer. Every domain error carries a Kind that decides how it is
// surfaced; callers match on kinds or on sentinel values with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindNotFound            Kind = "not_found"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindInvalidState        Kind = "invalid_state"
	KindExternalProcessor   Kind = "external_processor_error"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindDuplicatePeriod     Kind = "duplicate_period"
	KindJobAlreadyRun       Kind = "job_already_run"
	KindInternal            Kind = "internal_error"
)

// Kind sentinels. errors.Is(err, ErrNotFound) reports true for every error of
// that kind, regardless of its code.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrExternalProcessor   = &Error{Kind: KindExternalProcessor}
	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict}
	ErrDuplicatePeriod     = &Error{Kind: KindDuplicatePeriod}
	ErrJobAlreadyRun       = &Error{Kind: KindJobAlreadyRun}
)

// Error is a classified error. Code is a stable snake_case identifier,
// Message is safe to return to API callers.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Field   string
	Err     error
}

func New(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind while keeping it reachable through Unwrap.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func Validation(field, code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Field: field, Message: message}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Code
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Message != "" {
		msg = msg + ": " + e.Message
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches kind sentinels (no code) by kind and coded errors by kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// WithMessage returns a copy of e carrying a caller-facing message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first classified error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Code != "" {
			return e.Code
		}
		return string(e.Kind)
	}
	return string(KindInternal)
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
