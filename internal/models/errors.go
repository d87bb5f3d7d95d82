package models

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these to classify any error returned by
// the engine, the repositories or the service.
var (
	ErrValidation  = errors.New("validation error")
	ErrConflict    = errors.New("conflict")
	ErrConcurrency = errors.New("concurrent modification")
	ErrIntegrity   = errors.New("integrity violation")
	ErrNotFound    = errors.New("not found")
)

// Error carries a kind plus the detail needed to correct the input.
type Error struct {
	Kind    error
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%v: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// ValidationError rejects invalid input before any write.
func ValidationError(field, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError rejects a request that is valid but not applicable to the current state.
func ConflictError(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

// ConcurrencyError reports a stale snapshot; callers may retry.
func ConcurrencyError(format string, args ...any) error {
	return &Error{Kind: ErrConcurrency, Message: fmt.Sprintf(format, args...)}
}

// IntegrityError reports a broken schedule invariant. It always aborts the
// enclosing transaction.
func IntegrityError(format string, args ...any) error {
	return &Error{Kind: ErrIntegrity, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing sale or installment.
func NotFoundError(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}
