package rpc

import (
	"errors"
	"fmt"
)

const (
	CategoryProcedureNotFound  = "procedure_not_found"
	CategoryTargetUnreachable  = "target_unreachable"
	CategoryTimedOut           = "timed_out"
	CategoryHandlerException   = "handler_exception"
	CategorySerializationError = "serialization_error"
)

// Error is a categorized relay failure. It travels across frames in error
// envelopes, so the category survives the round trip.
type Error struct {
	Category string
	Detail   string
}

var (
	ErrProcedureNotFound  = &Error{Category: CategoryProcedureNotFound}
	ErrTargetUnreachable  = &Error{Category: CategoryTargetUnreachable}
	ErrTimedOut           = &Error{Category: CategoryTimedOut}
	ErrHandlerException   = &Error{Category: CategoryHandlerException}
	ErrSerializationError = &Error{Category: CategorySerializationError}
)

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return "rpc: " + e.Category
	}

	return fmt.Sprintf("rpc: %s: %s", e.Category, e.Detail)
}

// Is matches any *Error of the same category, so errors.Is(err, ErrTimedOut)
// holds regardless of detail.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Category == other.Category
}

// NewError creates a categorized relay error.
func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

func newErrorf(category string, format string, args ...any) *Error {
	return &Error{Category: category, Detail: fmt.Sprintf(format, args...)}
}

// CategoryFromError returns the relay category of err. Errors that did not
// originate in the relay are reported as handler exceptions.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return CategoryHandlerException
}
