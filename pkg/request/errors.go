package request

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"
)

const (
	ErrorNetwork     = "network_error"
	ErrorStatus      = "status_error"
	ErrorDecode      = "decode_error"
	ErrorCircuitOpen = "circuit_open"
)

// Error is a categorized request failure delivered through the error event.
type Error struct {
	Category string
	Status   int
	Detail   string
	Err      error
}

var (
	ErrNetwork     = &Error{Category: ErrorNetwork}
	ErrStatus      = &Error{Category: ErrorStatus}
	ErrDecode      = &Error{Category: ErrorDecode}
	ErrCircuitOpen = &Error{Category: ErrorCircuitOpen}
)

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Category
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}

	return "request: " + msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same category.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok || e == nil || other == nil {
		return false
	}
	return e.Category == other.Category
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrorCircuitOpen
	}

	// Transport failures, deadlines and cancellations.
	return ErrorNetwork
}

// classify turns any failure from the breaker-wrapped round trip into *Error.
func classify(err error) *Error {
	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized
	}

	return &Error{Category: CategoryFromError(err), Detail: err.Error(), Err: err}
}
