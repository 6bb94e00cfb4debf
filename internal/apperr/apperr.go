// Package apperr holds the error kinds shared by the marketplace services.
// Callers wrap a kind with context using fmt.Errorf("%w: ...") and the HTTP
// layer classifies with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("conflict")
	ErrPaymentFailed       = errors.New("payment failed")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUnauthenticated     = errors.New("unauthenticated")
)

func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func Forbidden(format string, args ...any) error {
	return wrap(ErrForbidden, format, args...)
}

func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Message strips the kind prefix so clients see only the detail.
func Message(err error) string {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrForbidden, ErrConflict, ErrPaymentFailed, ErrUpstreamUnavailable, ErrUnauthenticated} {
		prefix := kind.Error() + ": "
		if msg := err.Error(); len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
			return msg[len(prefix):]
		}
	}
	return err.Error()
}
