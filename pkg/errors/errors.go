// Package errors defines the failure taxonomy shared by every layer of the
// memory platform. Adapters map their backend-specific failures into these
// types once, at the boundary; callers branch on type, never on message text.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrValidation is returned when input fails schema or invariant checks
	ErrValidation = "validation"

	// ErrNotFound is returned when the target does not exist for this principal
	ErrNotFound = "not_found"

	// ErrConflict is returned on unique-key collision or stale write
	ErrConflict = "conflict"

	// ErrUnauthorized is returned when no credential or an invalid credential is presented
	ErrUnauthorized = "unauthorized"

	// ErrForbidden is returned when the credential is valid but the role is insufficient
	ErrForbidden = "forbidden"

	// ErrRateLimited is returned when an outbound quota is exhausted
	ErrRateLimited = "rate_limited"

	// ErrTimeout is returned when a deadline is exceeded
	ErrTimeout = "timeout"

	// ErrDependencyUnavailable is returned when a backend is down and the request cannot proceed
	ErrDependencyUnavailable = "dependency_unavailable"

	// ErrPartialSuccess is returned when the relational write is durable but the vector upsert failed
	ErrPartialSuccess = "partial_success"

	// ErrInternal is returned on invariant violation or unexpected adapter error
	ErrInternal = "internal"
)

// Error represents an error in the platform
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(message string, cause error) *Error {
	return NewError(ErrUnauthorized, message, cause)
}

// NewForbiddenError creates a new forbidden error
func NewForbiddenError(message string, cause error) *Error {
	return NewError(ErrForbidden, message, cause)
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string, cause error) *Error {
	return NewError(ErrRateLimited, message, cause)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *Error {
	return NewError(ErrTimeout, message, cause)
}

// NewDependencyUnavailableError creates a new dependency unavailable error
func NewDependencyUnavailableError(message string, cause error) *Error {
	return NewError(ErrDependencyUnavailable, message, cause)
}

// NewPartialSuccessError creates a new partial success error
func NewPartialSuccessError(message string, cause error) *Error {
	return NewError(ErrPartialSuccess, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// TypeOf returns the taxonomy type of err, or ErrInternal when err carries
// no platform type anywhere in its chain.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// IsType checks whether any error in the chain carries the given type.
func IsType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool { return IsType(err, ErrValidation) }

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool { return IsType(err, ErrNotFound) }

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool { return IsType(err, ErrConflict) }

// IsUnauthorized checks if the error is an unauthorized error
func IsUnauthorized(err error) bool { return IsType(err, ErrUnauthorized) }

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool { return IsType(err, ErrForbidden) }

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool { return IsType(err, ErrRateLimited) }

// IsTimeout checks if the error is a timeout error
func IsTimeout(err error) bool { return IsType(err, ErrTimeout) }

// IsDependencyUnavailable checks if the error is a dependency unavailable error
func IsDependencyUnavailable(err error) bool { return IsType(err, ErrDependencyUnavailable) }

// IsPartialSuccess checks if the error is a partial success error
func IsPartialSuccess(err error) bool { return IsType(err, ErrPartialSuccess) }

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool { return IsType(err, ErrInternal) }

// Retryable reports whether the failure is transient and a retry with
// backoff may succeed.
func Retryable(err error) bool {
	switch TypeOf(err) {
	case ErrRateLimited, ErrTimeout, ErrDependencyUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a platform error to the status code used at the API edge.
// partial_success maps to 200 because the write was durable; the response
// body carries the needs_reindex flag.
func HTTPStatus(err error) int {
	switch TypeOf(err) {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrDependencyUnavailable:
		return http.StatusServiceUnavailable
	case ErrPartialSuccess:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
