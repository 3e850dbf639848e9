package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err: &Error{
				Type:    ErrValidation,
				Message: "test message",
				Cause:   errors.New("underlying error"),
			},
			want: "validation: test message: underlying error",
		},
		{
			name: "error without cause",
			err: &Error{
				Type:    ErrNotFound,
				Message: "test message",
				Cause:   nil,
			},
			want: "not_found: test message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if got != tt.want {
				t.Errorf("Error.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := &Error{
		Type:    ErrInternal,
		Message: "test message",
		Cause:   cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("Error.Unwrap() = %v, want %v", got, cause)
	}

	errNoCause := &Error{
		Type:    ErrInternal,
		Message: "test message",
		Cause:   nil,
	}

	if got := errNoCause.Unwrap(); got != nil {
		t.Errorf("Error.Unwrap() = %v, want nil", got)
	}
}

func TestNewError(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewError(ErrValidation, "test message", cause)

	if err.Type != ErrValidation {
		t.Errorf("NewError().Type = %v, want %v", err.Type, ErrValidation)
	}
	if err.Message != "test message" {
		t.Errorf("NewError().Message = %v, want %v", err.Message, "test message")
	}
	if err.Cause != cause {
		t.Errorf("NewError().Cause = %v, want %v", err.Cause, cause)
	}
}

func TestConstructorsAndPredicates(t *testing.T) {
	tests := []struct {
		name      string
		construct func(string, error) *Error
		predicate func(error) bool
		wantType  string
	}{
		{"validation", NewValidationError, IsValidation, ErrValidation},
		{"not_found", NewNotFoundError, IsNotFound, ErrNotFound},
		{"conflict", NewConflictError, IsConflict, ErrConflict},
		{"unauthorized", NewUnauthorizedError, IsUnauthorized, ErrUnauthorized},
		{"forbidden", NewForbiddenError, IsForbidden, ErrForbidden},
		{"rate_limited", NewRateLimitedError, IsRateLimited, ErrRateLimited},
		{"timeout", NewTimeoutError, IsTimeout, ErrTimeout},
		{"dependency_unavailable", NewDependencyUnavailableError, IsDependencyUnavailable, ErrDependencyUnavailable},
		{"partial_success", NewPartialSuccessError, IsPartialSuccess, ErrPartialSuccess},
		{"internal", NewInternalError, IsInternal, ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.construct("msg", nil)
			if err.Type != tt.wantType {
				t.Errorf("constructor produced type %q, want %q", err.Type, tt.wantType)
			}
			if !tt.predicate(err) {
				t.Errorf("predicate for %q returned false for its own constructor", tt.wantType)
			}
			if TypeOf(err) != tt.wantType {
				t.Errorf("TypeOf() = %q, want %q", TypeOf(err), tt.wantType)
			}
		})
	}
}

func TestTypeOf_WrappedAndForeign(t *testing.T) {
	inner := NewNotFoundError("memory missing", nil)
	wrapped := fmt.Errorf("lookup failed: %w", inner)

	if TypeOf(wrapped) != ErrNotFound {
		t.Errorf("TypeOf(wrapped) = %q, want %q", TypeOf(wrapped), ErrNotFound)
	}
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound(wrapped) = false, want true")
	}

	foreign := errors.New("plain error")
	if TypeOf(foreign) != ErrInternal {
		t.Errorf("TypeOf(foreign) = %q, want %q", TypeOf(foreign), ErrInternal)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(NewTimeoutError("deadline", nil)) {
		t.Error("timeout should be retryable")
	}
	if !Retryable(NewRateLimitedError("quota", nil)) {
		t.Error("rate_limited should be retryable")
	}
	if !Retryable(NewDependencyUnavailableError("down", nil)) {
		t.Error("dependency_unavailable should be retryable")
	}
	if Retryable(NewValidationError("bad input", nil)) {
		t.Error("validation should not be retryable")
	}
	if Retryable(NewConflictError("dup", nil)) {
		t.Error("conflict should not be retryable")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NewValidationError("m", nil), http.StatusBadRequest},
		{NewNotFoundError("m", nil), http.StatusNotFound},
		{NewConflictError("m", nil), http.StatusConflict},
		{NewUnauthorizedError("m", nil), http.StatusUnauthorized},
		{NewForbiddenError("m", nil), http.StatusForbidden},
		{NewRateLimitedError("m", nil), http.StatusTooManyRequests},
		{NewTimeoutError("m", nil), http.StatusGatewayTimeout},
		{NewDependencyUnavailableError("m", nil), http.StatusServiceUnavailable},
		{NewPartialSuccessError("m", nil), http.StatusOK},
		{NewInternalError("m", nil), http.StatusInternalServerError},
		{errors.New("foreign"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
