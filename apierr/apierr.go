// Package apierr defines the stable error taxonomy surfaced to API clients
// and the single mapping from error codes to HTTP status codes.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable error identifier surfaced to clients.
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeQuotaExceeded       Code = "QUOTA_EXCEEDED"
	CodeConcurrencyLimit    Code = "CONCURRENCY_LIMIT"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Error is the typed error carried through the admission pipeline and mapped
// once at the HTTP boundary. Details holds field-level validation messages.
type Error struct {
	Code       Code
	Message    string
	Details    map[string]string
	RetryAfter int // seconds; included for rate/concurrency rejections
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches field-level details and returns the error.
func (e *Error) WithDetails(details map[string]string) *Error {
	e.Details = details
	return e
}

// WithRetryAfter attaches a retry hint in seconds and returns the error.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden, CodeQuotaExceeded:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeIdempotencyConflict:
		return http.StatusConflict
	case CodeRateLimited, CodeConcurrencyLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// From extracts an *Error from err, or wraps it as INTERNAL_ERROR. Internal
// messages are never surfaced; the generic text replaces them.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return New(CodeInternal, "internal error")
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
