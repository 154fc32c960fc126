// Package errors provides standardized error handling for the battle engine.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the battle engine.
type ErrorCode string

const (
	// Validation errors
	BTL_VALIDATION  ErrorCode = "BTL_VALIDATION"  // Invariant or input validation failed
	BTL_BAD_REQUEST ErrorCode = "BTL_BAD_REQUEST" // Malformed request

	// Authentication/Authorization errors
	BTL_AUTHN     ErrorCode = "BTL_AUTHN"     // Authentication failed
	BTL_FORBIDDEN ErrorCode = "BTL_FORBIDDEN" // Caller may not perform the action

	// Resource errors
	BTL_NOT_FOUND ErrorCode = "BTL_NOT_FOUND" // Battle or entry not found
	BTL_CONFLICT  ErrorCode = "BTL_CONFLICT"  // Concurrent modification

	// Rate limiting
	BTL_RATE_LIMIT ErrorCode = "BTL_RATE_LIMIT" // Vote velocity exceeded

	// Server errors
	BTL_INTERNAL    ErrorCode = "BTL_INTERNAL"    // Internal error
	BTL_UNAVAILABLE ErrorCode = "BTL_UNAVAILABLE" // Dependency unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	Field         string      `json:"field,omitempty"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`

	cause error
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Validation reports a violated invariant. field may be empty.
func Validation(field, message string) *Error {
	e := New(BTL_VALIDATION, message, "")
	e.Field = field
	return e
}

// NotFound reports a missing battle or entry.
func NotFound(message string) *Error {
	return New(BTL_NOT_FOUND, message, "")
}

// Forbidden reports an action the caller may not take.
func Forbidden(message string) *Error {
	return New(BTL_FORBIDDEN, message, "")
}

// RateLimited reports an exceeded velocity limit.
func RateLimited(message string) *Error {
	return New(BTL_RATE_LIMIT, message, "")
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *Error {
	e := New(BTL_INTERNAL, message, "")
	e.cause = cause
	return e
}

// Wrap attaches cause to a new Error with the given code.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	}
	if e.Details != nil {
		msg = fmt.Sprintf("%s (details: %v)", msg, e.Details)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// WithCorrelationID returns a copy of e tagged with the given correlation id.
func (e *Error) WithCorrelationID(id string) *Error {
	c := *e
	c.CorrelationID = id
	return &c
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or BTL_INTERNAL.
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.Code
	}
	return BTL_INTERNAL
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case BTL_VALIDATION, BTL_BAD_REQUEST:
		return http.StatusBadRequest
	case BTL_FORBIDDEN:
		return http.StatusForbidden
	case BTL_AUTHN:
		return http.StatusUnauthorized
	case BTL_NOT_FOUND:
		return http.StatusNotFound
	case BTL_CONFLICT:
		return http.StatusConflict
	case BTL_RATE_LIMIT:
		return http.StatusTooManyRequests
	case BTL_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
