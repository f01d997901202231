package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Session-specific error codes.
const (
	ErrSessionClosed = "SESSION_CLOSED"
	ErrReadOnly      = "READ_ONLY"
	ErrShapeMismatch = "SHAPE_MISMATCH"
	ErrUnknownKey    = "UNKNOWN_KEY"
)

// ErrorEnvelope is the standard error response envelope returned by the
// service. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or "" if err does not wrap
// an ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backend service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backend service did not respond in time",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}

// NewSessionClosedError returns a SESSION_CLOSED error.
func NewSessionClosedError(sessionID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSessionClosed,
		Message: fmt.Sprintf("session %q has been unmounted", sessionID),
	}
}

// NewReadOnlyError returns a READ_ONLY error for edits against a disabled
// session.
func NewReadOnlyError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrReadOnly,
		Message: "The selection form is read-only",
	}
}

// NewShapeMismatchError returns a SHAPE_MISMATCH error for a value whose
// shape does not fit the category type.
func NewShapeMismatchError(key string, categoryType CategoryType, got ValueKind) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrShapeMismatch,
		Message: fmt.Sprintf("category %q of type %s cannot hold a %s value", key, categoryType, got),
	}
}

// NewUnknownKeyError returns an UNKNOWN_KEY error.
func NewUnknownKeyError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownKey,
		Message: fmt.Sprintf("no category is registered under %q", key),
	}
}

// NewUnknownItemError returns an UNKNOWN_KEY error for an item id that is
// not a visible choice of the category under key.
func NewUnknownItemError(key, itemID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownKey,
		Message: fmt.Sprintf("category %q has no selectable item %q", key, itemID),
	}
}
