package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInternalError     = "INTERNAL_ERROR"
	ErrEngineUnavailable = "ENGINE_UNAVAILABLE"
	ErrEngineTimeout     = "ENGINE_TIMEOUT"
	ErrEngineRejected    = "ENGINE_REJECTED"
)

// ErrorEnvelope is the standard coded error returned by flowgate operations
// and rendered on the API surface. It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
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

// NewValidationError returns a VALIDATION_ERROR.
func NewValidationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrValidationError, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewEngineUnavailableError returns an ENGINE_UNAVAILABLE error.
func NewEngineUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrEngineUnavailable,
		Message: "The process engine is temporarily unavailable",
	}
}

// NewEngineTimeoutError returns an ENGINE_TIMEOUT error.
func NewEngineTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrEngineTimeout,
		Message: "The process engine did not respond in time",
	}
}

// NewEngineRejectedError returns an ENGINE_REJECTED error for non-2xx engine
// responses that are neither not-found nor infrastructure failures.
func NewEngineRejectedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrEngineRejected, Message: msg}
}

// CodeOf returns the envelope code of err, or INTERNAL_ERROR if err is not
// an *ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrNotFound
}

// IsConflict reports whether err carries the CONFLICT code.
func IsConflict(err error) bool {
	return CodeOf(err) == ErrConflict
}
