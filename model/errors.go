package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrRateLimited     = "RATE_LIMITED"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Query-workflow error codes.
const (
	ErrModelNotSelected      = "MODEL_NOT_SELECTED"
	ErrSessionNotFound       = "SESSION_NOT_FOUND"
	ErrAggregatorUnavailable = "AGGREGATOR_UNAVAILABLE"
	ErrAggregatorTimeout     = "AGGREGATOR_TIMEOUT"
	ErrAggregatorAuth        = "AGGREGATOR_AUTH"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
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

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
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

// NewModelNotSelectedError returns a MODEL_NOT_SELECTED error.
func NewModelNotSelectedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrModelNotSelected,
		Message: "No model selected. Choose a model before asking a question.",
	}
}

// NewSessionNotFoundError returns a SESSION_NOT_FOUND error.
func NewSessionNotFoundError(sessionID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSessionNotFound,
		Message: fmt.Sprintf("query session %q not found", sessionID),
	}
}

// NewAggregatorUnavailableError returns an AGGREGATOR_UNAVAILABLE error.
func NewAggregatorUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAggregatorUnavailable,
		Message: "The aggregation service is temporarily unavailable",
	}
}

// NewAggregatorTimeoutError returns an AGGREGATOR_TIMEOUT error.
func NewAggregatorTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAggregatorTimeout,
		Message: "The aggregation service did not respond in time",
	}
}

// NewAggregatorAuthError returns an AGGREGATOR_AUTH error.
func NewAggregatorAuthError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAggregatorAuth,
		Message: "Authentication with the aggregation service failed",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}
