package errors

import (
	"errors"
	"fmt"
)

// Domain errors - these represent protocol and business rule violations
var (
	// Authentication & Authorization
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("action forbidden")
	ErrForbiddenRoom = errors.New("not allowed to join room")
	ErrInvalidAPIKey = errors.New("invalid api key")
	ErrTokenRequired = errors.New("authentication token is required")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrAnonymousUser = errors.New("anonymous connections cannot join user rooms")

	// Room validation
	ErrRoomNameRequired = errors.New("room name is required")
	ErrInvalidRoomName  = errors.New("room name must have the form <order|farm|user>:<id>")
	ErrEntityIDRequired = errors.New("id is required")
	ErrEntityIDTooLong  = errors.New("id exceeds maximum length")
	ErrEntityIDInvalid  = errors.New("id must not contain whitespace")

	// Protocol
	ErrMalformedMessage  = errors.New("malformed message")
	ErrUnknownCommand    = errors.New("unknown message type")
	ErrUnknownEventType  = errors.New("unknown event type")
	ErrMessageRateLimit  = errors.New("too many messages, slow down")
	ErrInvalidUpdateType = errors.New("updateType must be one of profile, product, status")

	// Transport
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrNotConnected     = errors.New("not connected")
	ErrGatewayClosed    = errors.New("gateway is shutting down")

	// Generic
	ErrNotFound    = errors.New("resource not found")
	ErrInternal    = errors.New("internal server error")
	ErrBadRequest  = errors.New("bad request")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// AppError wraps errors with additional context for HTTP responses
type AppError struct {
	Err        error  // The underlying error
	Message    string // User-friendly message
	Code       string // Machine-readable error code
	StatusCode int    // HTTP status code
	Details    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Error constructors for common cases
func NewBadRequestError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "BAD_REQUEST",
		StatusCode: 400,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		StatusCode: 401,
	}
}

func NewValidationError(err error, message string, details map[string]interface{}) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		StatusCode: 422,
		Details:    details,
	}
}

func NewRateLimitError() *AppError {
	return &AppError{
		Err:        ErrRateLimited,
		Message:    "Too many requests. Please try again later.",
		Code:       "RATE_LIMITED",
		StatusCode: 429,
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "An unexpected error occurred",
		Code:       "INTERNAL_ERROR",
		StatusCode: 500,
	}
}

// ValidationErrors holds multiple field validation errors
type ValidationErrors struct {
	Errors map[string][]string `json:"errors"`
}

func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors: make(map[string][]string),
	}
}

func (v *ValidationErrors) Add(field, message string) {
	v.Errors[field] = append(v.Errors[field], message)
}

func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationErrors) Error() string {
	return fmt.Sprintf("validation failed: %d field(s) have errors", len(v.Errors))
}
