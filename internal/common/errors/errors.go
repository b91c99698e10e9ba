package errors

import (
	"fmt"
	"net/http"
)

// Error codes
const (
	// 4xx Client Errors
	CodeInvalidInput   = "INVALID_INPUT"
	CodeMalformedNonce = "MALFORMED_NONCE"
	CodeUnauthorized   = "UNAUTHORIZED"

	// 5xx Server Errors
	CodeInternal             = "INTERNAL_ERROR"
	CodeUnsupportedAlgorithm = "UNSUPPORTED_ALGORITHM"
	CodeServiceClosed        = "SERVICE_CLOSED"
	CodeDBError              = "DB_ERROR"
	CodeRedisError           = "REDIS_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// Error constructors

func InvalidInput(message string) *AppError {
	return &AppError{
		Code:       CodeInvalidInput,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// MalformedNonce is returned when a nonce cannot be decoded. It says nothing
// about signature or freshness.
func MalformedNonce(err error) *AppError {
	return &AppError{
		Code:       CodeMalformedNonce,
		Message:    "Nonce is not in the expected format",
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func Internal(message string) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

func UnsupportedAlgorithm(err error) *AppError {
	return &AppError{
		Code:       CodeUnsupportedAlgorithm,
		Message:    "Configured digest algorithm is not available",
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

func ServiceClosed() *AppError {
	return &AppError{
		Code:       CodeServiceClosed,
		Message:    "Nonce service is shutting down",
		StatusCode: http.StatusServiceUnavailable,
	}
}

func DBError(err error) *AppError {
	return &AppError{
		Code:       CodeDBError,
		Message:    "Database error occurred",
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

func RedisError(err error) *AppError {
	return &AppError{
		Code:       CodeRedisError,
		Message:    "Redis error occurred",
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}
