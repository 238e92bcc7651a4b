package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeSessionConflict    ErrorCode = "SESSION_CONFLICT"
	ErrCodeRoleUnavailable    ErrorCode = "ROLE_UNAVAILABLE"
	ErrCodeCaptureUnavailable ErrorCode = "CAPTURE_TOOL_UNAVAILABLE"
	ErrCodeProcessFailure     ErrorCode = "PROCESS_FAILURE"
	ErrCodeTunnelUnavailable  ErrorCode = "TUNNEL_UNAVAILABLE"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewSessionNotFoundError(code string) *AppError {
	return NewAppError(ErrCodeSessionNotFound, fmt.Sprintf("no active session for code %s", code), http.StatusNotFound)
}

func NewSessionConflictError(message string) *AppError {
	return NewAppError(ErrCodeSessionConflict, message, http.StatusConflict)
}

func NewRoleUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeRoleUnavailable, message, http.StatusConflict)
}

func NewCaptureUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeCaptureUnavailable, message, http.StatusServiceUnavailable)
}

func NewProcessFailureError(message string) *AppError {
	return NewAppError(ErrCodeProcessFailure, message, http.StatusInternalServerError)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr
	}

	type unwrapper interface {
		Unwrap() error
	}

	if u, ok := err.(unwrapper); ok {
		return GetAppError(u.Unwrap())
	}

	return nil
}
