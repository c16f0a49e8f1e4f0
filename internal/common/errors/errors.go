// Package errors provides application-specific error types carrying HTTP semantics.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants.
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeBusy               = "BUSY"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{Code: ErrCodeBadRequest, Message: message, HTTPStatus: http.StatusBadRequest}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{Code: ErrCodeUnauthorized, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// Conflict creates a new conflict error (e.g. a preview already running).
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// Busy creates a retryable error for when the concurrency cap is reached.
func Busy(message string) *AppError {
	return &AppError{Code: ErrCodeBusy, Message: message, HTTPStatus: http.StatusTooManyRequests}
}

// ServiceUnavailable creates an error for exhausted resources (e.g. the preview port pool).
func ServiceUnavailable(message string) *AppError {
	return &AppError{Code: ErrCodeServiceUnavailable, Message: message, HTTPStatus: http.StatusServiceUnavailable}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{Code: ErrCodeInternalError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// IsNotFound reports whether err is an AppError with ErrCodeNotFound.
func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrCodeNotFound
}

// HTTPStatus returns the HTTP status code for an error, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
