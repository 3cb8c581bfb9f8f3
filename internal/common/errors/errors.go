// Package errors provides the error taxonomy shared across the platform.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeValidationError     = "VALIDATION_ERROR"
	ErrCodeSpawnFailure        = "SPAWN_FAILURE"
	ErrCodeProcessLost         = "PROCESS_LOST"
	ErrCodeStopTimeout         = "STOP_TIMEOUT"
	ErrCodeBusUnavailable      = "BUS_UNAVAILABLE"
	ErrCodeStoreUnavailable    = "STORE_UNAVAILABLE"
	ErrCodeMalformedEnvelope   = "MALFORMED_ENVELOPE"
	ErrCodeProtocolAuthFailure = "PROTOCOL_AUTH_FAILURE"
	ErrCodeTurnFailure         = "TURN_FAILURE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
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
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// SpawnFailure reports a child process that could not be started.
func SpawnFailure(detail string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSpawnFailure,
		Message:    fmt.Sprintf("failed to spawn process: %s", detail),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// ProcessLost reports a status record whose PID is no longer alive.
func ProcessLost(pid int) *AppError {
	return &AppError{
		Code:       ErrCodeProcessLost,
		Message:    fmt.Sprintf("process %d is no longer alive", pid),
		HTTPStatus: http.StatusBadGateway,
	}
}

// StopTimeout reports a process that did not exit within the graceful window.
func StopTimeout(pid int, seconds int) *AppError {
	return &AppError{
		Code:       ErrCodeStopTimeout,
		Message:    fmt.Sprintf("process %d did not stop within %ds", pid, seconds),
		HTTPStatus: http.StatusBadGateway,
	}
}

// BusUnavailable reports a Redis connection failure.
func BusUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrCodeBusUnavailable,
		Message:    "message bus is unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// StoreUnavailable reports a relational store failure.
func StoreUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrCodeStoreUnavailable,
		Message:    "relational store is unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// MalformedEnvelope reports an undecodable or incomplete bus payload.
func MalformedEnvelope(detail string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeMalformedEnvelope,
		Message:    fmt.Sprintf("malformed envelope: %s", detail),
		HTTPStatus: http.StatusBadRequest,
		Err:        err,
	}
}

// ProtocolAuthFailure reports an authentication failure surfaced by a
// channel adapter. The protocol detail stays opaque to the core.
func ProtocolAuthFailure(channel string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeProtocolAuthFailure,
		Message:    fmt.Sprintf("channel '%s' failed to authenticate", channel),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// TurnFailure reports a reasoning engine error during one conversation turn.
func TurnFailure(err error) *AppError {
	return &AppError{
		Code:       ErrCodeTurnFailure,
		Message:    "an error occurred while generating the response",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// Code returns the taxonomy code for an error, or INTERNAL_ERROR when the
// error is not an AppError. It is what status records store as the error kind.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
