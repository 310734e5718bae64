package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Media errors
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeDeviceNotFound   ErrorCode = "DEVICE_NOT_FOUND"
	ErrCodeDeviceBusy       ErrorCode = "DEVICE_BUSY"
	ErrCodePartialGrant     ErrorCode = "PARTIAL_GRANT"

	// Presence errors
	ErrCodeCalleeUnreachable ErrorCode = "CALLEE_UNREACHABLE"
	ErrCodeAlreadyInCall     ErrorCode = "ALREADY_IN_CALL"

	// Signaling / adapter errors
	ErrCodeNegotiationTimeout ErrorCode = "NEGOTIATION_TIMEOUT"
	ErrCodeConnectionFailed   ErrorCode = "CONNECTION_FAILED"
	ErrCodeStaleMessage       ErrorCode = "STALE_MESSAGE"

	// Request errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"
	ErrCodeUserNotFound ErrorCode = "USER_NOT_FOUND"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// Media errors

func PermissionDeniedError(err error) *AppError {
	return &AppError{Code: ErrCodePermissionDenied, Message: "Could not access camera or microphone", StatusCode: http.StatusForbidden, Err: err}
}

func DeviceNotFoundError(err error) *AppError {
	return &AppError{Code: ErrCodeDeviceNotFound, Message: "No capture device available", StatusCode: http.StatusConflict, Err: err}
}

func DeviceBusyError(err error) *AppError {
	return &AppError{Code: ErrCodeDeviceBusy, Message: "Capture device is in use by another application", StatusCode: http.StatusConflict, Err: err}
}

func PartialGrantError() *AppError {
	return NewWithStatus(ErrCodePartialGrant, "Only audio capture was granted", http.StatusConflict)
}

// Presence errors

func CalleeUnreachableError() *AppError {
	return NewWithStatus(ErrCodeCalleeUnreachable, "The other person is unavailable", http.StatusConflict)
}

func AlreadyInCallError() *AppError {
	return NewWithStatus(ErrCodeAlreadyInCall, "Already in another call", http.StatusConflict)
}

// Signaling / adapter errors

func NegotiationTimeoutError() *AppError {
	return NewWithStatus(ErrCodeNegotiationTimeout, "The call could not be connected in time", http.StatusGatewayTimeout)
}

func ConnectionFailedError(err error) *AppError {
	return &AppError{Code: ErrCodeConnectionFailed, Message: "Connection lost", StatusCode: http.StatusBadGateway, Err: err}
}

func StaleMessageError(sessionID string) *AppError {
	return NewWithStatus(ErrCodeStaleMessage, fmt.Sprintf("Message for unknown or finished call %s", sessionID), http.StatusConflict)
}

// Request errors

func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func ForbiddenError(message string) *AppError {
	return NewWithStatus(ErrCodeForbidden, message, http.StatusForbidden)
}

func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

func UserNotFoundError() *AppError {
	return NewWithStatus(ErrCodeUserNotFound, "User not found", http.StatusNotFound)
}

// Internal errors

func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

// UserReason maps an error code to the human-readable reason surfaced by
// the UI. Raw transport or platform errors are never shown unfiltered.
func UserReason(code ErrorCode) string {
	switch code {
	case ErrCodePermissionDenied:
		return "could not reach camera or microphone"
	case ErrCodeDeviceNotFound:
		return "no camera or microphone found"
	case ErrCodeDeviceBusy:
		return "camera or microphone is busy"
	case ErrCodePartialGrant:
		return "video permission was not granted"
	case ErrCodeCalleeUnreachable:
		return "the other person is unavailable"
	case ErrCodeAlreadyInCall:
		return "already in another call"
	case ErrCodeNegotiationTimeout:
		return "no answer"
	case ErrCodeConnectionFailed:
		return "connection lost"
	default:
		return "something went wrong"
	}
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}

// CodeOf returns the error code of err, or ErrCodeInternal for plain errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}
