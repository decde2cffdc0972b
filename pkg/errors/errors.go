package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken ErrorCode = "EXPIRED_TOKEN"

	// Call admission errors
	ErrCodeOffline           ErrorCode = "OFFLINE"
	ErrCodeDeclined          ErrorCode = "DECLINED"
	ErrCodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeSessionConflict   ErrorCode = "SESSION_CONFLICT"

	// Not found errors
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeUserNotFound    ErrorCode = "USER_NOT_FOUND"
	ErrCodeAdvisorNotFound ErrorCode = "ADVISOR_NOT_FOUND"
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	// Protocol errors (malformed signaling payloads)
	ErrCodeProtocol ErrorCode = "PROTOCOL_ERROR"

	// Internal errors
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase        ErrorCode = "DATABASE_ERROR"
	ErrCodeExternalService ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
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
// The status code defaults to 500 Internal Server Error
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

// WithDetails adds additional details to an AppError
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// ShortfallDetails carries the amounts a client needs to prompt a wallet top-up
type ShortfallDetails struct {
	RequiredAmount int64 `json:"required_amount"`
	CurrentBalance int64 `json:"current_balance"`
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func MissingFieldError(field string) *AppError {
	return NewWithStatus(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field), http.StatusBadRequest)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

// Call admission errors

// OfflineError signals the target party has no live connection
func OfflineError(message string) *AppError {
	return NewWithStatus(ErrCodeOffline, message, http.StatusConflict)
}

// DeclinedError signals an explicit human rejection of an invite
func DeclinedError(message string) *AppError {
	return NewWithStatus(ErrCodeDeclined, message, http.StatusConflict)
}

// InsufficientFundsError carries the shortfall amounts for the top-up prompt
func InsufficientFundsError(required, available int64) *AppError {
	e := NewWithStatus(ErrCodeInsufficientFunds, "Insufficient balance", http.StatusPaymentRequired)
	return e.WithDetails(ShortfallDetails{RequiredAmount: required, CurrentBalance: available})
}

// SessionConflictError signals the room is already admitted or mid-transition
func SessionConflictError(message string) *AppError {
	return NewWithStatus(ErrCodeSessionConflict, message, http.StatusConflict)
}

// Not found errors
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func UserNotFoundError() *AppError {
	return NewWithStatus(ErrCodeUserNotFound, "User not found", http.StatusNotFound)
}

func AdvisorNotFoundError() *AppError {
	return NewWithStatus(ErrCodeAdvisorNotFound, "Advisor not found", http.StatusNotFound)
}

func SessionNotFoundError() *AppError {
	return NewWithStatus(ErrCodeSessionNotFound, "Session not found", http.StatusNotFound)
}

// ProtocolError signals a malformed signaling payload
func ProtocolError(message string) *AppError {
	return NewWithStatus(ErrCodeProtocol, message, http.StatusBadRequest)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", err)
}

// ExternalServiceError signals the grant issuer or account store is unreachable
func ExternalServiceError(service string, err error) *AppError {
	return Wrap(ErrCodeExternalService, fmt.Sprintf("%s unavailable", service), err)
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return InternalError(err.Error())
}

// IsCode reports whether err is an AppError with the given code
func IsCode(err error, code ErrorCode) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Code == code
}
