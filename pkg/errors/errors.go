package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeScan       ErrorType = "scan"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors
func NewConfigError(message string) *AppError {
	return NewAppError(ErrorTypeConfig, "CONFIG_ERROR", message)
}

func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

// NewConflictError reports an operation refused because another one holds
// the resource
func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// NewScanError reports a failed scanner run. The stderr tail, when present, is
// kept as a detail so callers can surface what the tool printed.
func NewScanError(scannerName, message, stderrTail string) *AppError {
	err := NewAppError(ErrorTypeScan, "SCAN_ERROR", fmt.Sprintf("scanner %s: %s", scannerName, message)).
		WithDetail("scanner", scannerName)
	if stderrTail != "" {
		err.WithDetail("stderr", stderrTail)
	}
	return err
}

// IsType reports whether any error in err's chain is an AppError of the given type
func IsType(err error, errorType ErrorType) bool {
	if err == nil {
		return false
	}
	if appErr, ok := err.(*AppError); ok && appErr.Type == errorType {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if IsType(inner, errorType) {
				return true
			}
		}
		return false
	case interface{ WrappedErrors() []error }:
		for _, inner := range x.WrappedErrors() {
			if IsType(inner, errorType) {
				return true
			}
		}
		return false
	}
	return IsType(stderrors.Unwrap(err), errorType)
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// Detail returns a detail value from the first AppError in err's chain
func Detail(err error, key string) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Details[key]
	}
	return ""
}
