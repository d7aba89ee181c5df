// Package errors provides error codes shared by the sync client, the
// reconciliation service and the HTTP layer.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique, stable error code that crosses the wire.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrSyncFailed       ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress   ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncUnavailable  ErrorCode = "SYNC_UNAVAILABLE"
	ErrSyncTimeout      ErrorCode = "SYNC_TIMEOUT"
	ErrUnknownEntity    ErrorCode = "UNKNOWN_ENTITY"
	ErrBatchTooLarge    ErrorCode = "BATCH_TOO_LARGE"
	ErrRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsRetryable reports whether a failed sync round-trip may be retried
// unchanged on the next trigger. Validation failures are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrValidation, ErrInvalid, ErrUnknownEntity, ErrBatchTooLarge, ErrPermission, ErrNotFound:
		return false
	}
	return true
}

// Message returns err's text without code prefixes, for messages shown to
// clients.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return err.Error()
	}
	if appErr.Err != nil {
		return appErr.Message + ": " + Message(appErr.Err)
	}
	return appErr.Message
}
