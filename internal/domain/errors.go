// Package domain defines core types, interfaces, and errors for the report export pipeline.
package domain

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// AccessDeniedError indicates insufficient permissions.
type AccessDeniedError struct {
	Message string
}

func (e *AccessDeniedError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates the requested transition is not allowed in the
// resource's current state.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// QuotaExceededError is returned by admission when the owner already has the
// maximum number of active exports.
type QuotaExceededError struct {
	Current int
	Max     int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("You have %d exports in progress. Maximum allowed: %d.", e.Current, e.Max)
}

// ExpiredError indicates a download link whose TTL has elapsed. It is kept
// distinct from NotFoundError so callers can tell the two apart.
type ExpiredError struct {
	Message string
}

func (e *ExpiredError) Error() string { return e.Message }

// ExecutionError wraps a failure raised while executing an export. Permanent
// errors are never retried.
type ExecutionError struct {
	Err       error
	Permanent bool
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrAccessDenied creates an AccessDeniedError with a formatted message.
func ErrAccessDenied(format string, args ...interface{}) *AccessDeniedError {
	return &AccessDeniedError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrExpired creates an ExpiredError with a formatted message.
func ErrExpired(format string, args ...interface{}) *ExpiredError {
	return &ExpiredError{Message: fmt.Sprintf(format, args...)}
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ExecutionError{Err: err, Permanent: true}
}

// IsPermanent reports whether err must not be retried. Validation errors are
// always permanent: a filter set that cannot be planned will never succeed.
func IsPermanent(err error) bool {
	var exec *ExecutionError
	if errors.As(err, &exec) {
		return exec.Permanent
	}
	var validation *ValidationError
	return errors.As(err, &validation)
}
