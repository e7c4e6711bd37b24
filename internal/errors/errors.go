// Package errors provides structured error types for the JIT access service.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNotFound     = errors.New("request not found")
	ErrDuplicateID  = errors.New("request ID already exists")
	ErrInvalidState = errors.New("invalid state for transition")
	ErrValidation   = errors.New("validation failed")
	ErrTimeout      = errors.New("operation timed out")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrUnavailable  = errors.New("service unavailable")
)

// ValidationError rejects a malformed submission before anything is
// persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a validation error for a named field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// DirectoryError wraps a failed grant or revoke against a directory
// backend.
type DirectoryError struct {
	Backend string // "kubernetes", "github", "memory"
	Op      string // "grant" or "revoke"
	Err     error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory %s failed (%s): %v", e.Op, e.Backend, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// NewDirectoryError creates a directory error.
func NewDirectoryError(backend, op string, err error) *DirectoryError {
	return &DirectoryError{Backend: backend, Op: op, Err: err}
}

// StoreError wraps a persistence failure. The call that hit it must be
// retried by the caller; no partial state is ever visible.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError creates a store error.
func NewStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}

// IsRetryable returns true if the error is likely transient and worth
// retrying.
func IsRetryable(err error) bool {
	// Directory backends fail for network reasons far more often than for
	// semantic ones; treat their errors as transient.
	var dirErr *DirectoryError
	if errors.As(err, &dirErr) {
		return true
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}
