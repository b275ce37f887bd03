// Package errs holds the sentinel errors and the coded service error shared by the book services.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrPersistence indicates the store was unreachable or rejected a write.
	ErrPersistence = errors.New("persistence failure")
	// ErrEmptyRevision indicates a revision without blocks where at least one is required.
	ErrEmptyRevision = errors.New("empty revision")
	// ErrInvalidBlockType indicates a stored block type code that does not decode.
	ErrInvalidBlockType = errors.New("invalid block type")
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoLiveRevision indicates no revision has been published yet.
	ErrNoLiveRevision = errors.New("no live revision")
	// ErrUnauthorized indicates an unknown or revoked credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidInput indicates caller supplied values failed validation.
	ErrInvalidInput = errors.New("invalid input")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" code.
func (e *ServiceError) Code() string {
	return e.code
}

// New builds a ServiceError for the operation and reason wrapping cause.
func New(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Persistence wraps a storage error so it matches ErrPersistence while keeping the driver error.
func Persistence(operation, reason string, cause error) error {
	return New(operation, reason, fmt.Errorf("%w: %w", ErrPersistence, cause))
}

// CodeOf extracts the service code from err, or "" when err carries none.
func CodeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
