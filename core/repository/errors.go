// Package repository defines the contract shared by the storage backends:
// the repository protocol, the commit and row model, the write lease, the
// configuration surface, and the error taxonomy used at every API boundary.
package repository

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the failure categories surfaced by the engine.
type ErrorKind string

// The error taxonomy. Callers branch on kinds, never on message text.
const (
	KindSchemaOutdated          ErrorKind = "schema_outdated"
	KindMigrationToken          ErrorKind = "migration_token"
	KindMissingUpgrader         ErrorKind = "missing_upgrader"
	KindMigration               ErrorKind = "migration"
	KindLockContention          ErrorKind = "lock_contention"
	KindLeaseExpired            ErrorKind = "lease_expired"
	KindHeadMismatch            ErrorKind = "head_mismatch"
	KindBatchSizeExceeded       ErrorKind = "batch_size_exceeded"
	KindEventLoopLimit          ErrorKind = "event_loop_limit"
	KindMetadataUnavailable     ErrorKind = "metadata_unavailable"
	KindValidation              ErrorKind = "validation"
	KindStorageIO               ErrorKind = "storage_io"
	KindInvalidExecutionContext ErrorKind = "invalid_execution_context"
)

// Error is the structured error type carried across API boundaries. Details
// hold kind-specific diagnostics: per-type diffs for schema drift, the
// failing identity and stage for migration errors, attempt counts and
// lineage for dead-letter reports.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error of the same kind, so that
// errors.Is(err, repository.ErrKind(kind)) works across wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind && (other.Message == "" || other.Message == e.Message)
	}
	return false
}

// NewError constructs a structured error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewErrorf constructs a structured error with a formatted message.
func NewErrorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause with a kind and message.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches structured diagnostics and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// ErrKind returns a sentinel for errors.Is comparisons against a kind.
func ErrKind(kind ErrorKind) *Error {
	return &Error{Kind: kind}
}

// IsKind reports whether err is a structured error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
