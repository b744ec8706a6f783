// Package errors defines the typed errors used across the engine.
//
// Every error type carries a Kind so callers (and the operations layer)
// can classify failures without string matching. Wrap with fmt.Errorf
// and %w as usual; KindOf walks the chain with errors.As.
package errors

import (
	"fmt"
	"time"
)

// Kind classifies an error for the operations-layer envelope.
type Kind string

const (
	// KindValidation indicates a request that does not meet preconditions.
	KindValidation Kind = "validation_failed"
	// KindNotFound indicates a referenced entity does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict indicates an idempotency or uniqueness violation.
	KindConflict Kind = "conflict"
	// KindLockUnavailable indicates the concurrency guard refused a lease.
	KindLockUnavailable Kind = "lock_unavailable"
	// KindTimeout indicates an operation exceeded its configured bound.
	KindTimeout Kind = "timeout"
	// KindCancelled indicates explicit cancellation.
	KindCancelled Kind = "cancelled"
	// KindHandler indicates a step handler failed.
	KindHandler Kind = "handler_error"
	// KindStorage indicates the backing store failed.
	KindStorage Kind = "storage_error"
	// KindSchemaMismatch indicates persisted data does not match the
	// expected shape.
	KindSchemaMismatch Kind = "schema_mismatch"
	// KindRuntimeUnavailable indicates the executor cannot accept work.
	KindRuntimeUnavailable Kind = "runtime_unavailable"
	// KindInternal is the fallback for unclassified errors.
	KindInternal Kind = "internal"
)

// kinder is implemented by every typed error in this package.
type kinder interface {
	Kind() Kind
}

// ValidationError represents user input validation failures.
// Use this for invalid requests, malformed definitions, or constraint
// violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Kind implements kinder.
func (e *ValidationError) Kind() Kind { return KindValidation }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "schedule", "workflow")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Kind implements kinder.
func (e *NotFoundError) Kind() Kind { return KindNotFound }

// ConflictError represents an idempotency or uniqueness violation.
type ConflictError struct {
	// Resource is the type of resource in conflict
	Resource string

	// ID is the conflicting identifier
	ID string

	// Reason explains the conflict
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s conflict on %s: %s", e.Resource, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s conflict on %s", e.Resource, e.ID)
}

// Kind implements kinder.
func (e *ConflictError) Kind() Kind { return KindConflict }

// LockUnavailableError is returned when the concurrency guard refuses
// a lease because another owner holds it.
type LockUnavailableError struct {
	// Key is the lock key that could not be acquired
	Key string

	// Holder is the current owner, when known
	Holder string
}

// Error implements the error interface.
func (e *LockUnavailableError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("lock %s unavailable: held by %s", e.Key, e.Holder)
	}
	return fmt.Sprintf("lock %s unavailable", e.Key)
}

// Kind implements kinder.
func (e *LockUnavailableError) Kind() Kind { return KindLockUnavailable }

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "wait step", "child run")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// Kind implements kinder.
func (e *TimeoutError) Kind() Kind { return KindTimeout }

// CancelledError represents explicit cancellation of a run or step.
type CancelledError struct {
	// Reason records why the work was cancelled
	Reason string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cancelled: %s", e.Reason)
	}
	return "cancelled"
}

// Kind implements kinder.
func (e *CancelledError) Kind() Kind { return KindCancelled }

// HandlerError represents a failure raised by a step handler.
type HandlerError struct {
	// Handler is the handler or step name that failed
	Handler string

	// Category is the handler-assigned failure category
	// (e.g., "NETWORK", "QUALITY_GATE", "OOM")
	Category string

	// Retryable reports whether the handler considers the failure
	// transient
	Retryable bool

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	msg := fmt.Sprintf("handler %s failed", e.Handler)
	if e.Category != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Category)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *HandlerError) Unwrap() error { return e.Cause }

// Kind implements kinder.
func (e *HandlerError) Kind() Kind { return KindHandler }

// StorageError represents a backing-store failure.
type StorageError struct {
	// Op is the storage operation that failed (e.g., "append event")
	Op string

	// Cause is the underlying driver error
	Cause error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StorageError) Unwrap() error { return e.Cause }

// Kind implements kinder.
func (e *StorageError) Kind() Kind { return KindStorage }

// SchemaMismatchError indicates persisted data does not match the
// expected shape.
type SchemaMismatchError struct {
	// Entity names the entity that failed to decode
	Entity string

	// Detail explains the mismatch
	Detail string

	// Cause is the underlying decode error
	Cause error
}

// Error implements the error interface.
func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch decoding %s: %s", e.Entity, e.Detail)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SchemaMismatchError) Unwrap() error { return e.Cause }

// Kind implements kinder.
func (e *SchemaMismatchError) Kind() Kind { return KindSchemaMismatch }

// RuntimeUnavailableError indicates the executor cannot accept work.
type RuntimeUnavailableError struct {
	// Reason explains why admission failed
	Reason string
}

// Error implements the error interface.
func (e *RuntimeUnavailableError) Error() string {
	return fmt.Sprintf("runtime unavailable: %s", e.Reason)
}

// Kind implements kinder.
func (e *RuntimeUnavailableError) Kind() Kind { return KindRuntimeUnavailable }
