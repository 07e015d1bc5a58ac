package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by repositories and validators.

var (
	// ErrJobNotFound indicates the referenced job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrOccurrenceNotFound indicates the referenced occurrence does not exist.
	ErrOccurrenceNotFound = errors.New("occurrence not found")

	// ErrDuplicateOccurrence indicates an occurrence insert hit a unique
	// constraint. IDs are fresh UUIDs, so the duplicate is harmless noise.
	ErrDuplicateOccurrence = errors.New("duplicate occurrence")

	// ErrScheduleConflict indicates a job does not have exactly one of
	// cronExpression / executeAt.
	ErrScheduleConflict = errors.New("exactly one of cronExpression and executeAt must be set")

	// ErrScheduleNeverFires indicates a cron expression that produces no
	// future firing; such jobs are rejected at creation time.
	ErrScheduleNeverFires = errors.New("schedule never fires")

	// ErrJobNameRequired indicates an empty job name.
	ErrJobNameRequired = errors.New("job name is required")

	// ErrWorkerClassRequired indicates a missing worker class.
	ErrWorkerClassRequired = errors.New("worker class is required")

	// ErrWorkerInstanceRequired indicates a registration without an instance id.
	ErrWorkerInstanceRequired = errors.New("worker instance id is required")

	// ErrInvalidConcurrentPolicy indicates an unrecognized concurrent policy.
	ErrInvalidConcurrentPolicy = errors.New("invalid concurrent policy")

	// ErrCorrelationRequired indicates a bus message without a correlation id.
	ErrCorrelationRequired = errors.New("correlationId is required")

	// ErrUnknownStatusValue indicates a status integer outside the mapping.
	ErrUnknownStatusValue = errors.New("unknown status value")

	// ErrFailedOccurrenceNotFound indicates the review queue entry does not exist.
	ErrFailedOccurrenceNotFound = errors.New("failed occurrence not found")

	// ErrAlreadyResolved indicates a review queue entry was resolved or
	// discarded by someone else first.
	ErrAlreadyResolved = errors.New("failed occurrence already resolved")
)

// === Retry Classification ===

// RetryableError wraps transient errors that should be retried.
// Only errors wrapped with Transient() are retried; everything else is
// treated as permanent and dead-lettered immediately.
//
// Use for: network timeouts, store connections lost, temporary locks.
// Don't use for: validation errors, not found errors, lifecycle violations.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// Transient wraps an error to signal it should be retried.
func Transient(err error) error {
	return RetryableError{Err: err}
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// === Panic Handling ===

// PanicError indicates a panic was recovered in a background loop or
// message handler. Panics are programming errors, never retried.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsPanic returns true if the error indicates a recovered panic.
func IsPanic(err error) bool {
	var panicErr PanicError
	return errors.As(err, &panicErr)
}
