package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable is returned when the shared counter store cannot be
	// reached and the admission policy is fail-closed.
	ErrStoreUnavailable = errors.New("counter store unavailable")

	ErrStaleTimestamp     = &IntegrityError{Reason: "timestamp outside tolerance"}
	ErrSignatureMismatch  = &IntegrityError{Reason: "signature mismatch"}
	ErrMalformedSignature = &IntegrityError{Reason: "malformed signature headers"}
)

// ValidationError rejects bad input synchronously. It is never queued or retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// AdmissionDeniedError is surfaced when a rate limit rejects a request.
type AdmissionDeniedError struct {
	RetryAfter time.Duration
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// TerminalError marks an execution failure that must not be retried.
type TerminalError struct{ Err error }

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so the queue fails the job without rescheduling it.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IntegrityError covers signature and replay checks. These are rejected and
// logged, never repaired.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string { return "integrity: " + e.Reason }

// IsRetryable classifies an execution error. Anything not explicitly terminal
// is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		te *TerminalError
		ve *ValidationError
		ie *IntegrityError
	)
	switch {
	case errors.As(err, &te), errors.As(err, &ve), errors.As(err, &ie):
		return false
	case errors.Is(err, ErrNotFound):
		return false
	}
	return true
}
