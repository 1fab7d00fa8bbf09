// Package fault classifies pipeline errors. Every error that crosses a
// component boundary is either transient (worth retrying) or permanent
// (fails immediately); named conditions such as schema violations and
// unknown tasks carry their own types so callers can match on them.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Class labels an error for retry decisions and audit records.
type Class string

const (
	ClassTransient        Class = "transient"
	ClassPermanent        Class = "permanent"
	ClassSchemaViolation  Class = "schema_violation"
	ClassUnknownTask      Class = "unknown_task"
	ClassDeadlineExceeded Class = "deadline_exceeded"
	ClassRunTimeout       Class = "run_timeout"
)

// ErrRunTimeout marks a run that hit its run-level deadline. It is fatal to
// the run: no retry policy applies once the whole run is out of time.
var ErrRunTimeout = errors.New("run deadline exceeded")

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// Transient wraps an error as transient (retryable).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{err: err}
}

// Transientf formats a new transient error.
func Transientf(format string, args ...any) error {
	return &TransientError{err: fmt.Errorf(format, args...)}
}

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	err error
}

func (e *PermanentError) Error() string {
	return e.err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.err
}

// Permanent wraps an error as permanent (non-retryable).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{err: err}
}

// Permanentf formats a new permanent error.
func Permanentf(format string, args ...any) error {
	return &PermanentError{err: fmt.Errorf(format, args...)}
}

// SchemaViolationError reports a message or document that fails the schema
// contract. Always permanent.
type SchemaViolationError struct {
	Field  string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	if e.Field == "" {
		return "schema violation: " + e.Reason
	}
	return fmt.Sprintf("schema violation: %s: %s", e.Field, e.Reason)
}

// SchemaViolation builds a violation for a named field.
func SchemaViolation(field, reason string) error {
	return &SchemaViolationError{Field: field, Reason: reason}
}

// UnknownTaskError reports an invocation of a task name that was never
// registered. Always permanent: it is a configuration error.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %q", e.Name)
}

// IsTransient returns true if the error should be retried. Deadline
// expiry counts as transient here; the caller decides whether the
// run-level deadline has also elapsed, which makes it fatal instead.
func IsTransient(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent returns true if the error must not be retried.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return true
	}
	var schema *SchemaViolationError
	if errors.As(err, &schema) {
		return true
	}
	var unknown *UnknownTaskError
	return errors.As(err, &unknown)
}

// Classify maps an error to its audit class. Errors that carry no
// classification default to permanent so that an unlabeled failure is
// never retried by accident.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrRunTimeout) {
		return ClassRunTimeout
	}
	var schema *SchemaViolationError
	if errors.As(err, &schema) {
		return ClassSchemaViolation
	}
	var unknown *UnknownTaskError
	if errors.As(err, &unknown) {
		return ClassUnknownTask
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassDeadlineExceeded
	}
	if IsTransient(err) {
		return ClassTransient
	}
	return ClassPermanent
}
