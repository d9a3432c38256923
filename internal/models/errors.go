package models

import (
	"errors"
	"fmt"
)

// SchemaError marks a record that cannot be interpreted under the
// current schema. Disposition: dead-letter, never retry.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string { return "schema error: " + e.Reason }

// BusTransientError marks a publish/fetch failure that is worth
// retrying with backoff before the record is dead-lettered.
type BusTransientError struct {
	Op  string
	Err error
}

func (e *BusTransientError) Error() string { return fmt.Sprintf("bus %s: %v", e.Op, e.Err) }
func (e *BusTransientError) Unwrap() error { return e.Err }

// DependencyTimeout marks a collaborator call that exceeded its
// deadline. Disposition: count it and use the fallback.
type DependencyTimeout struct {
	Dependency string
	Err        error
}

func (e *DependencyTimeout) Error() string {
	return fmt.Sprintf("%s timeout: %v", e.Dependency, e.Err)
}
func (e *DependencyTimeout) Unwrap() error { return e.Err }

// DependencyUnavailable marks a collaborator that is down or
// circuit-broken. Disposition: fallback until the breaker half-opens.
type DependencyUnavailable struct {
	Dependency string
	Err        error
}

func (e *DependencyUnavailable) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}
func (e *DependencyUnavailable) Unwrap() error { return e.Err }

// InvariantViolation marks a record that broke a pipeline guarantee
// (empty ship_id, zero evidence, score out of range). Disposition:
// log with tracking id, dead-letter, count.
type InvariantViolation struct {
	Invariant  string
	TrackingID string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated: %s (tracking_id=%s)", e.Invariant, e.TrackingID)
}

// FatalStartupError marks a dependency that stayed down through the
// startup retry budget. The process exits with code 2.
type FatalStartupError struct {
	Dependency string
	Err        error
}

func (e *FatalStartupError) Error() string {
	return fmt.Sprintf("startup: %s unavailable: %v", e.Dependency, e.Err)
}
func (e *FatalStartupError) Unwrap() error { return e.Err }

// IsSchemaError reports whether err is (or wraps) a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// IsInvariantViolation reports whether err is (or wraps) an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

// IsTransient reports whether err should be retried rather than
// dead-lettered.
func IsTransient(err error) bool {
	var bt *BusTransientError
	return errors.As(err, &bt)
}
