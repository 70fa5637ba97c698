// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across repo/service layers.
var (
	// ErrValidation marks bad caller input; messages read "validation: ...".
	ErrValidation = errors.New("validation")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrAlreadyRecorded indicates a payment for the order id is already on file.
	ErrAlreadyRecorded = errors.New("already recorded")

	// ErrSlotExhausted indicates a family owner has no free dependent slots.
	ErrSlotExhausted = errors.New("family slots exhausted")

	// ErrLedgerViolation indicates a slot ledger change that would leave used > total.
	ErrLedgerViolation = errors.New("family slot ledger violation")

	// ErrConfigurationMissing indicates a required fund/level mapping is absent.
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrAmbiguousIdentity indicates more than one remote constituent matched exactly.
	ErrAmbiguousIdentity = errors.New("ambiguous identity")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTransientSync marks a remote failure that may succeed on retry (timeout, 5xx, 429).
	ErrTransientSync = errors.New("transient sync failure")

	// ErrPermanentSync marks a remote failure that will not succeed on retry (4xx, bad payload).
	ErrPermanentSync = errors.New("permanent sync failure")
)

// SyncError describes a failed call to the remote CRM.
type SyncError struct {
	Op        string // logical operation, e.g. "create_gift"
	Status    int    // HTTP status, 0 for transport failures
	Transient bool
	Err       error
}

func (e *SyncError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Status > 0 {
		return fmt.Sprintf("crm %s: %s failure (status %d): %v", e.Op, kind, e.Status, e.Err)
	}
	return fmt.Sprintf("crm %s: %s failure: %v", e.Op, kind, e.Err)
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause.
func (e *SyncError) Unwrap() []error {
	if e.Transient {
		return []error{ErrTransientSync, e.Err}
	}
	return []error{ErrPermanentSync, e.Err}
}

// StepError tags a failure with the pipeline step that produced it.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }

func (e *StepError) Unwrap() error { return e.Err }

// Step wraps err with a step name; nil stays nil.
func Step(step string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Step: step, Err: err}
}
