package state

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Load when no record exists for the
// tracked session id.
var ErrNotFound = errors.New("login state not found")

// ErrInvalidProviderID is returned when a provider id outside the
// valid range would be written to a record.
var ErrInvalidProviderID = errors.New("provider id outside valid range")

// LoadError indicates the persistence layer could not be queried.
// Always fatal to the current request.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("login state load failed: %v", e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// WriteError indicates a create or update was rejected by persistence.
// Fatal when the initial record write fails; best-effort audit updates
// log it and continue.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("login state %s failed: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// MigrationError indicates a tracked session re-key affected zero rows
// and no record already carries the new id. Fatal: the audit trail for
// the session has been broken.
type MigrationError struct {
	OldID string
	NewID string
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("session re-key from %q to %q matched no record", e.OldID, e.NewID)
}

// TransitionError indicates an illegal phase transition was requested.
type TransitionError struct {
	From Phase
	To   Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal phase transition %s -> %s", e.From, e.To)
}
