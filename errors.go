package simuniverse

import (
	"errors"
	"fmt"
)

// Error kinds the core distinguishes (spec.md §7). Recoverable kinds
// surface as ordinary Go errors from the relevant API; Fatal is raised
// through criticalError instead since it marks an assertion violation.
var (
	// ErrLayoutInvalid indicates the reflection registry describes a type
	// the Record Layout Service cannot build a layout for.
	ErrLayoutInvalid = errors.New("simuniverse: layout invalid")
	// ErrUnknownType indicates a binding or command names a type the
	// repository does not have a storage for.
	ErrUnknownType = errors.New("simuniverse: unknown record type")
	// ErrUnknownBinding indicates a mutator references a query binding the
	// repository cannot resolve.
	ErrUnknownBinding = errors.New("simuniverse: unknown binding")
	// ErrBadParams indicates a query was executed with malformed
	// parameters for its flavor (eq/range/space).
	ErrBadParams = errors.New("simuniverse: bad query parameters")
	// ErrAccessConflict indicates the scheduler was given a pipeline it
	// cannot plan: one without a name, or one whose dependency edges form
	// a cycle. Conflicting write accesses are not rejected; they are split
	// into separate layers.
	ErrAccessConflict = errors.New("simuniverse: access conflict")
	// ErrPatchIncompatible indicates a record could not be migrated
	// because a field present in both layouts (by name or by rename)
	// changed its Go type, or because no storage strategy exists for the
	// changed indexed type.
	ErrPatchIncompatible = errors.New("simuniverse: migration patch incompatible")

	// ErrNilStorageStrategy is returned when storage registration receives a nil strategy.
	ErrNilStorageStrategy = errors.New("simuniverse: nil storage strategy")
	// ErrNilStorage is returned when a strategy produces a nil storage.
	ErrNilStorage = errors.New("simuniverse: strategy returned nil storage")
	// ErrAlreadyRegistered indicates an attempt to register the same record type twice.
	ErrAlreadyRegistered = errors.New("simuniverse: record type already registered")
	// ErrJobSystemClosed indicates jobs cannot be submitted because the job system closed.
	ErrJobSystemClosed = errors.New("simuniverse: job system closed")
)

// criticalError is raised for Fatal conditions (spec.md §7): assertion
// violations such as resolving an access token after Close or closing
// it twice. Unlike
// the sentinel errors above, it is never meant to be handled by a
// caller — it aborts the offending goroutine's operation the way the
// source's critical-error facility aborts the process.
type criticalError struct {
	msg string
}

func (e criticalError) Error() string { return "simuniverse: fatal: " + e.msg }

func fatalf(format string, args ...any) {
	panic(criticalError{msg: fmt.Sprintf(format, args...)})
}
