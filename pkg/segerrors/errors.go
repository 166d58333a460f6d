// Package segerrors defines the sentinel errors raised by the segment
// manager and its collaborators.
package segerrors

import "errors"

var (
	// ErrConfigurationInvalid is raised at construction when the disk
	// expansion factor is below 1.0 or the allocator's initial free count
	// is below the emergency-head reserve.
	ErrConfigurationInvalid = errors.New("kvlog: configuration invalid")

	// ErrSlotInvalid is raised by At when the slot is out of range or
	// unoccupied.
	ErrSlotInvalid = errors.New("kvlog: slot invalid")

	// ErrIterationInvariantViolated is raised by GetActiveSegments when no
	// log iterator is active.
	ErrIterationInvariantViolated = errors.New("kvlog: iteration invariant violated")

	// ErrAppendInvariantViolated indicates a segment header or log digest
	// failed to append to a freshly allocated segment. AllocHead and
	// AllocSurvivor return it wrapped to their caller; the segment manager
	// does not stop the process on it.
	ErrAppendInvariantViolated = errors.New("kvlog: append invariant violated")

	// ErrOutOfMemory names the out-of-memory condition. AllocHead does not
	// return it: a best-effort allocation that cannot be made is reported
	// as a nil segment with a nil error.
	ErrOutOfMemory = errors.New("kvlog: out of memory")
)
