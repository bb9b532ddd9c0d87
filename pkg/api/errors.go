package api

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned by an event log when the caller's expected last
	// sequence number does not match the current tail. The caller must
	// re-read the log and retry.
	ErrConflict = errors.New("event log conflict")

	// ErrAlreadyExists is returned when starting an instance ID that already
	// has events.
	ErrAlreadyExists = errors.New("instance already exists")

	// ErrDuplicateTimer is returned when a timer is scheduled for an
	// (instance, key) pair that is already pending.
	ErrDuplicateTimer = errors.New("timer already pending")

	// ErrUnknownInstance is returned when an instance has no events.
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrNotWaiting is returned when a wake event does not match the
	// instance's pending wait point.
	ErrNotWaiting = errors.New("instance is not waiting for this event")

	// ErrInstanceTerminal is returned when an instance has already completed
	// or failed.
	ErrInstanceTerminal = errors.New("instance is terminal")

	// ErrUnknownWorkflow is returned when starting or running an instance
	// whose workflow definition is not registered.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrReplayDeterminism signals that replaying an instance's history did
	// not reproduce the same sequence of events. It indicates either a
	// corrupted log or a non-deterministic workflow definition and is never
	// retried.
	ErrReplayDeterminism = errors.New("replay determinism violation")
)

// IsLogical reports whether err belongs to the engine's logical error
// taxonomy. Logical errors are surfaced to the caller; anything else coming
// out of a storage layer is treated as transient and may be retried.
func IsLogical(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrDuplicateTimer),
		errors.Is(err, ErrUnknownInstance),
		errors.Is(err, ErrNotWaiting),
		errors.Is(err, ErrInstanceTerminal),
		errors.Is(err, ErrUnknownWorkflow),
		errors.Is(err, ErrReplayDeterminism):
		return true
	}
	var s *SuspendedError
	return errors.As(err, &s)
}

// nondeterministic wraps ErrReplayDeterminism with a formatted detail.
func nondeterministic(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrReplayDeterminism, fmt.Sprintf(format, args...))
}

// SuspendedError is returned by Context primitives when the instance has to
// wait for a timer or a signal. Workflow functions return it unchanged; the
// engine then stops interpreting and leaves the instance SUSPENDED.
type SuspendedError struct {
	Wait WaitPoint
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("suspended on %s %q", e.Wait.Kind, e.Wait.Name)
}

// IsSuspended returns the wait point and true if err reports a suspension.
func IsSuspended(err error) (WaitPoint, bool) {
	var s *SuspendedError
	if errors.As(err, &s) {
		return s.Wait, true
	}
	return WaitPoint{}, false
}
