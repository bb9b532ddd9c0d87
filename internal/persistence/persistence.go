package persistence

import (
	"context"
	"time"

	"github.com/petrijr/shipflow/pkg/api"
)

// EventLog is the append-only, per-instance event history. It is the only
// source of truth for workflow state.
type EventLog interface {
	// Append stores ev with Seq = expectedSeq+1 and returns that sequence
	// number once the write is durable. It returns api.ErrConflict when the
	// instance's current last sequence number is not expectedSeq, so a
	// stale writer can never overwrite or fork the history.
	Append(ctx context.Context, ev api.Event, expectedSeq int64) (int64, error)

	// ReadAll returns the instance's events ordered by Seq. An unknown
	// instance yields an empty slice.
	ReadAll(ctx context.Context, instanceID string) ([]api.Event, error)

	// ListInstances returns the IDs of all instances with at least one event.
	ListInstances(ctx context.Context) ([]string, error)
}

// TimerRequest is a pending durable timer. (InstanceID, Key) is unique among
// pending timers.
type TimerRequest struct {
	InstanceID string
	Key        string
	FireAt     time.Time
	Attempts   int
}

// TimerStore persists pending timers so they survive restarts.
type TimerStore interface {
	// CreateTimer stores a new pending timer. It returns
	// api.ErrDuplicateTimer if (InstanceID, Key) is already pending.
	CreateTimer(ctx context.Context, t TimerRequest) error

	// DueTimers returns up to limit timers with FireAt <= now, earliest first.
	DueTimers(ctx context.Context, now time.Time, limit int) ([]TimerRequest, error)

	// PostponeTimer moves a pending timer to until and records the number of
	// failed delivery attempts.
	PostponeTimer(ctx context.Context, instanceID, key string, until time.Time, attempts int) error

	// DeleteTimer retires a timer. Deleting an unknown timer is not an error.
	DeleteTimer(ctx context.Context, instanceID, key string) error

	// DeleteInstanceTimers retires every timer of an instance.
	DeleteInstanceTimers(ctx context.Context, instanceID string) error

	// ListTimers returns all pending timers, earliest first.
	ListTimers(ctx context.Context) ([]TimerRequest, error)
}

func nowUTC(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
