// Package taskqueue holds the work items the worker pool executes: starting
// instances, delivering signals and timers, and cancelling instances.
package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	TaskTypeStartWorkflow TaskType = "start-workflow"
	TaskTypeSignal        TaskType = "signal"
	TaskTypeTimer         TaskType = "timer"
	TaskTypeCancel        TaskType = "cancel"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	// For start-workflow tasks
	WorkflowName string

	// Target instance. Start tasks may leave it empty to get a generated ID.
	InstanceID string

	// For signal tasks
	SignalName string
	DedupToken string

	// For timer tasks
	TimerKey string

	// Payload is task-type specific:
	//   - start-workflow: JSON-encoded workflow input
	//   - signal: JSON-encoded signal data
	//   - cancel: the cancellation reason as plain text
	Payload []byte

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time

	// Attempts counts failed executions so far.
	Attempts int
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task, blocking until one is available
	// or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

// prepare fills in the ID, EnqueuedAt and NotBefore of a task about to be
// enqueued.
func prepare(t *Task) {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
}

// pollTimer returns a stopped timer for idle polling loops.
func pollTimer() *time.Timer {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	return tmr
}

// idle waits for d or until ctx is done.
func idle(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		tmr.Stop()
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
