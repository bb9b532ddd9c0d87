package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// InMemoryQueue is a simple Queue implementation backed by a buffered channel.
// Tasks with a future NotBefore are held back by a timer; one that comes due
// while the channel is full waits in an overflow list instead. It is safe for
// concurrent use.
type InMemoryQueue struct {
	ch      chan Task
	delayed atomic.Int64

	mu       sync.Mutex
	overflow []Task
}

// NewInMemoryQueue creates a new queue with the given capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		ch: make(chan Task, capacity),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t)

	if wait := time.Until(t.NotBefore); wait > 0 {
		q.delayed.Add(1)
		time.AfterFunc(wait, func() {
			q.release(t)
			q.delayed.Add(-1)
		})
		return nil
	}

	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release hands a delayed task over without ever blocking the timer
// goroutine.
func (q *InMemoryQueue) release(t Task) {
	select {
	case q.ch <- t:
	default:
		q.mu.Lock()
		q.overflow = append(q.overflow, t)
		q.mu.Unlock()
	}
}

// Dequeue serves overflow first. Overflow only grows while the channel is
// full, so a consumer blocked on an empty channel cannot miss it.
func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	q.mu.Lock()
	if len(q.overflow) > 0 {
		t := q.overflow[0]
		q.overflow = q.overflow[1:]
		q.mu.Unlock()
		return &t, nil
	}
	q.mu.Unlock()

	select {
	case t := <-q.ch:
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	n := len(q.overflow)
	q.mu.Unlock()
	return len(q.ch) + n + int(q.delayed.Load())
}
