package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testQueueConformance checks the behaviour every Queue backend shares. The
// queue must be empty on entry.
func testQueueConformance(t *testing.T, q Queue) {
	t.Helper()

	t.Run("RoundTripsAllFields", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		in := Task{
			Type:         TaskTypeSignal,
			WorkflowName: "shipment",
			InstanceID:   "SHP-01021504-ABCD",
			SignalName:   "resolve",
			DedupToken:   "tok-1",
			TimerKey:     "transit",
			Payload:      []byte(`{"strategy":"express"}`),
			Attempts:     2,
		}
		require.NoError(t, q.Enqueue(ctx, in))

		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, got.ID)
		require.Equal(t, in.Type, got.Type)
		require.Equal(t, in.WorkflowName, got.WorkflowName)
		require.Equal(t, in.InstanceID, got.InstanceID)
		require.Equal(t, in.SignalName, got.SignalName)
		require.Equal(t, in.DedupToken, got.DedupToken)
		require.Equal(t, in.TimerKey, got.TimerKey)
		require.Equal(t, in.Payload, got.Payload)
		require.Equal(t, in.Attempts, got.Attempts)
		require.False(t, got.EnqueuedAt.IsZero())
		require.Equal(t, 0, q.Len())
	})

	t.Run("DequeueHonoursContext", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := q.Dequeue(ctx)
		require.Error(t, err)
		require.True(t, errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil, "err = %v", err)
	})

	t.Run("NotBeforeDelaysDelivery", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		delay := 300 * time.Millisecond
		require.NoError(t, q.Enqueue(ctx, Task{
			Type:       TaskTypeTimer,
			InstanceID: "late",
			TimerKey:   "transit",
			NotBefore:  time.Now().Add(delay),
		}))
		require.Equal(t, 1, q.Len())

		early, cancelEarly := context.WithTimeout(ctx, delay/3)
		_, err := q.Dequeue(early)
		cancelEarly()
		require.Error(t, err, "task delivered before NotBefore")

		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, "late", got.InstanceID)
	})

	t.Run("EachTaskDeliveredOnce", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		const n = 20
		for i := 0; i < n; i++ {
			require.NoError(t, q.Enqueue(ctx, Task{Type: TaskTypeCancel, InstanceID: "bulk"}))
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					mu.Lock()
					done := len(seen) == n
					mu.Unlock()
					if done {
						return
					}
					pollCtx, pollCancel := context.WithTimeout(ctx, 500*time.Millisecond)
					task, err := q.Dequeue(pollCtx)
					pollCancel()
					if err != nil {
						if ctx.Err() != nil {
							return
						}
						continue
					}
					mu.Lock()
					seen[task.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, seen, n)
		for id, count := range seen {
			require.Equal(t, 1, count, "task %s delivered %d times", id, count)
		}
	})
}
