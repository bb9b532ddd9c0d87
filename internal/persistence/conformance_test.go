package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/shipflow/pkg/api"
)

// Every backend runs these two functions, so the engine can rely on the same
// guarantees whatever stores it is wired to.

func testEventLogConformance(t *testing.T, log EventLog) {
	t.Helper()
	ctx := context.Background()

	t.Run("AppendAssignsGaplessSeq", func(t *testing.T) {
		id := "conf-" + uuid.NewString()
		at := time.Now().UTC().Truncate(time.Millisecond)

		kinds := []api.EventKind{api.EventStarted, api.EventStageAdvanced, api.EventTimerScheduled}
		for i, kind := range kinds {
			seq, err := log.Append(ctx, api.Event{
				InstanceID: id,
				Kind:       kind,
				Payload:    json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
				At:         at.Add(time.Duration(i) * time.Second),
			}, int64(i))
			require.NoError(t, err)
			require.Equal(t, int64(i+1), seq)
		}

		events, err := log.ReadAll(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, len(kinds))
		for i, ev := range events {
			require.Equal(t, id, ev.InstanceID)
			require.Equal(t, int64(i+1), ev.Seq)
			require.Equal(t, kinds[i], ev.Kind)
			require.JSONEq(t, `{"n":`+string(rune('0'+i))+`}`, string(ev.Payload))
			require.True(t, ev.At.Equal(at.Add(time.Duration(i)*time.Second)), "at = %v", ev.At)
		}
	})

	t.Run("StaleExpectedSeqConflicts", func(t *testing.T) {
		id := "conf-" + uuid.NewString()
		started := api.Event{InstanceID: id, Kind: api.EventStarted, Payload: json.RawMessage(`{}`)}

		_, err := log.Append(ctx, started, 0)
		require.NoError(t, err)

		_, err = log.Append(ctx, started, 0)
		require.ErrorIs(t, err, api.ErrConflict)

		_, err = log.Append(ctx, started, 5)
		require.ErrorIs(t, err, api.ErrConflict)

		events, err := log.ReadAll(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, 1, "a conflicting append must not write")
	})

	t.Run("UnknownInstanceReadsEmpty", func(t *testing.T) {
		events, err := log.ReadAll(ctx, "conf-missing-"+uuid.NewString())
		require.NoError(t, err)
		require.Empty(t, events)
	})

	t.Run("ListInstances", func(t *testing.T) {
		a, b := "conf-"+uuid.NewString(), "conf-"+uuid.NewString()
		for _, id := range []string{a, b} {
			_, err := log.Append(ctx, api.Event{InstanceID: id, Kind: api.EventStarted, Payload: json.RawMessage(`{}`)}, 0)
			require.NoError(t, err)
		}
		ids, err := log.ListInstances(ctx)
		require.NoError(t, err)
		require.Contains(t, ids, a)
		require.Contains(t, ids, b)
	})

	t.Run("ConcurrentAppendsOnSameTail", func(t *testing.T) {
		id := "conf-" + uuid.NewString()
		_, err := log.Append(ctx, api.Event{InstanceID: id, Kind: api.EventStarted, Payload: json.RawMessage(`{}`)}, 0)
		require.NoError(t, err)

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
			others    []error
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := log.Append(ctx, api.Event{
					InstanceID: id,
					Kind:       api.EventStageAdvanced,
					Payload:    json.RawMessage(`{"stage":"x"}`),
				}, 1)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, api.ErrConflict):
					conflicts++
				default:
					others = append(others, err)
				}
			}()
		}
		wg.Wait()

		require.Empty(t, others)
		require.Equal(t, 1, successes, "exactly one writer may win the tail")
		require.Equal(t, writers-1, conflicts)

		events, err := log.ReadAll(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, int64(2), events[1].Seq)
	})
}

func testTimerStoreConformance(t *testing.T, store TimerStore) {
	t.Helper()
	ctx := context.Background()

	id := "timers-" + uuid.NewString()
	other := "timers-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	mine := func(ts []TimerRequest) []TimerRequest {
		var out []TimerRequest
		for _, tr := range ts {
			if tr.InstanceID == id || tr.InstanceID == other {
				out = append(out, tr)
			}
		}
		return out
	}

	require.NoError(t, store.CreateTimer(ctx, TimerRequest{InstanceID: id, Key: "a", FireAt: now.Add(-time.Second)}))
	require.NoError(t, store.CreateTimer(ctx, TimerRequest{InstanceID: id, Key: "b", FireAt: now.Add(time.Hour)}))
	require.NoError(t, store.CreateTimer(ctx, TimerRequest{InstanceID: other, Key: "a", FireAt: now.Add(-2 * time.Second)}))

	err := store.CreateTimer(ctx, TimerRequest{InstanceID: id, Key: "a", FireAt: now})
	require.ErrorIs(t, err, api.ErrDuplicateTimer)

	due, err := store.DueTimers(ctx, now, 0)
	require.NoError(t, err)
	due = mine(due)
	require.Len(t, due, 2)
	require.Equal(t, other, due[0].InstanceID, "earliest first")
	require.Equal(t, id, due[1].InstanceID)
	require.Equal(t, "a", due[1].Key)
	require.True(t, due[1].FireAt.Equal(now.Add(-time.Second)), "fire_at = %v", due[1].FireAt)

	limited, err := store.DueTimers(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	require.NoError(t, store.PostponeTimer(ctx, id, "a", now.Add(time.Minute), 2))
	due, err = store.DueTimers(ctx, now, 0)
	require.NoError(t, err)
	due = mine(due)
	require.Len(t, due, 1)
	require.Equal(t, other, due[0].InstanceID)

	all, err := store.ListTimers(ctx)
	require.NoError(t, err)
	all = mine(all)
	require.Len(t, all, 3)
	var postponed TimerRequest
	for _, tr := range all {
		if tr.InstanceID == id && tr.Key == "a" {
			postponed = tr
		}
	}
	require.Equal(t, 2, postponed.Attempts)
	require.True(t, postponed.FireAt.Equal(now.Add(time.Minute)))

	require.NoError(t, store.DeleteTimer(ctx, other, "a"))
	require.NoError(t, store.DeleteTimer(ctx, other, "a"), "deleting twice is not an error")
	require.NoError(t, store.PostponeTimer(ctx, other, "a", now, 1), "postponing a retired timer is a no-op")

	require.NoError(t, store.DeleteInstanceTimers(ctx, id))
	all, err = store.ListTimers(ctx)
	require.NoError(t, err)
	require.Empty(t, mine(all))

	// A retired key can be scheduled again.
	require.NoError(t, store.CreateTimer(ctx, TimerRequest{InstanceID: id, Key: "a", FireAt: now}))
	require.NoError(t, store.DeleteInstanceTimers(ctx, id))
}
