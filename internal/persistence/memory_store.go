package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/shipflow/pkg/api"
)

// InMemoryEventLog is a goroutine-safe EventLog backed by a map. It is used by
// tests and the in-process runtime; nothing survives the process.
type InMemoryEventLog struct {
	mu     sync.RWMutex
	events map[string][]api.Event
}

// NewInMemoryEventLog creates a new InMemoryEventLog.
func NewInMemoryEventLog() *InMemoryEventLog {
	return &InMemoryEventLog{events: make(map[string][]api.Event)}
}

var _ EventLog = (*InMemoryEventLog)(nil)

func (s *InMemoryEventLog) Append(ctx context.Context, ev api.Event, expectedSeq int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.events[ev.InstanceID]
	if int64(len(history)) != expectedSeq {
		return 0, api.ErrConflict
	}

	ev.Seq = expectedSeq + 1
	ev.At = nowUTC(ev.At)
	ev.Payload = append([]byte(nil), ev.Payload...)
	s.events[ev.InstanceID] = append(history, ev)
	return ev.Seq, nil
}

func (s *InMemoryEventLog) ReadAll(ctx context.Context, instanceID string) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.events[instanceID]
	out := make([]api.Event, len(history))
	copy(out, history)
	return out, nil
}

func (s *InMemoryEventLog) ListInstances(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type timerID struct {
	instanceID string
	key        string
}

// InMemoryTimerStore is a goroutine-safe TimerStore backed by a map.
type InMemoryTimerStore struct {
	mu     sync.Mutex
	timers map[timerID]TimerRequest
}

// NewInMemoryTimerStore creates a new InMemoryTimerStore.
func NewInMemoryTimerStore() *InMemoryTimerStore {
	return &InMemoryTimerStore{timers: make(map[timerID]TimerRequest)}
}

var _ TimerStore = (*InMemoryTimerStore)(nil)

func (s *InMemoryTimerStore) CreateTimer(ctx context.Context, t TimerRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := timerID{t.InstanceID, t.Key}
	if _, exists := s.timers[id]; exists {
		return api.ErrDuplicateTimer
	}
	t.FireAt = t.FireAt.UTC()
	s.timers[id] = t
	return nil
}

func (s *InMemoryTimerStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]TimerRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []TimerRequest
	for _, t := range s.timers {
		if !t.FireAt.After(now) {
			due = append(due, t)
		}
	}
	sortTimers(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryTimerStore) PostponeTimer(ctx context.Context, instanceID, key string, until time.Time, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := timerID{instanceID, key}
	t, ok := s.timers[id]
	if !ok {
		return nil
	}
	t.FireAt = until.UTC()
	t.Attempts = attempts
	s.timers[id] = t
	return nil
}

func (s *InMemoryTimerStore) DeleteTimer(ctx context.Context, instanceID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, timerID{instanceID, key})
	return nil
}

func (s *InMemoryTimerStore) DeleteInstanceTimers(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.timers {
		if id.instanceID == instanceID {
			delete(s.timers, id)
		}
	}
	return nil
}

func (s *InMemoryTimerStore) ListTimers(ctx context.Context) ([]TimerRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TimerRequest, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t)
	}
	sortTimers(out)
	return out, nil
}

// sortTimers orders by fire time, then by instance and key for stable output.
func sortTimers(ts []TimerRequest) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].FireAt.Equal(ts[j].FireAt) {
			return ts[i].FireAt.Before(ts[j].FireAt)
		}
		if ts[i].InstanceID != ts[j].InstanceID {
			return ts[i].InstanceID < ts[j].InstanceID
		}
		return ts[i].Key < ts[j].Key
	})
}
