package engine

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/shipflow/internal/persistence"
	"github.com/petrijr/shipflow/pkg/api"
)

type parcelInput struct {
	Item  string `json:"item"`
	Lucky bool   `json:"lucky"`
}

type parcelResult struct {
	Item   string `json:"item"`
	Lucky  bool   `json:"lucky"`
	Answer string `json:"answer,omitempty"`
}

type answer struct {
	Choice string `json:"choice"`
}

// parcelWorkflow sleeps on "transit", decides "lucky" from the input and,
// when unlucky, waits for an "answer" signal.
func parcelWorkflow(decisions *atomic.Int32) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: "parcel",
		Fn: func(wf api.Context) (any, error) {
			var in parcelInput
			if err := wf.Input(&in); err != nil {
				return nil, err
			}
			if err := wf.Advance("packed", in.Item); err != nil {
				return nil, err
			}
			if err := wf.Sleep("transit", time.Minute); err != nil {
				return nil, err
			}

			var lucky bool
			err := wf.Decide("lucky", func(r *rand.Rand) (any, error) {
				decisions.Add(1)
				return in.Lucky, nil
			}, &lucky)
			if err != nil {
				return nil, err
			}

			res := parcelResult{Item: in.Item, Lucky: lucky}
			if !lucky {
				var a answer
				if err := wf.WaitSignal("answer", &a); err != nil {
					return nil, err
				}
				if a.Choice == "fail" {
					return nil, errors.New("customer refused")
				}
				if err := wf.Advance("answered", a.Choice); err != nil {
					return nil, err
				}
				res.Answer = a.Choice
			}

			if err := wf.Advance("delivered", ""); err != nil {
				return nil, err
			}
			return res, nil
		},
	}
}

type fakeScheduler struct {
	mu        sync.Mutex
	timers    map[string]time.Time
	cancelled []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{timers: make(map[string]time.Time)}
}

func (s *fakeScheduler) Schedule(ctx context.Context, instanceID, key string, fireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := instanceID + "/" + key
	if _, ok := s.timers[k]; ok {
		return api.ErrDuplicateTimer
	}
	s.timers[k] = fireAt
	return nil
}

func (s *fakeScheduler) CancelInstance(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.timers {
		if strings.HasPrefix(k, instanceID+"/") {
			delete(s.timers, k)
		}
	}
	s.cancelled = append(s.cancelled, instanceID)
	return nil
}

func (s *fakeScheduler) armed(instanceID, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[instanceID+"/"+key]
	return ok
}

func (s *fakeScheduler) wasCancelled(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.cancelled {
		if id == instanceID {
			return true
		}
	}
	return false
}

type logFactory func(t *testing.T) persistence.EventLog

func inMemoryLog(t *testing.T) persistence.EventLog {
	t.Helper()
	return persistence.NewInMemoryEventLog()
}

func sqliteLog(t *testing.T) persistence.EventLog {
	t.Helper()

	db, err := sql.Open("sqlite", persistence.SQLiteDSN(filepath.Join(t.TempDir(), "engine.db")))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log, err := persistence.NewSQLiteEventLog(db)
	if err != nil {
		t.Fatalf("NewSQLiteEventLog failed: %v", err)
	}
	return log
}

var logFactories = map[string]logFactory{
	"in-memory": inMemoryLog,
	"sqlite":    sqliteLog,
}

type testEngine struct {
	*engineImpl
	sched     *fakeScheduler
	metrics   *api.BasicMetrics
	decisions *atomic.Int32
}

func newTestEngine(t *testing.T, log persistence.EventLog) *testEngine {
	t.Helper()

	sched := newFakeScheduler()
	metrics := &api.BasicMetrics{}
	decisions := &atomic.Int32{}

	eng := NewEngine(Config{
		Log:      log,
		Timers:   sched,
		Observer: metrics,
		Retry: api.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}).(*engineImpl)

	if err := eng.RegisterWorkflow(parcelWorkflow(decisions)); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}
	return &testEngine{engineImpl: eng, sched: sched, metrics: metrics, decisions: decisions}
}

func kinds(events []api.Event) []api.EventKind {
	out := make([]api.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func mustHistory(t *testing.T, eng api.Engine, id string) []api.Event {
	t.Helper()
	events, err := eng.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History(%s) failed: %v", id, err)
	}
	return events
}

func signal(id, name string, data any, token string) api.Event {
	raw, err := api.EncodeValue(data)
	if err != nil {
		panic(err)
	}
	return api.SignalReceived(id, name, raw, token)
}

// flakyLog fails Append while failures is positive.
type flakyLog struct {
	persistence.EventLog
	failures atomic.Int32
}

var errDiskBusy = errors.New("disk busy")

func (f *flakyLog) Append(ctx context.Context, ev api.Event, expectedSeq int64) (int64, error) {
	if f.failures.Add(-1) >= 0 {
		return 0, errDiskBusy
	}
	return f.EventLog.Append(ctx, ev, expectedSeq)
}

// ambiguousLog commits the first append of kind and then reports
// errDiskBusy for it, like a write whose acknowledgement was lost.
type ambiguousLog struct {
	persistence.EventLog
	kind api.EventKind
	lost atomic.Bool
}

func (l *ambiguousLog) Append(ctx context.Context, ev api.Event, expectedSeq int64) (int64, error) {
	seq, err := l.EventLog.Append(ctx, ev, expectedSeq)
	if err == nil && ev.Kind == l.kind && l.lost.CompareAndSwap(false, true) {
		return 0, errDiskBusy
	}
	return seq, err
}

func countKind(events []api.Event, kind api.EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
