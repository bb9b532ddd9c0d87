package taskqueue

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/petrijr/shipflow/internal/persistence"
)

func newTestSQLiteQueue(t *testing.T, path string) *SQLiteQueue {
	t.Helper()

	db, err := sql.Open("sqlite", persistence.SQLiteDSN(path))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	q.pollInterval = 5 * time.Millisecond
	return q
}

func TestSQLiteQueueConformance(t *testing.T) {
	q := newTestSQLiteQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	testQueueConformance(t, q)
}

func TestSQLiteQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := t.Context()

	first := newTestSQLiteQueue(t, path)
	if err := first.Enqueue(ctx, Task{Type: TaskTypeTimer, InstanceID: "i1", TimerKey: "customs"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	second := newTestSQLiteQueue(t, path)
	if got := second.Len(); got != 1 {
		t.Fatalf("expected 1 task after reopen, got %d", got)
	}
	task, err := second.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if task.TimerKey != "customs" {
		t.Fatalf("unexpected task: %+v", task)
	}
}
