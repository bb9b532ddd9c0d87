package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/petrijr/shipflow/pkg/api"
)

// newTestSQLiteDB opens a file-backed database. An in-memory DSN would give
// every pooled connection its own empty database.
func newTestSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "shipflow.db")
	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

func TestSQLiteEventLog_Conformance(t *testing.T) {
	log, err := NewSQLiteEventLog(newTestSQLiteDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteEventLog failed: %v", err)
	}
	testEventLogConformance(t, log)
}

func TestSQLiteTimerStore_Conformance(t *testing.T) {
	store, err := NewSQLiteTimerStore(newTestSQLiteDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteTimerStore failed: %v", err)
	}
	testTimerStoreConformance(t, store)
}

func TestSQLiteEventLog_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	log, err := NewSQLiteEventLog(db)
	if err != nil {
		t.Fatalf("NewSQLiteEventLog failed: %v", err)
	}
	for i, kind := range []api.EventKind{api.EventStarted, api.EventStageAdvanced} {
		if _, err := log.Append(ctx, api.Event{InstanceID: "wf-1", Kind: kind, Payload: json.RawMessage(`{}`)}, int64(i)); err != nil {
			t.Fatalf("Append #%d failed: %v", i+1, err)
		}
	}
	_ = db.Close()

	db2, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		t.Fatalf("sql.Open (reopen) failed: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })

	log2, err := NewSQLiteEventLog(db2)
	if err != nil {
		t.Fatalf("NewSQLiteEventLog (reopen) failed: %v", err)
	}
	events, err := log2.ReadAll(ctx, "wf-1")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(events) != 2 || events[1].Kind != api.EventStageAdvanced {
		t.Fatalf("unexpected events after reopen: %+v", events)
	}

	if _, err := log2.Append(ctx, api.Event{InstanceID: "wf-1", Kind: api.EventCompleted, Payload: json.RawMessage(`{}`)}, 1); err != api.ErrConflict {
		t.Fatalf("expected ErrConflict on stale tail after reopen, got %v", err)
	}
}

func TestSQLiteStores_ShareDatabase(t *testing.T) {
	db := newTestSQLiteDB(t)
	if _, err := NewSQLiteEventLog(db); err != nil {
		t.Fatalf("NewSQLiteEventLog failed: %v", err)
	}
	if _, err := NewSQLiteTimerStore(db); err != nil {
		t.Fatalf("NewSQLiteTimerStore failed: %v", err)
	}
	// Schema creation is idempotent.
	if _, err := NewSQLiteTimerStore(db); err != nil {
		t.Fatalf("second NewSQLiteTimerStore failed: %v", err)
	}
}
