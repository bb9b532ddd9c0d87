package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteQueue is a persistent task queue implementation backed by SQLite.
// Tasks are claimed with a single DELETE ... RETURNING, so concurrent
// workers never receive the same row.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			workflow_name TEXT NOT NULL DEFAULT '',
			instance_id TEXT NOT NULL DEFAULT '',
			signal_name TEXT NOT NULL DEFAULT '',
			dedup_token TEXT NOT NULL DEFAULT '',
			timer_key TEXT NOT NULL DEFAULT '',
			payload BLOB,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS tasks_not_before ON tasks (not_before, seq);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, type, workflow_name, instance_id, signal_name, dedup_token, timer_key, payload, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		string(t.Type),
		t.WorkflowName,
		t.InstanceID,
		t.SignalName,
		t.DedupToken,
		t.TimerKey,
		t.Payload,
		t.EnqueuedAt.UnixNano(),
		t.NotBefore.UnixNano(),
		t.Attempts,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			t          Task
			typ        string
			enqueuedAt int64
			notBefore  int64
		)
		err := q.db.QueryRowContext(ctx, `
			DELETE FROM tasks
			WHERE seq = (
				SELECT seq FROM tasks
				WHERE not_before <= ?
				ORDER BY not_before, seq
				LIMIT 1
			)
			RETURNING id, type, workflow_name, instance_id, signal_name, dedup_token, timer_key, payload, enqueued_at, not_before, attempts`,
			time.Now().UnixNano(),
		).Scan(&t.ID, &typ, &t.WorkflowName, &t.InstanceID, &t.SignalName, &t.DedupToken, &t.TimerKey,
			&t.Payload, &enqueuedAt, &notBefore, &t.Attempts)
		if errors.Is(err, sql.ErrNoRows) {
			// Nothing available: sleep a bit and retry.
			if err := idle(ctx, tmr, q.pollInterval); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		t.Type = TaskType(typ)
		t.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
		t.NotBefore = time.Unix(0, notBefore).UTC()
		return &t, nil
	}
}

func (q *SQLiteQueue) Len() int {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
