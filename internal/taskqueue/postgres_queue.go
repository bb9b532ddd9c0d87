package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PostgresQueue implements Queue on top of PostgreSQL.
//
// Tasks are stored gob-encoded. Dequeue claims the oldest eligible row with
// FOR UPDATE SKIP LOCKED and deletes it in the same statement, so workers in
// different processes never block on or share a task.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue creates the queue table if needed.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, pollInterval: 100 * time.Millisecond}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			payload BYTEA NOT NULL,
			not_before TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS queue_tasks_not_before ON queue_tasks (not_before, seq);
	`)
	return err
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, payload, not_before)
		VALUES ($1, $2, $3)
	`, t.ID, data, t.NotBefore)
	return err
}

// Dequeue blocks (with polling) until a task is available or ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			id      string
			payload []byte
		)
		err := q.db.QueryRowContext(ctx, `
			DELETE FROM queue_tasks
			WHERE seq = (
				SELECT seq FROM queue_tasks
				WHERE not_before <= now()
				ORDER BY not_before, seq
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, payload
		`).Scan(&id, &payload)
		if errors.Is(err, sql.ErrNoRows) {
			// Nothing available yet; wait a bit and retry.
			if err := idle(ctx, tmr, q.pollInterval); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		task, err := DecodeTask(payload)
		if err != nil {
			return nil, fmt.Errorf("decode task %q failed: %w", id, err)
		}
		return task, nil
	}
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n); err != nil {
		slog.Warn("postgres queue length failed", slog.Any("error", err))
		return 0
	}
	return n
}
