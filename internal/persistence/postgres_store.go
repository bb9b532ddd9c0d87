package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/petrijr/shipflow/pkg/api"
)

const pgUniqueViolation = "23505"

// PostgresEventLog is an EventLog backed by PostgreSQL.
//
// It expects an *sql.DB that uses the pgx driver. The caller is responsible
// for importing it for its side effects and providing a DSN via sql.Open:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", dsn)
type PostgresEventLog struct {
	db *sql.DB
}

var _ EventLog = (*PostgresEventLog)(nil)

// NewPostgresEventLog initializes the required schema in the given
// database and returns a new PostgresEventLog.
func NewPostgresEventLog(db *sql.DB) (*PostgresEventLog, error) {
	s := &PostgresEventLog{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresEventLog) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_events (
			instance_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			kind TEXT NOT NULL,
			payload BYTEA,
			at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (instance_id, seq)
		);
	`)
	return err
}

// Append relies on the primary key for safety: two transactions that both
// observed the same tail race to insert the same (instance_id, seq) and the
// loser gets a unique violation, which is reported as api.ErrConflict.
func (s *PostgresEventLog) Append(ctx context.Context, ev api.Event, expectedSeq int64) (int64, error) {
	seq := expectedSeq + 1
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (instance_id, seq, kind, payload, at)
		SELECT $1::text, $2::bigint, $3::text, $4::bytea, $5::timestamptz
		WHERE (SELECT COALESCE(MAX(seq), 0) FROM workflow_events WHERE instance_id = $1::text) = $6::bigint
	`,
		ev.InstanceID,
		seq,
		string(ev.Kind),
		[]byte(ev.Payload),
		nowUTC(ev.At),
		expectedSeq,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return 0, api.ErrConflict
		}
		return 0, fmt.Errorf("postgres append %s #%d: %w", ev.InstanceID, seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, api.ErrConflict
	}
	return seq, nil
}

func (s *PostgresEventLog) ReadAll(ctx context.Context, instanceID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, payload, at
		FROM workflow_events
		WHERE instance_id = $1
		ORDER BY seq ASC
	`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []api.Event{}
	for rows.Next() {
		var (
			seq     int64
			kind    string
			payload []byte
			at      time.Time
		)
		if err := rows.Scan(&seq, &kind, &payload, &at); err != nil {
			return nil, err
		}
		out = append(out, api.Event{
			InstanceID: instanceID,
			Seq:        seq,
			Kind:       api.EventKind(kind),
			Payload:    payload,
			At:         at.UTC(),
		})
	}
	return out, rows.Err()
}

func (s *PostgresEventLog) ListInstances(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT DISTINCT instance_id FROM workflow_events ORDER BY instance_id`)
}

// PostgresTimerStore is a TimerStore backed by PostgreSQL.
type PostgresTimerStore struct {
	db *sql.DB
}

var _ TimerStore = (*PostgresTimerStore)(nil)

// NewPostgresTimerStore initializes the timer table and returns a store.
func NewPostgresTimerStore(db *sql.DB) (*PostgresTimerStore, error) {
	s := &PostgresTimerStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresTimerStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_timers (
			instance_id TEXT NOT NULL,
			timer_key TEXT NOT NULL,
			fire_at TIMESTAMPTZ NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, timer_key)
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_timers_fire_at ON workflow_timers(fire_at);
	`)
	return err
}

func (s *PostgresTimerStore) CreateTimer(ctx context.Context, t TimerRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_timers (instance_id, timer_key, fire_at, attempts)
		VALUES ($1, $2, $3, $4)
	`, t.InstanceID, t.Key, t.FireAt.UTC(), t.Attempts)
	if err != nil && isPgUniqueViolation(err) {
		return api.ErrDuplicateTimer
	}
	return err
}

func (s *PostgresTimerStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]TimerRequest, error) {
	q := `
		SELECT instance_id, timer_key, fire_at, attempts
		FROM workflow_timers
		WHERE fire_at <= $1
		ORDER BY fire_at, instance_id, timer_key`
	args := []any{now.UTC()}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.query(ctx, q, args...)
}

func (s *PostgresTimerStore) PostponeTimer(ctx context.Context, instanceID, key string, until time.Time, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_timers SET fire_at = $1, attempts = $2
		WHERE instance_id = $3 AND timer_key = $4
	`, until.UTC(), attempts, instanceID, key)
	return err
}

func (s *PostgresTimerStore) DeleteTimer(ctx context.Context, instanceID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_timers WHERE instance_id = $1 AND timer_key = $2`, instanceID, key)
	return err
}

func (s *PostgresTimerStore) DeleteInstanceTimers(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_timers WHERE instance_id = $1`, instanceID)
	return err
}

func (s *PostgresTimerStore) ListTimers(ctx context.Context) ([]TimerRequest, error) {
	return s.query(ctx, `
		SELECT instance_id, timer_key, fire_at, attempts
		FROM workflow_timers
		ORDER BY fire_at, instance_id, timer_key`)
}

func (s *PostgresTimerStore) query(ctx context.Context, q string, args ...any) ([]TimerRequest, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimerRequest
	for rows.Next() {
		var t TimerRequest
		if err := rows.Scan(&t.InstanceID, &t.Key, &t.FireAt, &t.Attempts); err != nil {
			return nil, err
		}
		t.FireAt = t.FireAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
