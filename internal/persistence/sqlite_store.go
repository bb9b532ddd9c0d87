package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/petrijr/shipflow/pkg/api"
)

// SQLiteDSN builds a modernc.org/sqlite DSN for a database file with the
// pragmas the event log relies on: WAL journaling, a busy timeout so
// concurrent writers queue instead of failing, and synchronous=FULL so an
// acknowledged append survives power loss.
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Add("_pragma", "foreign_keys(ON)")
	return "file:" + path + "?" + q.Encode()
}

// SQLiteEventLog is an EventLog backed by SQLite.
//
// It expects an *sql.DB that uses the "modernc.org/sqlite" driver, ideally
// opened with SQLiteDSN.
type SQLiteEventLog struct {
	db *sql.DB
}

var _ EventLog = (*SQLiteEventLog)(nil)

// NewSQLiteEventLog initializes the required schema in the given
// database and returns a new SQLiteEventLog.
func NewSQLiteEventLog(db *sql.DB) (*SQLiteEventLog, error) {
	s := &SQLiteEventLog{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventLog) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_events (
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload BLOB,
			at INTEGER NOT NULL,
			PRIMARY KEY (instance_id, seq)
		) WITHOUT ROWID;`,
	)
	return err
}

// Append inserts the event only if the instance's tail is still expectedSeq.
// The guard and the insert are one statement, so the write lock is taken
// once and two writers racing on the same tail cannot both succeed.
func (s *SQLiteEventLog) Append(ctx context.Context, ev api.Event, expectedSeq int64) (int64, error) {
	seq := expectedSeq + 1
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (instance_id, seq, kind, payload, at)
		SELECT ?, ?, ?, ?, ?
		WHERE (SELECT COALESCE(MAX(seq), 0) FROM workflow_events WHERE instance_id = ?) = ?`,
		ev.InstanceID,
		seq,
		string(ev.Kind),
		[]byte(ev.Payload),
		nowUTC(ev.At).UnixNano(),
		ev.InstanceID,
		expectedSeq,
	)
	if err != nil {
		if isSQLiteConstraint(err) {
			return 0, api.ErrConflict
		}
		return 0, fmt.Errorf("sqlite append %s #%d: %w", ev.InstanceID, seq, err)
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

func (s *SQLiteEventLog) ReadAll(ctx context.Context, instanceID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, payload, at
		FROM workflow_events
		WHERE instance_id = ?
		ORDER BY seq ASC`, instanceID)
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
			atN     int64
		)
		if err := rows.Scan(&seq, &kind, &payload, &atN); err != nil {
			return nil, err
		}
		out = append(out, api.Event{
			InstanceID: instanceID,
			Seq:        seq,
			Kind:       api.EventKind(kind),
			Payload:    payload,
			At:         time.Unix(0, atN).UTC(),
		})
	}
	return out, rows.Err()
}

func (s *SQLiteEventLog) ListInstances(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT DISTINCT instance_id FROM workflow_events ORDER BY instance_id`)
}

// SQLiteTimerStore is a TimerStore backed by SQLite.
type SQLiteTimerStore struct {
	db *sql.DB
}

var _ TimerStore = (*SQLiteTimerStore)(nil)

// NewSQLiteTimerStore initializes the timer table and returns a store.
func NewSQLiteTimerStore(db *sql.DB) (*SQLiteTimerStore, error) {
	s := &SQLiteTimerStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTimerStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_timers (
			instance_id TEXT NOT NULL,
			timer_key TEXT NOT NULL,
			fire_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, timer_key)
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_timers_fire_at ON workflow_timers(fire_at);`,
	)
	return err
}

func (s *SQLiteTimerStore) CreateTimer(ctx context.Context, t TimerRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_timers (instance_id, timer_key, fire_at, attempts)
		VALUES (?, ?, ?, ?)`,
		t.InstanceID, t.Key, t.FireAt.UnixNano(), t.Attempts,
	)
	if err != nil && isSQLiteConstraint(err) {
		return api.ErrDuplicateTimer
	}
	return err
}

func (s *SQLiteTimerStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]TimerRequest, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `
		SELECT instance_id, timer_key, fire_at, attempts
		FROM workflow_timers
		WHERE fire_at <= ?
		ORDER BY fire_at, instance_id, timer_key
		LIMIT ?`, now.UnixNano(), limit)
}

func (s *SQLiteTimerStore) PostponeTimer(ctx context.Context, instanceID, key string, until time.Time, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_timers SET fire_at = ?, attempts = ?
		WHERE instance_id = ? AND timer_key = ?`,
		until.UnixNano(), attempts, instanceID, key,
	)
	return err
}

func (s *SQLiteTimerStore) DeleteTimer(ctx context.Context, instanceID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_timers WHERE instance_id = ? AND timer_key = ?`, instanceID, key)
	return err
}

func (s *SQLiteTimerStore) DeleteInstanceTimers(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_timers WHERE instance_id = ?`, instanceID)
	return err
}

func (s *SQLiteTimerStore) ListTimers(ctx context.Context) ([]TimerRequest, error) {
	return s.query(ctx, `
		SELECT instance_id, timer_key, fire_at, attempts
		FROM workflow_timers
		ORDER BY fire_at, instance_id, timer_key`)
}

func (s *SQLiteTimerStore) query(ctx context.Context, q string, args ...any) ([]TimerRequest, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimerRequest
	for rows.Next() {
		var (
			t   TimerRequest
			atN int64
		)
		if err := rows.Scan(&t.InstanceID, &t.Key, &atN, &t.Attempts); err != nil {
			return nil, err
		}
		t.FireAt = time.Unix(0, atN).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT:
		return true
	}
	return false
}

func queryStrings(ctx context.Context, db *sql.DB, q string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
