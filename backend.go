package shipflow

import (
	"context"
	"database/sql"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/shipflow/internal/persistence"
	"github.com/petrijr/shipflow/internal/taskqueue"
)

// Backend bundles the three stores a Runtime needs: the event log, the
// timer store and the task queue. All three live in the same database so a
// single connection serves a process.
type Backend struct {
	Name   string
	Log    persistence.EventLog
	Timers persistence.TimerStore
	Queue  taskqueue.Queue

	close func() error
}

// Close releases whatever the backend constructor opened. Connections passed
// in by the caller are left open.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// CloseWith makes Close also run fn, for connections the caller wants the
// backend to own.
func (b *Backend) CloseWith(fn func() error) *Backend {
	prev := b.close
	b.close = func() error {
		var err error
		if prev != nil {
			err = prev()
		}
		return errors.Join(err, fn())
	}
	return b
}

// NewInMemoryBackend returns a non-durable backend for tests and demos.
func NewInMemoryBackend() *Backend {
	return &Backend{
		Name:   "memory",
		Log:    persistence.NewInMemoryEventLog(),
		Timers: persistence.NewInMemoryTimerStore(),
		Queue:  taskqueue.NewInMemoryQueue(1024),
	}
}

// OpenSQLite opens (creating if needed) a SQLite database file and builds a
// backend over it. Close closes the database.
func OpenSQLite(path string) (*Backend, error) {
	db, err := sql.Open("sqlite", persistence.SQLiteDSN(path))
	if err != nil {
		return nil, err
	}
	b, err := NewSQLiteBackend(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b.CloseWith(db.Close), nil
}

// NewSQLiteBackend constructs a durable Log + Timers + Queue combo sharing
// the same SQLite database. Open db with persistence.SQLiteDSN so writers
// wait on each other instead of failing.
func NewSQLiteBackend(db *sql.DB) (*Backend, error) {
	log, err := persistence.NewSQLiteEventLog(db)
	if err != nil {
		return nil, err
	}
	timers, err := persistence.NewSQLiteTimerStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return &Backend{Name: "sqlite", Log: log, Timers: timers, Queue: q}, nil
}

// NewPostgresBackend builds a backend over a database/sql handle using the
// pgx driver.
func NewPostgresBackend(db *sql.DB) (*Backend, error) {
	log, err := persistence.NewPostgresEventLog(db)
	if err != nil {
		return nil, err
	}
	timers, err := persistence.NewPostgresTimerStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return &Backend{Name: "postgres", Log: log, Timers: timers, Queue: q}, nil
}

// NewRedisBackend builds a backend whose keys all start with prefix.
func NewRedisBackend(client redis.UniversalClient, prefix string) *Backend {
	return &Backend{
		Name:   "redis",
		Log:    persistence.NewRedisEventLog(client, prefix),
		Timers: persistence.NewRedisTimerStore(client, prefix),
		Queue:  taskqueue.NewRedisQueue(client, prefix),
	}
}

// NewMongoBackend builds a backend in database dbName (default "shipflow"),
// creating the indexes it relies on.
func NewMongoBackend(ctx context.Context, client *mongo.Client, dbName string) (*Backend, error) {
	if dbName == "" {
		dbName = "shipflow"
	}
	log, err := persistence.NewMongoEventLog(ctx, client, dbName, "")
	if err != nil {
		return nil, err
	}
	timers, err := persistence.NewMongoTimerStore(ctx, client, dbName, "")
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewMongoQueue(ctx, client, dbName, "")
	if err != nil {
		return nil, err
	}
	return &Backend{Name: "mongo", Log: log, Timers: timers, Queue: q}, nil
}

var errNoBackend = errors.New("shipflow: backend is missing a store")

func (b *Backend) validate() error {
	if b == nil || b.Log == nil || b.Timers == nil || b.Queue == nil {
		return errNoBackend
	}
	return nil
}
