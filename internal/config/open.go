package config

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/shipflow"
	"github.com/petrijr/shipflow/internal/taskqueue"
)

// OpenBackend connects to the store selected by c. The returned backend
// owns the connection; Close releases it.
func OpenBackend(ctx context.Context, c Config) (*shipflow.Backend, error) {
	s := c.Store
	switch strings.ToLower(s.Backend) {
	case BackendMemory:
		b := shipflow.NewInMemoryBackend()
		if c.Queue.Capacity > 0 {
			b.Queue = taskqueue.NewInMemoryQueue(c.Queue.Capacity)
		}
		return b, nil

	case BackendSQLite:
		return shipflow.OpenSQLite(s.SQLitePath)

	case BackendPostgres:
		db, err := sql.Open("pgx", s.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		b, err := shipflow.NewPostgresBackend(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return b.CloseWith(db.Close), nil

	case BackendRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    strings.Split(s.RedisAddr, ","),
			Password: s.RedisPassword,
			DB:       s.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return shipflow.NewRedisBackend(client, s.RedisPrefix).CloseWith(client.Close), nil

	case BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() error { return client.Disconnect(context.Background()) }
		if err := client.Ping(ctx, nil); err != nil {
			_ = disconnect()
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		b, err := shipflow.NewMongoBackend(ctx, client, s.MongoDatabase)
		if err != nil {
			_ = disconnect()
			return nil, err
		}
		return b.CloseWith(disconnect), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", s.Backend)
}

func (r RetryConfig) policy() shipflow.RetryPolicy {
	return shipflow.Retry(r.MaxAttempts).
		WithExponentialBackoff(r.InitialBackoff, r.Multiplier, r.MaxBackoff).
		Policy()
}

// RuntimeConfig maps c onto the settings of a shipflow.Runtime.
func (c Config) RuntimeConfig(logger *slog.Logger) shipflow.RuntimeConfig {
	return shipflow.RuntimeConfig{
		Shipment:    c.Shipment,
		EngineRetry: c.Engine.policy(),
		TaskRetry:   c.Workers.Retry.policy(),
		Timers: shipflow.TimerConfig{
			ScanInterval:      c.Timers.ScanInterval,
			BatchSize:         c.Timers.BatchSize,
			Processors:        c.Timers.Processors,
			MaxFiresPerSecond: c.Timers.MaxFiresPerSecond,
			Retry: shipflow.RetryPolicy{
				InitialBackoff:    c.Timers.RetryBackoff,
				MaxBackoff:        30 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		InlineTimers: c.Timers.Inline,
		Logger:       logger,
	}
}
