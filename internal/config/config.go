// Package config loads shipflow settings from a YAML file and SHIPFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/shipflow/pkg/shipment"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// StoreConfig selects where the event log, timers and task queue live.
type StoreConfig struct {
	Backend string `yaml:"backend"`

	SQLitePath string `yaml:"sqlite_path,omitempty"`

	PostgresDSN string `yaml:"postgres_dsn,omitempty"`

	// RedisAddr may list several comma-separated addresses for a cluster.
	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty"`
	RedisPrefix   string `yaml:"redis_prefix,omitempty"`

	MongoURI      string `yaml:"mongo_uri,omitempty"`
	MongoDatabase string `yaml:"mongo_database,omitempty"`
}

// QueueConfig tunes the in-memory task queue. Durable backends keep their
// queue next to the event log.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// RetryConfig mirrors api.RetryPolicy in YAML.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Concurrency int         `yaml:"concurrency"`
	Retry       RetryConfig `yaml:"retry"`
}

// TimerConfig tunes the timer service.
type TimerConfig struct {
	ScanInterval      time.Duration `yaml:"scan_interval"`
	BatchSize         int           `yaml:"batch_size"`
	Processors        int           `yaml:"processors"`
	MaxFiresPerSecond float64       `yaml:"max_fires_per_second"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	Inline            bool          `yaml:"inline"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig is used by the HTTP example service.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the full configuration.
type Config struct {
	Store    StoreConfig     `yaml:"store"`
	Queue    QueueConfig     `yaml:"queue"`
	Workers  WorkerConfig    `yaml:"workers"`
	Timers   TimerConfig     `yaml:"timers"`
	Engine   RetryConfig     `yaml:"engine_retry"`
	Log      LogConfig       `yaml:"log"`
	HTTP     HTTPConfig      `yaml:"http"`
	Shipment shipment.Config `yaml:"shipment"`
}

// Default returns the configuration used when nothing is set: a SQLite
// file in the working directory and the demo shipment timings.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:       BackendSQLite,
			SQLitePath:    "shipflow.db",
			RedisAddr:     "localhost:6379",
			RedisPrefix:   "shipflow:",
			MongoDatabase: "shipflow",
		},
		Queue: QueueConfig{Capacity: 1024},
		Workers: WorkerConfig{
			Concurrency: 4,
			Retry: RetryConfig{
				MaxAttempts:    5,
				InitialBackoff: 200 * time.Millisecond,
				MaxBackoff:     10 * time.Second,
				Multiplier:     2,
			},
		},
		Timers: TimerConfig{
			ScanInterval: 250 * time.Millisecond,
			BatchSize:    100,
			Processors:   4,
			RetryBackoff: 500 * time.Millisecond,
		},
		Engine: RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: 20 * time.Millisecond,
			MaxBackoff:     time.Second,
			Multiplier:     2,
		},
		Log:      LogConfig{Level: "info", Format: "text"},
		HTTP:     HTTPConfig{Addr: ":8000"},
		Shipment: shipment.DefaultConfig(),
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides fields from SHIPFLOW_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SHIPFLOW_STORE", &c.Store.Backend)
	str("SHIPFLOW_SQLITE_PATH", &c.Store.SQLitePath)
	str("SHIPFLOW_POSTGRES_DSN", &c.Store.PostgresDSN)
	str("SHIPFLOW_REDIS_ADDR", &c.Store.RedisAddr)
	str("SHIPFLOW_REDIS_PASSWORD", &c.Store.RedisPassword)
	str("SHIPFLOW_REDIS_PREFIX", &c.Store.RedisPrefix)
	str("SHIPFLOW_MONGO_URI", &c.Store.MongoURI)
	str("SHIPFLOW_MONGO_DATABASE", &c.Store.MongoDatabase)
	str("SHIPFLOW_LOG_LEVEL", &c.Log.Level)
	str("SHIPFLOW_LOG_FORMAT", &c.Log.Format)
	str("SHIPFLOW_HTTP_ADDR", &c.HTTP.Addr)

	var errs []error
	if v, ok := lookup("SHIPFLOW_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SHIPFLOW_WORKERS: %w", err))
		} else {
			c.Workers.Concurrency = n
		}
	}
	if v, ok := lookup("SHIPFLOW_ISSUE_PROBABILITY"); ok && v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SHIPFLOW_ISSUE_PROBABILITY: %w", err))
		} else {
			c.Shipment.IssueProbability = p
		}
	}
	if v, ok := lookup("SHIPFLOW_TIMER_SCAN_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SHIPFLOW_TIMER_SCAN_INTERVAL: %w", err))
		} else {
			c.Timers.ScanInterval = d
		}
	}
	return errors.Join(errs...)
}

// Validate reports every problem found in c.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Store.Backend) {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	case BackendMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Workers.Concurrency <= 0 {
		errs = append(errs, errors.New("workers.concurrency must be positive"))
	}
	if c.Workers.Retry.MaxAttempts <= 0 || c.Engine.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry max_attempts must be positive"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if err := c.Shipment.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("shipment: %w", err))
	}
	return errors.Join(errs...)
}
