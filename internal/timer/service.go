// Package timer implements the durable timer service. Pending timers live in
// a persistence.TimerStore; the service scans for due timers and hands them to
// a pool of processors that deliver them through a FireFunc.
package timer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/petrijr/shipflow/internal/persistence"
	"github.com/petrijr/shipflow/pkg/api"
)

var (
	ErrServiceRunning    = errors.New("timer service is already running")
	ErrServiceNotRunning = errors.New("timer service is not running")
)

// FireFunc delivers a due timer. Returning nil retires the timer; an error
// keeps it pending and it is retried after a backoff. Delivery is
// at-least-once, so FireFunc must tolerate duplicates.
type FireFunc func(ctx context.Context, t persistence.TimerRequest) error

// Config holds the configuration for the timer service.
type Config struct {
	ScanInterval time.Duration
	BatchSize    int
	Processors   int

	// Retry controls the delay before a failed delivery is attempted again.
	// MaxAttempts is ignored: a timer stays pending until it is delivered or
	// its instance is cancelled.
	Retry api.RetryPolicy

	// MaxFiresPerSecond limits the delivery rate across all processors.
	// Zero means unlimited.
	MaxFiresPerSecond float64

	// MaxFireDelay is the lateness above which a delivery is logged as a
	// warning.
	MaxFireDelay time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ScanInterval: time.Second,
		BatchSize:    100,
		Processors:   4,
		Retry: api.RetryPolicy{
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		},
		MaxFireDelay: time.Minute,
	}
}

// Service schedules and fires durable timers.
type Service struct {
	store   persistence.TimerStore
	config  Config
	logger  *slog.Logger
	limiter *rate.Limiter

	timerCh chan persistence.TimerRequest

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService creates a new timer service over store.
func NewService(store persistence.TimerStore, config Config) *Service {
	def := DefaultConfig()
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = def.ScanInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Processors <= 0 {
		config.Processors = def.Processors
	}
	if config.Retry.InitialBackoff <= 0 {
		config.Retry = def.Retry
	}
	if config.MaxFireDelay <= 0 {
		config.MaxFireDelay = def.MaxFireDelay
	}

	s := &Service{
		store:    store,
		config:   config,
		logger:   config.Logger.With(slog.String("component", "timer")),
		timerCh:  make(chan persistence.TimerRequest, config.BatchSize),
		inflight: make(map[string]struct{}),
	}
	if config.MaxFiresPerSecond > 0 {
		burst := int(config.MaxFiresPerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.MaxFiresPerSecond), burst)
	}
	return s
}

// Schedule stores a pending timer. It returns api.ErrDuplicateTimer if the
// (instance, key) pair is already pending. Timers can be scheduled whether or
// not the service is running; they fire once a running service sees them.
func (s *Service) Schedule(ctx context.Context, instanceID, key string, fireAt time.Time) error {
	s.logger.Debug("scheduling timer",
		slog.String("instance_id", instanceID),
		slog.String("timer_key", key),
		slog.Time("fire_at", fireAt),
	)
	return s.store.CreateTimer(ctx, persistence.TimerRequest{
		InstanceID: instanceID,
		Key:        key,
		FireAt:     fireAt,
	})
}

// CancelInstance retires every pending timer of an instance.
func (s *Service) CancelInstance(ctx context.Context, instanceID string) error {
	return s.store.DeleteInstanceTimers(ctx, instanceID)
}

// Pending returns all pending timers, earliest first.
func (s *Service) Pending(ctx context.Context) ([]persistence.TimerRequest, error) {
	return s.store.ListTimers(ctx)
}

// Start launches the scanner and processors. It returns immediately.
func (s *Service) Start(ctx context.Context, fire FireFunc) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.logger.Info("starting timer service",
		slog.Int("processors", s.config.Processors),
		slog.Duration("scan_interval", s.config.ScanInterval),
	)

	s.wg.Add(1)
	go s.runScanner(ctx, stopCh)

	for i := 0; i < s.config.Processors; i++ {
		s.wg.Add(1)
		go s.runProcessor(ctx, stopCh, i, fire)
	}
	return nil
}

// Run starts the service and blocks until ctx is done, then stops it.
func (s *Service) Run(ctx context.Context, fire FireFunc) error {
	if err := s.Start(ctx, fire); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

// Stop signals the scanner and processors to exit and waits for them until
// ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("timer service stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("timer service stop timed out")
		return ctx.Err()
	}
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) runScanner(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	// Timers that came due while the service was down fire right away.
	s.scanDueTimers(ctx, stopCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.scanDueTimers(ctx, stopCh)
		}
	}
}

func (s *Service) scanDueTimers(ctx context.Context, stopCh <-chan struct{}) {
	timers, err := s.store.DueTimers(ctx, s.config.Clock(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to get due timers", slog.Any("error", err))
		return
	}

	for _, t := range timers {
		if !s.claim(t) {
			continue
		}
		select {
		case <-ctx.Done():
			s.release(t)
			return
		case <-stopCh:
			s.release(t)
			return
		case s.timerCh <- t:
		}
	}
}

func (s *Service) runProcessor(ctx context.Context, stopCh <-chan struct{}, id int, fire FireFunc) {
	defer s.wg.Done()

	s.logger.Debug("timer processor started", slog.Int("processor_id", id))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-s.timerCh:
			s.processTimer(ctx, t, fire)
		}
	}
}

func (s *Service) processTimer(ctx context.Context, t persistence.TimerRequest, fire FireFunc) {
	defer s.release(t)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	now := s.config.Clock()
	delay := now.Sub(t.FireAt)
	if delay > s.config.MaxFireDelay {
		s.logger.Warn("timer fire delayed significantly",
			slog.String("instance_id", t.InstanceID),
			slog.String("timer_key", t.Key),
			slog.Duration("delay", delay),
		)
	}

	if err := fire(ctx, t); err != nil {
		attempts := t.Attempts + 1
		backoff := s.config.Retry.Backoff(attempts)
		s.logger.Warn("timer delivery failed",
			slog.String("instance_id", t.InstanceID),
			slog.String("timer_key", t.Key),
			slog.Int("attempts", attempts),
			slog.Duration("retry_in", backoff),
			slog.Any("error", err),
		)
		if perr := s.store.PostponeTimer(ctx, t.InstanceID, t.Key, now.Add(backoff), attempts); perr != nil {
			s.logger.Error("failed to postpone timer",
				slog.String("instance_id", t.InstanceID),
				slog.String("timer_key", t.Key),
				slog.Any("error", perr),
			)
		}
		return
	}

	// If this delete fails the timer fires again later, which the
	// receiving side treats as a no-op.
	if err := s.store.DeleteTimer(ctx, t.InstanceID, t.Key); err != nil {
		s.logger.Error("failed to retire timer",
			slog.String("instance_id", t.InstanceID),
			slog.String("timer_key", t.Key),
			slog.Any("error", err),
		)
	}

	s.logger.Debug("timer fired",
		slog.String("instance_id", t.InstanceID),
		slog.String("timer_key", t.Key),
		slog.Duration("delay", delay),
	)
}

func inflightKey(t persistence.TimerRequest) string {
	return t.InstanceID + "\x00" + t.Key
}

// claim marks t as in flight so a rescan does not dispatch it twice.
func (s *Service) claim(t persistence.TimerRequest) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	k := inflightKey(t)
	if _, busy := s.inflight[k]; busy {
		return false
	}
	s.inflight[k] = struct{}{}
	return true
}

func (s *Service) release(t persistence.TimerRequest) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, inflightKey(t))
}
