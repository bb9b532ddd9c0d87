package shipflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/shipflow/internal/engine"
	"github.com/petrijr/shipflow/internal/persistence"
	"github.com/petrijr/shipflow/internal/signal"
	"github.com/petrijr/shipflow/internal/timer"
	"github.com/petrijr/shipflow/pkg/api"
	"github.com/petrijr/shipflow/pkg/shipment"
	"github.com/petrijr/shipflow/pkg/worker"
)

// ErrRuntimeStarted is returned by Start when the runtime is already running.
var ErrRuntimeStarted = errors.New("shipflow: runtime already started")

// RuntimeConfig tunes a Runtime. Zero values select defaults.
type RuntimeConfig struct {
	Shipment shipment.Config

	// EngineRetry covers transient storage errors inside the engine.
	EngineRetry api.RetryPolicy
	// TaskRetry covers re-execution of failed queue tasks.
	TaskRetry api.RetryPolicy

	Timers timer.Config

	// InlineTimers fires due timers straight into the engine from the timer
	// processors instead of enqueueing timer tasks for the workers.
	InlineTimers bool

	Observer api.Observer
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Runtime wires an engine, timer service, signal router, task queue and
// worker pool for the shipment lifecycle.
//
// Typical usage:
//
//	rt, _ := shipflow.NewRuntime(backend, shipflow.RuntimeConfig{})
//	_ = rt.Start(ctx, 4)
//	id, _ := rt.Create(ctx, shipment.Input{Destination: "Rotterdam"})
//	...
//	rt.Stop()
type Runtime struct {
	Engine  Engine
	Timers  *timer.Service
	Router  *signal.Router
	Worker  *worker.Worker
	Metrics *api.BasicMetrics

	backend      *Backend
	logger       *slog.Logger
	clock        func() time.Time
	inlineTimers bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// NewRuntime builds a Runtime over backend and registers the shipment
// lifecycle on its engine.
func NewRuntime(backend *Backend, cfg RuntimeConfig) (*Runtime, error) {
	if err := backend.validate(); err != nil {
		return nil, err
	}
	if cfg.Shipment.Bands == nil {
		cfg.Shipment = shipment.DefaultConfig()
	}
	if err := cfg.Shipment.Validate(); err != nil {
		return nil, fmt.Errorf("shipment config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	metrics := &api.BasicMetrics{}
	observers := []api.Observer{metrics, api.NewLoggingObserver(cfg.Logger)}
	if cfg.Observer != nil {
		observers = append(observers, cfg.Observer)
	}
	obs := api.NewCompositeObserver(observers...)

	tcfg := cfg.Timers
	if tcfg.Logger == nil {
		tcfg.Logger = cfg.Logger
	}
	if tcfg.Clock == nil {
		tcfg.Clock = cfg.Clock
	}
	timers := timer.NewService(backend.Timers, tcfg)

	eng := engine.NewEngine(engine.Config{
		Log:      backend.Log,
		Timers:   timers,
		Observer: obs,
		Retry:    cfg.EngineRetry,
		Logger:   cfg.Logger,
		Clock:    cfg.Clock,
	})
	if err := eng.RegisterWorkflow(shipment.Definition(cfg.Shipment)); err != nil {
		return nil, err
	}

	router := signal.NewRouter(eng, signal.Config{
		Queue:    backend.Queue,
		Observer: obs,
		Logger:   cfg.Logger,
	})
	router.AllowSignals(shipment.WorkflowName, shipment.ResolveSignal)

	w := worker.NewWithConfig(eng, backend.Queue, worker.Config{
		Retry:   cfg.TaskRetry,
		Signals: router,
		Logger:  cfg.Logger,
	})

	return &Runtime{
		Engine:       eng,
		Timers:       timers,
		Router:       router,
		Worker:       w,
		Metrics:      metrics,
		backend:      backend,
		logger:       cfg.Logger.With(slog.String("component", "runtime")),
		clock:        cfg.Clock,
		inlineTimers: cfg.InlineTimers,
	}, nil
}

// Start recovers instances left behind by a previous process, then runs the
// timer service and 'concurrency' worker loops until Stop is called or ctx
// is cancelled.
func (r *Runtime) Start(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrRuntimeStarted
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	n, err := r.Engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover instances: %w", err)
	}
	if n > 0 {
		r.logger.Info("recovered instances", slog.Int("count", n))
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	fire := r.enqueueTimer
	if r.inlineTimers {
		fire = timer.ResumeWith(r.Engine)
	}
	g.Go(func() error {
		return r.Timers.Run(gctx, fire)
	})
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			return r.Worker.Run(gctx)
		})
	}

	r.cancel = cancel
	r.group = g
	r.running = true
	r.logger.Info("runtime started",
		slog.String("backend", r.backend.Name),
		slog.Int("workers", concurrency),
	)
	return nil
}

func (r *Runtime) enqueueTimer(ctx context.Context, t persistence.TimerRequest) error {
	_, err := r.Worker.EnqueueTimer(ctx, t.InstanceID, t.Key)
	return err
}

// Stop cancels the timer service and workers and waits for them to exit.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, g := r.cancel, r.group
	r.running = false
	r.cancel, r.group = nil, nil
	r.mu.Unlock()

	cancel()
	err := g.Wait()
	r.logger.Info("runtime stopped")
	return err
}

// Create enqueues the start of a shipment lifecycle and returns its ID. A
// missing ShipmentID is generated.
func (r *Runtime) Create(ctx context.Context, in shipment.Input) (string, error) {
	if in.Destination == "" {
		return "", errors.New("shipment needs a destination")
	}
	in = in.WithDefaults()
	if in.ShipmentID == "" {
		in.ShipmentID = shipment.NewShipmentID(r.clock())
	}
	if _, err := r.Worker.EnqueueStartWorkflow(ctx, shipment.WorkflowName, in.ShipmentID, in); err != nil {
		return "", fmt.Errorf("enqueue shipment %s: %w", in.ShipmentID, err)
	}
	return in.ShipmentID, nil
}

// Resolve enqueues a resolve signal for a shipment awaiting resolution and
// returns the task ID. The strategy is validated up front; whether the
// shipment is actually waiting is decided when the task runs.
func (r *Runtime) Resolve(ctx context.Context, id, strategy, dedupToken string) (string, error) {
	sig, err := resolveSignal(id, strategy, dedupToken)
	if err != nil {
		return "", err
	}
	return r.Router.DeliverAsync(ctx, sig)
}

// ResolveNow delivers a resolve signal synchronously, so a shipment that is
// not waiting is reported to the caller as api.ErrNotWaiting.
func (r *Runtime) ResolveNow(ctx context.Context, id, strategy, dedupToken string) (shipment.Summary, error) {
	sig, err := resolveSignal(id, strategy, dedupToken)
	if err != nil {
		return shipment.Summary{}, err
	}
	inst, err := r.Router.Deliver(ctx, sig)
	if err != nil {
		return shipment.Summary{}, err
	}
	return shipment.Summarize(inst)
}

func resolveSignal(id, strategy, dedupToken string) (api.Signal, error) {
	s, err := shipment.ParseStrategy(strategy)
	if err != nil {
		return api.Signal{}, err
	}
	return api.NewSignal(id, shipment.ResolveSignal, shipment.Resolution{Strategy: string(s)}, dedupToken)
}

// Cancel stops a shipment that has not finished yet.
func (r *Runtime) Cancel(ctx context.Context, id, reason string) (shipment.Summary, error) {
	inst, err := r.Engine.Cancel(ctx, id, reason)
	if err != nil {
		return shipment.Summary{}, err
	}
	return shipment.Summarize(inst)
}

// Query returns the current summary of a shipment.
func (r *Runtime) Query(ctx context.Context, id string) (shipment.Summary, error) {
	inst, err := r.Engine.GetInstance(ctx, id)
	if err != nil {
		return shipment.Summary{}, err
	}
	return shipment.Summarize(inst)
}

// List returns the summaries of all shipments, optionally filtered by
// status.
func (r *Runtime) List(ctx context.Context, status Status) ([]shipment.Summary, error) {
	insts, err := r.Engine.ListInstances(ctx, InstanceListOptions{
		Workflow: shipment.WorkflowName,
		Status:   status,
	})
	if err != nil {
		return nil, err
	}
	out := make([]shipment.Summary, 0, len(insts))
	for _, inst := range insts {
		s, err := shipment.Summarize(inst)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
