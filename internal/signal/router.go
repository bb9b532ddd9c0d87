// Package signal routes externally delivered signals to suspended workflow
// instances.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/petrijr/shipflow/internal/taskqueue"
	"github.com/petrijr/shipflow/pkg/api"
)

// Config wires a Router.
type Config struct {
	// Queue receives signal tasks from DeliverAsync. Optional.
	Queue    taskqueue.Queue
	Observer api.Observer
	Logger   *slog.Logger
}

// Router delivers signals to instances through Engine.Resume. The engine
// makes the final decision under the instance lock; the router adds name
// filtering and reports rejections.
type Router struct {
	engine   api.Engine
	queue    taskqueue.Queue
	observer api.Observer
	logger   *slog.Logger

	mu      sync.RWMutex
	allowed map[string]map[string]bool
}

// NewRouter creates a Router in front of engine.
func NewRouter(engine api.Engine, cfg Config) *Router {
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		engine:   engine,
		queue:    cfg.Queue,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		allowed:  make(map[string]map[string]bool),
	}
}

// AllowSignals restricts the signal names accepted by instances of workflow.
// Workflows without a list accept any name. Calls accumulate.
func (r *Router) AllowSignals(workflow string, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.allowed[workflow]
	if set == nil {
		set = make(map[string]bool, len(names))
		r.allowed[workflow] = set
	}
	for _, n := range names {
		set[n] = true
	}
}

func (r *Router) accepts(workflow, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.allowed[workflow]
	return !ok || set[name]
}

// Deliver hands sig to its instance and returns the instance as it stands
// afterwards. It fails with api.ErrUnknownInstance when the instance does not
// exist and with api.ErrNotWaiting when it is not suspended on sig.Name; a
// terminal instance also matches api.ErrInstanceTerminal. Redelivery of a
// consumed dedup token succeeds without effect.
func (r *Router) Deliver(ctx context.Context, sig api.Signal) (*api.WorkflowInstance, error) {
	if sig.Name == "" {
		return nil, r.reject(ctx, sig, fmt.Errorf("%w: empty signal name", api.ErrNotWaiting))
	}

	inst, err := r.engine.GetInstance(ctx, sig.InstanceID)
	if err != nil {
		if errors.Is(err, api.ErrUnknownInstance) {
			return nil, r.reject(ctx, sig, err)
		}
		return nil, err
	}
	if !r.accepts(inst.Workflow, sig.Name) {
		return inst, r.reject(ctx, sig, fmt.Errorf("%w: workflow %s does not accept signal %q",
			api.ErrNotWaiting, inst.Workflow, sig.Name))
	}

	inst, err = r.engine.Resume(ctx, sig.InstanceID, sig.Event())
	if err != nil {
		if rejected(err) {
			return inst, r.reject(ctx, sig, err)
		}
		return inst, err
	}

	r.logger.Debug("signal delivered",
		slog.String("instance_id", sig.InstanceID),
		slog.String("signal", sig.Name),
		slog.String("status", string(inst.Status)),
	)
	return inst, nil
}

// DeliverAsync enqueues sig for the worker pool and returns the task ID.
// Rejections are reported to the Observer when the task runs.
func (r *Router) DeliverAsync(ctx context.Context, sig api.Signal) (string, error) {
	if r.queue == nil {
		return "", errors.New("signal router has no queue")
	}
	if sig.Name == "" {
		return "", fmt.Errorf("%w: empty signal name", api.ErrNotWaiting)
	}
	task := taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeSignal,
		InstanceID: sig.InstanceID,
		SignalName: sig.Name,
		DedupToken: sig.DedupToken,
		Payload:    sig.Payload,
	}
	if err := r.queue.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("enqueue signal %q for %s: %w", sig.Name, sig.InstanceID, err)
	}
	return task.ID, nil
}

// rejected reports whether err means the signal was refused rather than
// failed to be processed.
func rejected(err error) bool {
	return errors.Is(err, api.ErrNotWaiting) ||
		errors.Is(err, api.ErrUnknownInstance) ||
		errors.Is(err, api.ErrInstanceTerminal)
}

func (r *Router) reject(ctx context.Context, sig api.Signal, err error) error {
	r.logger.Info("signal rejected",
		slog.String("instance_id", sig.InstanceID),
		slog.String("signal", sig.Name),
		slog.Any("error", err),
	)
	r.observer.OnSignalRejected(ctx, sig.InstanceID, sig.Name, err)
	return err
}
