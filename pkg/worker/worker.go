package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/shipflow/internal/taskqueue"
	"github.com/petrijr/shipflow/pkg/api"
)

// ErrRetriesExhausted is returned by ProcessOne when a task failed
// transiently on its last allowed attempt and was dropped.
var ErrRetriesExhausted = errors.New("task retries exhausted")

// ErrUnknownTaskType is returned by ProcessOne for a task it cannot
// dispatch. Such tasks are dropped.
var ErrUnknownTaskType = errors.New("unknown task type")

// SignalDeliverer delivers signal tasks. *signal.Router implements it.
type SignalDeliverer interface {
	Deliver(ctx context.Context, sig api.Signal) (*api.WorkflowInstance, error)
}

// Config controls how a Worker handles task failures.
type Config struct {
	// Retry bounds re-execution of tasks that failed with a transient
	// error. MaxAttempts includes the first execution.
	Retry api.RetryPolicy

	// Signals routes signal tasks. When nil they go straight to
	// Engine.Resume.
	Signals SignalDeliverer

	Logger *slog.Logger
}

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine  api.Engine
	queue   taskqueue.Queue
	signals SignalDeliverer
	retry   api.RetryPolicy
	logger  *slog.Logger
}

// New creates a new Worker with the default retry policy.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker with explicit failure handling.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = api.DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		engine:  engine,
		queue:   queue,
		signals: cfg.Signals,
		retry:   cfg.Retry,
		logger:  cfg.Logger.With(slog.String("component", "worker")),
	}
}

// EnqueueStartWorkflow enqueues a task to start a workflow asynchronously
// and returns the task ID. An empty instanceID lets the engine generate one.
// It does NOT run the workflow itself; that is done by ProcessOne.
func (w *Worker) EnqueueStartWorkflow(ctx context.Context, workflowName, instanceID string, input any) (string, error) {
	return w.EnqueueStartWorkflowAt(ctx, workflowName, instanceID, input, time.Time{})
}

// EnqueueStartWorkflowAt enqueues a task to start a workflow no earlier than
// the given time 'at'.
func (w *Worker) EnqueueStartWorkflowAt(ctx context.Context, workflowName, instanceID string, input any, at time.Time) (string, error) {
	raw, err := api.EncodeValue(input)
	if err != nil {
		return "", fmt.Errorf("encode input for %s: %w", workflowName, err)
	}
	return w.enqueue(ctx, taskqueue.Task{
		Type:         taskqueue.TaskTypeStartWorkflow,
		WorkflowName: workflowName,
		InstanceID:   instanceID,
		Payload:      raw,
		NotBefore:    at,
	})
}

// EnqueueSignal enqueues a task to deliver a signal to a waiting workflow
// instance. The signal will be processed asynchronously by ProcessOne.
func (w *Worker) EnqueueSignal(ctx context.Context, sig api.Signal) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeSignal,
		InstanceID: sig.InstanceID,
		SignalName: sig.Name,
		DedupToken: sig.DedupToken,
		Payload:    sig.Payload,
	})
}

// EnqueueTimer enqueues the firing of a due timer.
func (w *Worker) EnqueueTimer(ctx context.Context, instanceID, key string) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeTimer,
		InstanceID: instanceID,
		TimerKey:   key,
	})
}

// EnqueueCancel enqueues the cancellation of an instance.
func (w *Worker) EnqueueCancel(ctx context.Context, instanceID, reason string) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeCancel,
		InstanceID: instanceID,
		Payload:    []byte(reason),
	})
}

func (w *Worker) enqueue(ctx context.Context, t taskqueue.Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := w.queue.Enqueue(ctx, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the Dequeue error.
//   - processed == true, err == nil: the task succeeded, was a duplicate
//     start, or failed transiently and was re-enqueued with a backoff.
//   - processed == true, err != nil: the task was rejected with a logical
//     error or ran out of attempts. It is not retried.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	log := w.logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_type", string(task.Type)),
		slog.String("instance_id", task.InstanceID),
	)

	err = w.execute(ctx, task)
	switch {
	case err == nil:
		log.Debug("task done")
		return true, nil

	case task.Type == taskqueue.TaskTypeStartWorkflow && errors.Is(err, api.ErrAlreadyExists):
		log.Debug("instance already started")
		return true, nil

	case errors.Is(err, ErrUnknownTaskType),
		api.IsLogical(err) && !errors.Is(err, api.ErrConflict):
		log.Info("task rejected", slog.Any("error", err))
		return true, err
	}

	task.Attempts++
	if task.Attempts >= w.retry.MaxAttempts {
		log.Error("task dropped", slog.Int("attempts", task.Attempts), slog.Any("error", err))
		return true, fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, task.ID, task.Attempts, err)
	}

	delay := w.retry.Backoff(task.Attempts)
	task.NotBefore = time.Now().Add(delay)
	// The task left the queue already; do not lose it to a shutdown.
	if qerr := w.queue.Enqueue(context.WithoutCancel(ctx), *task); qerr != nil {
		log.Error("re-enqueue failed", slog.Any("error", qerr), slog.Any("cause", err))
		return true, errors.Join(err, qerr)
	}
	log.Warn("task failed, retry scheduled",
		slog.Int("attempts", task.Attempts),
		slog.Duration("backoff", delay),
		slog.Any("error", err),
	)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeStartWorkflow:
		_, err := w.engine.Start(ctx, task.WorkflowName, task.InstanceID, json.RawMessage(task.Payload))
		return err

	case taskqueue.TaskTypeSignal:
		sig := api.Signal{
			InstanceID: task.InstanceID,
			Name:       task.SignalName,
			Payload:    json.RawMessage(task.Payload),
			DedupToken: task.DedupToken,
		}
		if w.signals != nil {
			_, err := w.signals.Deliver(ctx, sig)
			return err
		}
		_, err := w.engine.Resume(ctx, task.InstanceID, sig.Event())
		return err

	case taskqueue.TaskTypeTimer:
		_, err := w.engine.Resume(ctx, task.InstanceID, api.TimerFired(task.InstanceID, task.TimerKey))
		return err

	case taskqueue.TaskTypeCancel:
		_, err := w.engine.Cancel(ctx, task.InstanceID, string(task.Payload))
		return err

	default:
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, task.Type)
	}
}

// Run calls ProcessOne until ctx is cancelled. Task errors are logged and
// never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !processed && err != nil {
			// Dequeue failure; back off briefly before polling again.
			w.logger.Error("dequeue failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.retry.Backoff(1)):
			}
		}
	}
}
