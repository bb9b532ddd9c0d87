package api

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Observer receives callbacks from the workflow engine and signal router for
// logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called once when an instance is created, after its
	// Started event is durable.
	OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)

	// OnEventAppended is called for every event the engine appends.
	OnEventAppended(ctx context.Context, ev Event)

	// OnWorkflowSuspended is called when an instance parks on a wait point.
	OnWorkflowSuspended(ctx context.Context, inst *WorkflowInstance, wait WaitPoint)

	// OnWorkflowCompleted is called when an instance reaches StatusCompleted.
	OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowFailed is called when an instance transitions to StatusFailed,
	// including cancellation.
	OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error)

	// OnDeterminismViolation is raised when replay diverges from the log.
	// Nothing is appended in that case, so this is the only trace of it.
	OnDeterminismViolation(ctx context.Context, instanceID string, err error)

	// OnSignalRejected is called when the router refuses a signal.
	OnSignalRejected(ctx context.Context, instanceID, name string, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)                     {}
func (NoopObserver) OnEventAppended(ctx context.Context, ev Event)                                   {}
func (NoopObserver) OnWorkflowSuspended(ctx context.Context, inst *WorkflowInstance, wait WaitPoint) {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)                 {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error)         {}
func (NoopObserver) OnDeterminismViolation(ctx context.Context, instanceID string, err error)        {}
func (NoopObserver) OnSignalRejected(ctx context.Context, instanceID, name string, err error)        {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnEventAppended(ctx context.Context, ev Event) {
	for _, o := range c.observers {
		o.OnEventAppended(ctx, ev)
	}
}

func (c *CompositeObserver) OnWorkflowSuspended(ctx context.Context, inst *WorkflowInstance, wait WaitPoint) {
	for _, o := range c.observers {
		o.OnWorkflowSuspended(ctx, inst, wait)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnDeterminismViolation(ctx context.Context, instanceID string, err error) {
	for _, o := range c.observers {
		o.OnDeterminismViolation(ctx, instanceID, err)
	}
}

func (c *CompositeObserver) OnSignalRejected(ctx context.Context, instanceID, name string, err error) {
	for _, o := range c.observers {
		o.OnSignalRejected(ctx, instanceID, name, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow", inst.Workflow),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnEventAppended(ctx context.Context, ev Event) {
	o.Logger.DebugContext(ctx, "event_appended",
		slog.String("instance_id", ev.InstanceID),
		slog.Int64("seq", ev.Seq),
		slog.String("kind", string(ev.Kind)),
	)
}

func (o *LoggingObserver) OnWorkflowSuspended(ctx context.Context, inst *WorkflowInstance, wait WaitPoint) {
	attrs := []any{
		slog.String("workflow", inst.Workflow),
		slog.String("instance_id", inst.ID),
		slog.String("stage", inst.Stage),
		slog.String("wait_kind", string(wait.Kind)),
		slog.String("wait_name", wait.Name),
	}
	if !wait.FireAt.IsZero() {
		attrs = append(attrs, slog.Time("fire_at", wait.FireAt))
	}
	o.Logger.InfoContext(ctx, "workflow_suspended", attrs...)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow", inst.Workflow),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow", inst.Workflow),
		slog.String("instance_id", inst.ID),
		slog.Bool("cancelled", inst.Cancelled),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnDeterminismViolation(ctx context.Context, instanceID string, err error) {
	o.Logger.ErrorContext(ctx, "determinism_violation",
		slog.String("instance_id", instanceID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnSignalRejected(ctx context.Context, instanceID, name string, err error) {
	o.Logger.WarnContext(ctx, "signal_rejected",
		slog.String("instance_id", instanceID),
		slog.String("signal", name),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters. It implements Observer, and can be
// combined with LoggingObserver via NewCompositeObserver.
type BasicMetrics struct {
	workflowsStarted      atomic.Int64
	workflowsCompleted    atomic.Int64
	workflowsFailed       atomic.Int64
	workflowsCancelled    atomic.Int64
	suspensions           atomic.Int64
	eventsAppended        atomic.Int64
	determinismViolations atomic.Int64
	signalsRejected       atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	WorkflowsCancelled int64
	ActiveWorkflows    int64

	Suspensions           int64
	EventsAppended        int64
	DeterminismViolations int64
	SignalsRejected       int64
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnEventAppended(ctx context.Context, ev Event) {
	m.eventsAppended.Add(1)
}

func (m *BasicMetrics) OnWorkflowSuspended(ctx context.Context, inst *WorkflowInstance, wait WaitPoint) {
	m.suspensions.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	m.workflowsFailed.Add(1)
	if inst != nil && inst.Cancelled {
		m.workflowsCancelled.Add(1)
	}
}

func (m *BasicMetrics) OnDeterminismViolation(ctx context.Context, instanceID string, err error) {
	m.determinismViolations.Add(1)
}

func (m *BasicMetrics) OnSignalRejected(ctx context.Context, instanceID, name string, err error) {
	m.signalsRejected.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()

	return BasicMetricsSnapshot{
		WorkflowsStarted:      started,
		WorkflowsCompleted:    completed,
		WorkflowsFailed:       failed,
		WorkflowsCancelled:    m.workflowsCancelled.Load(),
		ActiveWorkflows:       started - completed - failed,
		Suspensions:           m.suspensions.Load(),
		EventsAppended:        m.eventsAppended.Load(),
		DeterminismViolations: m.determinismViolations.Load(),
		SignalsRejected:       m.signalsRejected.Load(),
	}
}
