package shipflow

import (
	"context"

	"github.com/petrijr/shipflow/internal/engine"
	"github.com/petrijr/shipflow/internal/timer"
	"github.com/petrijr/shipflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Context              = api.Context
	WorkflowDefinition   = api.WorkflowDefinition
	WorkflowFunc         = api.WorkflowFunc
	WorkflowInstance     = api.WorkflowInstance
	InstanceListOptions  = api.InstanceListOptions
	Event                = api.Event
	EventKind            = api.EventKind
	Signal               = api.Signal
	WaitPoint            = api.WaitPoint
	Status               = api.Status
	RetryPolicy          = api.RetryPolicy
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	TimerConfig          = timer.Config
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewSignal            = api.NewSignal
)

// Re-export status values for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusSuspended = api.StatusSuspended
	StatusFailed    = api.StatusFailed
	StatusCompleted = api.StatusCompleted
)

// Re-export the error taxonomy.

var (
	ErrConflict          = api.ErrConflict
	ErrAlreadyExists     = api.ErrAlreadyExists
	ErrDuplicateTimer    = api.ErrDuplicateTimer
	ErrUnknownInstance   = api.ErrUnknownInstance
	ErrNotWaiting        = api.ErrNotWaiting
	ErrInstanceTerminal  = api.ErrInstanceTerminal
	ErrUnknownWorkflow   = api.ErrUnknownWorkflow
	ErrReplayDeterminism = api.ErrReplayDeterminism
)

// NewInMemoryEngine returns an Engine backed by an in-memory event log and no
// timer service. Sleeps park until something resumes them explicitly.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// Convenience helpers that just forward to the underlying Engine.

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists workflow instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*WorkflowInstance, error) {
	return eng.ListInstances(ctx, opts)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := shipflow.Recover(ctx, engine)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}
