package api

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Context is the handle a workflow function uses to talk to the engine.
//
// Every primitive first looks at the next unconsumed event in the instance's
// history. If one exists it must match the call (same kind, same key) and
// its recorded outcome is returned; otherwise a new event is appended. A
// mismatch is reported as ErrReplayDeterminism.
type Context interface {
	// Context returns the context of the Start or Resume call driving this run.
	Context() context.Context

	InstanceID() string

	// Input decodes the instance input into out.
	Input(out any) error

	// Now returns the timestamp of the most recently consumed event. Workflow
	// code must use it instead of time.Now.
	Now() time.Time

	// Logger returns a logger that discards output while history is being
	// replayed, so each message is written once per instance.
	Logger() *slog.Logger

	// IsReplaying reports whether the primitive calls are still being
	// answered from history.
	IsReplaying() bool

	// Advance records that the instance reached a new stage.
	Advance(stage, detail string) error

	// Decide runs fn once, records its result under key and decodes it into
	// out. On replay fn is not called; the recorded value is decoded instead.
	Decide(key string, fn DecideFunc, out any) error

	// Sleep suspends the instance on a durable timer. It returns a
	// *SuspendedError the first time and nil once the timer has fired.
	Sleep(key string, d time.Duration) error

	// WaitSignal suspends the instance until the named signal is delivered,
	// then decodes its payload into out (which may be nil).
	WaitSignal(name string, out any) error
}

// DecideFunc produces a non-deterministic value. The random source it is
// handed is seeded per instance.
type DecideFunc func(r *rand.Rand) (any, error)

// WorkflowFunc is the body of a workflow definition. It must return the
// errors produced by Context primitives unchanged. Its return value becomes
// the instance output.
type WorkflowFunc func(wf Context) (any, error)

// WorkflowDefinition names a workflow function.
type WorkflowDefinition struct {
	Name string
	Fn   WorkflowFunc
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// Workflow, if non-empty, limits results to instances of the given workflow.
	Workflow string

	// Status, if non-empty, limits results to instances with the given status.
	Status Status
}

// Engine drives workflow instances by appending to their event logs.
type Engine interface {
	// RegisterWorkflow registers a definition by name.
	RegisterWorkflow(def WorkflowDefinition) error

	// Start creates a new instance and interprets it until it suspends or
	// terminates. An empty instanceID asks the engine to generate one.
	// Suspension is not an error: the returned instance is SUSPENDED.
	Start(ctx context.Context, workflow, instanceID string, input any) (*WorkflowInstance, error)

	// Resume delivers a wake event (TimerFired or SignalReceived) to a
	// suspended instance and continues interpreting it. Redelivery of an
	// already consumed timer or signal dedup token is a no-op.
	Resume(ctx context.Context, instanceID string, trigger Event) (*WorkflowInstance, error)

	// Cancel fails a non-terminal instance and retires its timers.
	Cancel(ctx context.Context, instanceID, reason string) (*WorkflowInstance, error)

	// GetInstance returns the current projection of an instance.
	GetInstance(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// ListInstances returns instance projections matching opts.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// History returns the raw event log of an instance.
	History(ctx context.Context, instanceID string) ([]Event, error)

	// Verify replays the instance and re-runs its definition against the log
	// without appending anything.
	Verify(ctx context.Context, instanceID string) error

	// Recover re-arms timers of instances suspended on a timer and re-drives
	// instances a crash left RUNNING. It returns the number of instances
	// touched and is meant to be called once at process startup.
	Recover(ctx context.Context) (int, error)
}

// RetryPolicy controls how transient storage errors are retried.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// The delay before retry n is InitialBackoff * BackoffMultiplier^(n-1),
// capped at MaxBackoff when it is positive.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy is used when an engine or worker is configured without
// one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    20 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Backoff returns the delay to wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	if d <= 0 || attempt < 1 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}
