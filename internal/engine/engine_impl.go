package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/shipflow/internal/persistence"
	"github.com/petrijr/shipflow/pkg/api"
)

// Scheduler arms and retires durable timers. *timer.Service implements it.
type Scheduler interface {
	Schedule(ctx context.Context, instanceID, key string, fireAt time.Time) error
	CancelInstance(ctx context.Context, instanceID string) error
}

// Config describes how to construct an engine.
type Config struct {
	Log persistence.EventLog

	// Timers may be nil, in which case Sleep records the wait point but
	// nothing will ever fire it on its own.
	Timers Scheduler

	Observer api.Observer

	// Retry applies to transient storage errors and to re-reading the log
	// after ErrConflict in Resume.
	Retry api.RetryPolicy

	Logger *slog.Logger
	Clock  func() time.Time

	// NewID generates instance IDs for Start calls without one.
	NewID func() string

	// Rand returns the random source handed to DecideFunc for an instance.
	Rand func(instanceID string) *rand.Rand
}

// engineImpl is an event-sourced, replaying engine. Instance state lives only
// in the event log; every Start, Resume and Cancel re-reads it.
type engineImpl struct {
	log      persistence.EventLog
	timers   Scheduler
	observer api.Observer
	retry    api.RetryPolicy
	logger   *slog.Logger
	clock    func() time.Time
	newID    func() string
	rand     func(instanceID string) *rand.Rand

	registry *workflowRegistry
	locks    *keyedMutex

	cacheMu sync.Mutex
	cache   map[string]*api.WorkflowInstance
}

// NewEngine creates an engine over cfg.Log.
func NewEngine(cfg Config) api.Engine {
	if cfg.Log == nil {
		cfg.Log = persistence.NewInMemoryEventLog()
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = api.DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Rand == nil {
		cfg.Rand = func(string) *rand.Rand {
			return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	return &engineImpl{
		log:      cfg.Log,
		timers:   cfg.Timers,
		observer: cfg.Observer,
		retry:    cfg.Retry,
		logger:   cfg.Logger.With(slog.String("component", "engine")),
		clock:    cfg.Clock,
		newID:    cfg.NewID,
		rand:     cfg.Rand,
		registry: newWorkflowRegistry(),
		locks:    newKeyedMutex(),
		cache:    make(map[string]*api.WorkflowInstance),
	}
}

// NewInMemoryEngine returns an engine with an in-memory log and no timer
// service.
func NewInMemoryEngine() api.Engine {
	return NewEngine(Config{Log: persistence.NewInMemoryEventLog()})
}

func (e *engineImpl) RegisterWorkflow(def api.WorkflowDefinition) error {
	return e.registry.Register(def)
}

func (e *engineImpl) Start(ctx context.Context, workflow, instanceID string, input any) (*api.WorkflowInstance, error) {
	def, err := e.registry.Get(workflow)
	if err != nil {
		return nil, err
	}
	if instanceID == "" {
		instanceID = e.newID()
	}
	raw, err := api.EncodeValue(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}

	unlock := e.locks.Lock(instanceID)
	defer unlock()

	existing, err := e.readAll(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return e.restart(ctx, instanceID, existing)
	}

	started, err := api.NewEvent(instanceID, api.EventStarted, api.StartedPayload{Workflow: def.Name, Input: raw})
	if err != nil {
		return nil, err
	}
	inst := &api.WorkflowInstance{}
	started, err = e.appendEvent(ctx, inst, started)
	if err != nil {
		if errors.Is(err, api.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", api.ErrAlreadyExists, instanceID)
		}
		return nil, err
	}

	e.observer.OnWorkflowStart(ctx, inst.Clone())
	return e.run(ctx, def, inst, []api.Event{started}, nil)
}

// restart answers a Start for an instance that already has a log. It still
// reports ErrAlreadyExists, but first finishes a run a failed earlier Start
// left RUNNING.
func (e *engineImpl) restart(ctx context.Context, instanceID string, history []api.Event) (*api.WorkflowInstance, error) {
	exists := fmt.Errorf("%w: %s", api.ErrAlreadyExists, instanceID)

	inst, err := e.project(instanceID, history)
	if err != nil {
		return nil, err
	}
	if inst.Status != api.StatusRunning {
		return inst.Clone(), exists
	}
	def, err := e.registry.Get(inst.Workflow)
	if err != nil {
		return nil, err
	}
	e.logger.Info("re-driving instance left running by an earlier start",
		slog.String("instance_id", instanceID),
		slog.Int64("seq", inst.Seq),
	)
	inst, err = e.run(ctx, def, inst, history, nil)
	if err != nil {
		return inst, err
	}
	return inst, exists
}

func (e *engineImpl) Resume(ctx context.Context, instanceID string, trigger api.Event) (*api.WorkflowInstance, error) {
	trigger.InstanceID = instanceID

	unlock := e.locks.Lock(instanceID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		inst, err := e.resumeOnce(ctx, instanceID, trigger)
		if !errors.Is(err, api.ErrConflict) || attempt >= e.retry.MaxAttempts {
			return inst, err
		}
		e.logger.Debug("resume conflicted, re-reading log",
			slog.String("instance_id", instanceID),
			slog.Int("attempt", attempt),
		)
	}
}

func (e *engineImpl) resumeOnce(ctx context.Context, instanceID string, trigger api.Event) (*api.WorkflowInstance, error) {
	history, inst, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.registry.Get(inst.Workflow)
	if err != nil {
		return nil, err
	}

	// An instance left RUNNING was interrupted after an append, possibly
	// the one delivering this very event. Finish that run first, then judge
	// the trigger against where it stopped.
	if inst.Status == api.StatusRunning {
		e.logger.Info("re-driving interrupted instance before delivery",
			slog.String("instance_id", instanceID),
			slog.Int64("seq", inst.Seq),
		)
		if inst, err = e.run(ctx, def, inst, history, nil); err != nil {
			return inst, err
		}
		if history, inst, err = e.load(ctx, instanceID); err != nil {
			return nil, err
		}
	}

	duplicate, err := checkTrigger(inst, trigger)
	if err != nil {
		return inst.Clone(), err
	}
	if duplicate {
		e.logger.Debug("ignoring redelivered wake event",
			slog.String("instance_id", instanceID),
			slog.String("kind", string(trigger.Kind)),
		)
		return inst.Clone(), nil
	}
	return e.run(ctx, def, inst, history, &trigger)
}

// checkTrigger validates a wake event against the instance's pending wait
// point. It reports duplicate for a timer that already fired or a signal
// whose dedup token was already seen.
func checkTrigger(inst *api.WorkflowInstance, trigger api.Event) (duplicate bool, err error) {
	var (
		kind api.WaitKind
		name string
	)
	switch trigger.Kind {
	case api.EventTimerFired:
		var p api.TimerFiredPayload
		if err := trigger.Decode(&p); err != nil {
			return false, fmt.Errorf("%w: %v", api.ErrNotWaiting, err)
		}
		if inst.TimerResolved(p.Key) {
			return true, nil
		}
		kind, name = api.WaitTimer, p.Key
	case api.EventSignalReceived:
		var p api.SignalReceivedPayload
		if err := trigger.Decode(&p); err != nil {
			return false, fmt.Errorf("%w: %v", api.ErrNotWaiting, err)
		}
		if p.DedupToken != "" && inst.SignalTokens[p.DedupToken] {
			return true, nil
		}
		kind, name = api.WaitSignal, p.Name
	default:
		return false, fmt.Errorf("%w: %s is not a wake event", api.ErrNotWaiting, trigger.Kind)
	}

	if inst.Status.Terminal() {
		return false, fmt.Errorf("%w: %w: %s is %s", api.ErrNotWaiting, api.ErrInstanceTerminal, inst.ID, inst.Status)
	}
	wp, ok := inst.Pending()
	if !ok {
		return false, fmt.Errorf("%w: %s is %s", api.ErrNotWaiting, inst.ID, inst.Status)
	}
	if wp.Kind != kind || wp.Name != name {
		return false, fmt.Errorf("%w: %s waits on %s %q, not %s %q", api.ErrNotWaiting, inst.ID, wp.Kind, wp.Name, kind, name)
	}
	return false, nil
}

func (e *engineImpl) Cancel(ctx context.Context, instanceID, reason string) (*api.WorkflowInstance, error) {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	_, inst, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return inst.Clone(), fmt.Errorf("%w: %s is %s", api.ErrInstanceTerminal, instanceID, inst.Status)
	}

	if reason == "" {
		reason = "cancelled"
	}
	ev, err := api.NewEvent(instanceID, api.EventFailed, api.FailedPayload{Reason: reason, Cancelled: true})
	if err != nil {
		return nil, err
	}
	if _, err := e.appendEvent(ctx, inst, ev); err != nil {
		return nil, err
	}
	e.remember(inst)
	e.disarm(ctx, instanceID)

	e.observer.OnWorkflowFailed(ctx, inst.Clone(), errors.New(reason))
	return inst.Clone(), nil
}

func (e *engineImpl) GetInstance(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	_, inst, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	ids, err := e.listIDs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*api.WorkflowInstance, 0, len(ids))
	for _, id := range ids {
		_, inst, err := e.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if opts.Workflow != "" && inst.Workflow != opts.Workflow {
			continue
		}
		if opts.Status != "" && inst.Status != opts.Status {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func (e *engineImpl) History(ctx context.Context, instanceID string) ([]api.Event, error) {
	events, err := e.readAll(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownInstance, instanceID)
	}
	return events, nil
}

func (e *engineImpl) Verify(ctx context.Context, instanceID string) error {
	history, err := e.History(ctx, instanceID)
	if err != nil {
		return err
	}

	first, err := api.Replay(history)
	if err != nil {
		e.observer.OnDeterminismViolation(ctx, instanceID, err)
		return err
	}
	second, err := api.Replay(history)
	if err != nil || !reflect.DeepEqual(first, second) {
		err = fmt.Errorf("%w: instance %s: replaying the log twice gave different states", api.ErrReplayDeterminism, instanceID)
		e.observer.OnDeterminismViolation(ctx, instanceID, err)
		return err
	}

	def, err := e.registry.Get(first.Workflow)
	if err != nil {
		return err
	}

	rc := newReplayContext(ctx, e, first, history, true)
	_, runErr := invoke(def, rc)
	if err := checkDryRun(rc, runErr); err != nil {
		e.observer.OnDeterminismViolation(ctx, instanceID, err)
		return err
	}
	return nil
}

// checkDryRun compares where a dry run of the definition stopped with what
// the log says happened next.
func checkDryRun(rc *replayContext, runErr error) error {
	if errors.Is(rc.halt, api.ErrReplayDeterminism) {
		return rc.halt
	}

	rest := rc.history[rc.cursor:]
	if len(rest) == 0 {
		// The instance is suspended, or a crash left it running.
		return nil
	}
	if len(rest) > 1 || !rest[0].Kind.Terminal() {
		return fmt.Errorf("%w: instance %s: definition returned at seq %d with %d events left",
			api.ErrReplayDeterminism, rc.inst.ID, rc.cursor, len(rest))
	}

	term := rest[0]
	switch term.Kind {
	case api.EventCompleted:
		if rc.halt != nil || runErr != nil {
			return fmt.Errorf("%w: instance %s completed, but the definition stopped with: %v",
				api.ErrReplayDeterminism, rc.inst.ID, firstErr(rc.halt, runErr))
		}
	case api.EventFailed:
		var p api.FailedPayload
		if err := term.Decode(&p); err != nil {
			return fmt.Errorf("%w: %v", api.ErrReplayDeterminism, err)
		}
		if p.Cancelled {
			return nil
		}
		if rc.halt != nil || runErr == nil {
			return fmt.Errorf("%w: instance %s failed with %q, but the definition did not fail",
				api.ErrReplayDeterminism, rc.inst.ID, p.Reason)
		}
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	ids, err := e.listIDs(ctx)
	if err != nil {
		return 0, err
	}

	touched := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return touched, err
		}
		ok, err := e.recoverInstance(ctx, id)
		if err != nil {
			e.logger.Error("failed to recover instance",
				slog.String("instance_id", id),
				slog.Any("error", err),
			)
			continue
		}
		if ok {
			touched++
		}
	}

	e.logger.Info("recovery finished", slog.Int("instances", len(ids)), slog.Int("recovered", touched))
	return touched, nil
}

func (e *engineImpl) recoverInstance(ctx context.Context, instanceID string) (bool, error) {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	history, inst, err := e.load(ctx, instanceID)
	if err != nil {
		if errors.Is(err, api.ErrReplayDeterminism) {
			e.observer.OnDeterminismViolation(ctx, instanceID, err)
		}
		return false, err
	}

	switch inst.Status {
	case api.StatusSuspended:
		wp, _ := inst.Pending()
		if wp.Kind != api.WaitTimer {
			return false, nil
		}
		e.arm(ctx, instanceID, wp.Name, wp.FireAt)
		return true, nil

	case api.StatusRunning:
		def, err := e.registry.Get(inst.Workflow)
		if err != nil {
			return false, err
		}
		e.logger.Info("re-driving interrupted instance",
			slog.String("instance_id", instanceID),
			slog.Int64("seq", inst.Seq),
		)
		if _, err := e.run(ctx, def, inst, history, nil); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// run interprets def against history, appending past its end, until the
// instance suspends or terminates. inst must be the projection of history;
// trigger, if set, is the wake event for its pending wait point. A workflow
// failure is recorded in the returned instance, not returned as an error.
func (e *engineImpl) run(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, history []api.Event, trigger *api.Event) (*api.WorkflowInstance, error) {
	rc := newReplayContext(ctx, e, inst, history, false)
	rc.trigger = trigger
	output, runErr := invoke(def, rc)
	err := e.settle(ctx, rc, output, runErr)
	e.remember(rc.inst)
	return rc.inst.Clone(), err
}

func invoke(def api.WorkflowDefinition, rc *replayContext) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow %s panicked: %v", def.Name, r)
		}
	}()
	return def.Fn(rc)
}

func (e *engineImpl) settle(ctx context.Context, rc *replayContext, output any, runErr error) error {
	inst := rc.inst

	if rc.fault != nil {
		e.logger.Error("event append failed",
			slog.String("instance_id", inst.ID),
			slog.Any("error", rc.fault),
		)
		return rc.fault
	}
	if errors.Is(rc.halt, api.ErrReplayDeterminism) {
		e.observer.OnDeterminismViolation(ctx, inst.ID, rc.halt)
		return rc.halt
	}
	if wp, ok := api.IsSuspended(rc.halt); ok {
		e.observer.OnWorkflowSuspended(ctx, inst.Clone(), wp)
		return nil
	}

	if rc.cursor < len(rc.history) {
		err := fmt.Errorf("%w: instance %s: definition returned at seq %d before the end of its history",
			api.ErrReplayDeterminism, inst.ID, rc.cursor)
		e.observer.OnDeterminismViolation(ctx, inst.ID, err)
		return err
	}

	if runErr != nil {
		ev, err := api.NewEvent(inst.ID, api.EventFailed, api.FailedPayload{Reason: runErr.Error()})
		if err != nil {
			return err
		}
		if _, err := e.appendEvent(ctx, inst, ev); err != nil {
			return err
		}
		e.disarm(ctx, inst.ID)
		e.observer.OnWorkflowFailed(ctx, inst.Clone(), runErr)
		return nil
	}

	raw, err := api.EncodeValue(output)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	ev, err := api.NewEvent(inst.ID, api.EventCompleted, api.CompletedPayload{Output: raw})
	if err != nil {
		return err
	}
	if _, err := e.appendEvent(ctx, inst, ev); err != nil {
		return err
	}
	e.observer.OnWorkflowCompleted(ctx, inst.Clone())
	return nil
}

// appendEvent validates ev against inst, writes it at inst.Seq+1 and advances
// inst. Events the projection would reject never reach the log.
func (e *engineImpl) appendEvent(ctx context.Context, inst *api.WorkflowInstance, ev api.Event) (api.Event, error) {
	if ev.InstanceID == "" {
		ev.InstanceID = inst.ID
	}
	ev.Seq = inst.Seq + 1
	ev.At = e.now()

	next := inst.Clone()
	if err := next.Apply(ev); err != nil {
		return api.Event{}, err
	}

	expected := inst.Seq
	attempts := 0
	err := withRetry(ctx, e.retry, func() error {
		attempts++
		_, err := e.log.Append(ctx, ev, expected)
		if attempts > 1 && errors.Is(err, api.ErrConflict) {
			// An earlier attempt may have committed before reporting
			// failure. Our own event at ev.Seq is success, not a conflict.
			stored, rerr := e.log.ReadAll(ctx, ev.InstanceID)
			if rerr != nil {
				return rerr
			}
			if sameEvent(stored, ev) {
				e.logger.Warn("append committed despite reported failure",
					slog.String("instance_id", ev.InstanceID),
					slog.Int64("seq", ev.Seq),
					slog.String("kind", string(ev.Kind)),
				)
				return nil
			}
		}
		return err
	})
	if err != nil {
		return api.Event{}, err
	}

	*inst = *next
	e.observer.OnEventAppended(ctx, ev)
	return ev, nil
}

// sameEvent reports whether history holds ev at ev.Seq.
func sameEvent(history []api.Event, ev api.Event) bool {
	if ev.Seq < 1 || int64(len(history)) < ev.Seq {
		return false
	}
	got := history[ev.Seq-1]
	return got.Seq == ev.Seq && got.Kind == ev.Kind && bytes.Equal(got.Payload, ev.Payload)
}

// load reads an instance's log and returns it with its projection. The
// projection is a private copy the caller may modify.
func (e *engineImpl) load(ctx context.Context, instanceID string) ([]api.Event, *api.WorkflowInstance, error) {
	events, err := e.readAll(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	if len(events) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", api.ErrUnknownInstance, instanceID)
	}
	inst, err := e.project(instanceID, events)
	if err != nil {
		return nil, nil, err
	}
	return events, inst, nil
}

// project folds events onto the cached projection, applying only the events
// appended since it was cached.
func (e *engineImpl) project(instanceID string, events []api.Event) (*api.WorkflowInstance, error) {
	e.cacheMu.Lock()
	cached := e.cache[instanceID]
	e.cacheMu.Unlock()

	inst := &api.WorkflowInstance{}
	if cached != nil && cached.Seq <= int64(len(events)) {
		inst = cached.Clone()
	}
	for _, ev := range events[inst.Seq:] {
		if err := inst.Apply(ev); err != nil {
			return nil, err
		}
	}
	e.remember(inst)
	return inst, nil
}

func (e *engineImpl) remember(inst *api.WorkflowInstance) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if cached := e.cache[inst.ID]; cached != nil && cached.Seq > inst.Seq {
		return
	}
	e.cache[inst.ID] = inst.Clone()
}

func (e *engineImpl) readAll(ctx context.Context, instanceID string) ([]api.Event, error) {
	var events []api.Event
	err := withRetry(ctx, e.retry, func() error {
		var err error
		events, err = e.log.ReadAll(ctx, instanceID)
		return err
	})
	return events, err
}

func (e *engineImpl) listIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := withRetry(ctx, e.retry, func() error {
		var err error
		ids, err = e.log.ListInstances(ctx)
		return err
	})
	return ids, err
}

// arm schedules a timer. Failures are logged only: the marker is already in
// the log, and Recover re-arms timers from it.
func (e *engineImpl) arm(ctx context.Context, instanceID, key string, fireAt time.Time) {
	if e.timers == nil {
		return
	}
	err := withRetry(ctx, e.retry, func() error {
		return e.timers.Schedule(ctx, instanceID, key, fireAt)
	})
	if err != nil && !errors.Is(err, api.ErrDuplicateTimer) {
		e.logger.Error("failed to arm timer",
			slog.String("instance_id", instanceID),
			slog.String("timer_key", key),
			slog.Any("error", err),
		)
	}
}

func (e *engineImpl) disarm(ctx context.Context, instanceID string) {
	if e.timers == nil {
		return
	}
	err := withRetry(ctx, e.retry, func() error {
		return e.timers.CancelInstance(ctx, instanceID)
	})
	if err != nil {
		e.logger.Warn("failed to retire timers",
			slog.String("instance_id", instanceID),
			slog.Any("error", err),
		)
	}
}

func (e *engineImpl) now() time.Time {
	return e.clock().UTC().Truncate(time.Millisecond)
}
