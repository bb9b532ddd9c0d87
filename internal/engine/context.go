package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/petrijr/shipflow/pkg/api"
)

// errDryRunStop ends a dry run at the point where a live run would append.
var errDryRunStop = errors.New("dry run reached the end of history")

// replayContext implements api.Context for one run of a definition. history
// is the full event log; primitives consume it from cursor onwards and
// append once it is exhausted. inst is the projection at the end of history
// and advances with every append.
type replayContext struct {
	ctx     context.Context
	engine  *engineImpl
	inst    *api.WorkflowInstance
	history []api.Event
	cursor  int
	now     time.Time
	dryRun  bool
	rng     *rand.Rand

	// trigger is the wake event of a Resume. It is appended when the
	// definition reaches the wait point it resolves, so a run that diverges
	// before that point leaves the log untouched.
	trigger *api.Event
	logger  *slog.Logger

	// halt is set by the first suspension, divergence, storage fault or dry
	// run stop. Every later primitive returns it, so a definition that
	// swallows the error cannot keep going.
	halt error
	// fault is the storage error that aborted an append, if any.
	fault error
}

var _ api.Context = (*replayContext)(nil)

func newReplayContext(ctx context.Context, e *engineImpl, inst *api.WorkflowInstance, history []api.Event, dryRun bool) *replayContext {
	rc := &replayContext{
		ctx:     ctx,
		engine:  e,
		inst:    inst,
		history: history,
		cursor:  1, // Started is consumed by the engine itself
		dryRun:  dryRun,
		logger: e.logger.With(
			slog.String("instance_id", inst.ID),
			slog.String("workflow", inst.Workflow),
		),
	}
	if len(history) > 0 {
		rc.now = history[0].At
	}
	return rc
}

func (c *replayContext) Context() context.Context { return c.ctx }

func (c *replayContext) InstanceID() string { return c.inst.ID }

func (c *replayContext) Input(out any) error {
	return decodeInto(c.inst.Input, out)
}

func (c *replayContext) Now() time.Time { return c.now }

func (c *replayContext) IsReplaying() bool {
	return c.dryRun || c.cursor < len(c.history)
}

func (c *replayContext) Logger() *slog.Logger {
	if c.IsReplaying() {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

func (c *replayContext) Advance(stage, detail string) error {
	if c.halt != nil {
		return c.halt
	}
	if ev, ok := c.next(); ok {
		var p api.StagePayload
		if ev.Kind != api.EventStageAdvanced || ev.Decode(&p) != nil || p.Stage != stage {
			return c.diverged(ev, "advance to stage %q", stage)
		}
		c.consume(ev)
		return nil
	}
	if c.dryRun {
		return c.stop(errDryRunStop)
	}
	return c.append(api.EventStageAdvanced, api.StagePayload{Stage: stage, Detail: detail})
}

func (c *replayContext) Decide(key string, fn api.DecideFunc, out any) error {
	if c.halt != nil {
		return c.halt
	}
	if ev, ok := c.next(); ok {
		var p api.DecisionPayload
		if ev.Kind != api.EventDecisionRecorded || ev.Decode(&p) != nil || p.Key != key {
			return c.diverged(ev, "decide %q", key)
		}
		c.consume(ev)
		return decodeInto(p.Value, out)
	}
	if c.dryRun {
		return c.stop(errDryRunStop)
	}

	v, err := fn(c.random())
	if err != nil {
		return err
	}
	raw, err := api.EncodeValue(v)
	if err != nil {
		return fmt.Errorf("decision %q: %w", key, err)
	}
	if err := c.append(api.EventDecisionRecorded, api.DecisionPayload{Key: key, Value: raw}); err != nil {
		return err
	}
	return decodeInto(raw, out)
}

func (c *replayContext) Sleep(key string, d time.Duration) error {
	if c.halt != nil {
		return c.halt
	}
	if ev, ok := c.next(); ok {
		var p api.TimerScheduledPayload
		if ev.Kind != api.EventTimerScheduled || ev.Decode(&p) != nil || p.Key != key {
			return c.diverged(ev, "sleep on timer %q", key)
		}
		c.consume(ev)
		return c.awaitTimer(api.WaitPoint{Kind: api.WaitTimer, Name: key, FireAt: p.FireAt})
	}
	if c.dryRun {
		return c.stop(errDryRunStop)
	}

	fireAt := c.engine.now().Add(d)
	if err := c.append(api.EventTimerScheduled, api.TimerScheduledPayload{Key: key, FireAt: fireAt}); err != nil {
		return err
	}
	c.engine.arm(c.ctx, c.inst.ID, key, fireAt)
	return c.stop(&api.SuspendedError{Wait: api.WaitPoint{Kind: api.WaitTimer, Name: key, FireAt: fireAt}})
}

func (c *replayContext) awaitTimer(wp api.WaitPoint) error {
	ev, ok := c.next()
	if !ok {
		return c.deliver(wp, nil)
	}
	var p api.TimerFiredPayload
	if ev.Kind != api.EventTimerFired || ev.Decode(&p) != nil || p.Key != wp.Name {
		return c.diverged(ev, "wait for timer %q", wp.Name)
	}
	c.consume(ev)
	return nil
}

func (c *replayContext) WaitSignal(name string, out any) error {
	if c.halt != nil {
		return c.halt
	}
	wp := api.WaitPoint{Kind: api.WaitSignal, Name: name}
	if ev, ok := c.next(); ok {
		var p api.SignalAwaitedPayload
		if ev.Kind != api.EventSignalAwaited || ev.Decode(&p) != nil || p.Name != name {
			return c.diverged(ev, "wait for signal %q", name)
		}
		c.consume(ev)
		return c.awaitSignal(wp, out)
	}
	if c.dryRun {
		return c.stop(errDryRunStop)
	}

	if err := c.append(api.EventSignalAwaited, api.SignalAwaitedPayload{Name: name}); err != nil {
		return err
	}
	return c.stop(&api.SuspendedError{Wait: wp})
}

func (c *replayContext) awaitSignal(wp api.WaitPoint, out any) error {
	ev, ok := c.next()
	if !ok {
		return c.deliver(wp, out)
	}
	var p api.SignalReceivedPayload
	if ev.Kind != api.EventSignalReceived || ev.Decode(&p) != nil || p.Name != wp.Name {
		return c.diverged(ev, "wait for signal %q", wp.Name)
	}
	c.consume(ev)
	return decodeInto(p.Data, out)
}

// deliver appends the pending wake event at the end of history, or suspends
// on wp if there is none.
func (c *replayContext) deliver(wp api.WaitPoint, out any) error {
	if c.trigger == nil {
		return c.stop(&api.SuspendedError{Wait: wp})
	}
	trigger := *c.trigger
	c.trigger = nil
	if err := c.append(trigger.Kind, trigger.Payload); err != nil {
		return err
	}
	if trigger.Kind != api.EventSignalReceived {
		return nil
	}
	var p api.SignalReceivedPayload
	if err := trigger.Decode(&p); err != nil {
		return err
	}
	return decodeInto(p.Data, out)
}

// next returns the next unconsumed history event. In a dry run a terminal
// event counts as the end of history, since no primitive ever produces one.
func (c *replayContext) next() (api.Event, bool) {
	if c.cursor >= len(c.history) {
		return api.Event{}, false
	}
	ev := c.history[c.cursor]
	if c.dryRun && ev.Kind.Terminal() {
		return api.Event{}, false
	}
	return ev, true
}

func (c *replayContext) consume(ev api.Event) {
	c.cursor++
	c.now = ev.At
}

func (c *replayContext) append(kind api.EventKind, payload any) error {
	ev, err := api.NewEvent(c.inst.ID, kind, payload)
	if err != nil {
		return err
	}
	ev, err = c.engine.appendEvent(c.ctx, c.inst, ev)
	if err != nil {
		if !errors.Is(err, api.ErrReplayDeterminism) {
			c.fault = err
		}
		return c.stop(err)
	}
	c.history = append(c.history, ev)
	c.consume(ev)
	return nil
}

func (c *replayContext) diverged(ev api.Event, format string, args ...any) error {
	return c.stop(fmt.Errorf("%w: instance %s seq %d: history has %s, definition asked to %s",
		api.ErrReplayDeterminism, c.inst.ID, ev.Seq, ev.Kind, fmt.Sprintf(format, args...)))
}

func (c *replayContext) stop(err error) error {
	c.halt = err
	return err
}

func (c *replayContext) random() *rand.Rand {
	if c.rng == nil {
		c.rng = c.engine.rand(c.inst.ID)
	}
	return c.rng
}

func decodeInto(raw json.RawMessage, out any) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
