package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/shipflow/pkg/api"
)

// reorderedParcel is parcelWorkflow with an extra stage in front, as if the
// definition had been edited while instances were in flight.
func reorderedParcel() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: "parcel",
		Fn: func(wf api.Context) (any, error) {
			if err := wf.Advance("weighed", ""); err != nil {
				return nil, err
			}
			if err := wf.Advance("packed", ""); err != nil {
				return nil, err
			}
			return nil, wf.Sleep("transit", time.Minute)
		},
	}
}

func TestEngine_DeterminismViolationAppendsNothing(t *testing.T) {
	ctx := context.Background()
	log := inMemoryLog(t)

	original := newTestEngine(t, log)
	if _, err := original.Start(ctx, "parcel", "p-1", parcelInput{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	before := mustHistory(t, original, "p-1")

	changed := NewEngine(Config{Log: log, Observer: &api.BasicMetrics{}, Logger: original.logger}).(*engineImpl)
	metrics := changed.observer.(*api.BasicMetrics)
	if err := changed.RegisterWorkflow(reorderedParcel()); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	_, err := changed.Resume(ctx, "p-1", api.TimerFired("p-1", "transit"))
	if !errors.Is(err, api.ErrReplayDeterminism) {
		t.Fatalf("expected ErrReplayDeterminism, got %v", err)
	}
	if after := mustHistory(t, changed, "p-1"); len(after) != len(before) {
		t.Fatalf("determinism violation appended %d events", len(after)-len(before))
	}
	if got := metrics.Snapshot().DeterminismViolations; got != 1 {
		t.Fatalf("expected 1 determinism alarm, got %d", got)
	}

	if err := changed.Verify(ctx, "p-1"); !errors.Is(err, api.ErrReplayDeterminism) {
		t.Fatalf("expected Verify to report ErrReplayDeterminism, got %v", err)
	}
	if err := original.Verify(ctx, "p-1"); err != nil {
		t.Fatalf("Verify with the original definition failed: %v", err)
	}
}

func TestEngine_DefinitionThatSwallowsSuspensionStillSuspends(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, inMemoryLog(t))

	err := eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "stubborn",
		Fn: func(wf api.Context) (any, error) {
			_ = wf.Sleep("nap", time.Second)
			if err := wf.Advance("awake", ""); err != nil {
				return nil, err
			}
			return "done", nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	inst, err := eng.Start(ctx, "stubborn", "s-1", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Status != api.StatusSuspended {
		t.Fatalf("expected SUSPENDED, got %q", inst.Status)
	}
	if len(mustHistory(t, eng, "s-1")) != 2 {
		t.Fatalf("expected only Started and TimerScheduled in the log")
	}
}

func TestEngine_DuplicateWaitPointIsRejected(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, inMemoryLog(t))

	err := eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "twice",
		Fn: func(wf api.Context) (any, error) {
			if err := wf.Sleep("nap", time.Second); err != nil {
				return nil, err
			}
			return nil, wf.Sleep("nap", time.Second)
		},
	})
	if err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	if _, err := eng.Start(ctx, "twice", "t-1", nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_, err = eng.Resume(ctx, "t-1", api.TimerFired("t-1", "nap"))
	if !errors.Is(err, api.ErrReplayDeterminism) {
		t.Fatalf("expected ErrReplayDeterminism for a reused timer key, got %v", err)
	}

	// The wake event itself was valid and is kept.
	events := mustHistory(t, eng, "t-1")
	if last := events[len(events)-1]; last.Kind != api.EventTimerFired {
		t.Fatalf("expected the log to end with TimerFired, got %s", last.Kind)
	}
}

func TestEngine_VerifyAcceptsEveryLifecycleState(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, inMemoryLog(t))

	// suspended on a timer
	if _, err := eng.Start(ctx, "parcel", "v-suspended", parcelInput{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// completed
	if _, err := eng.Start(ctx, "parcel", "v-done", parcelInput{Lucky: true}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := eng.Resume(ctx, "v-done", api.TimerFired("v-done", "transit")); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	// failed by the definition
	if _, err := eng.Start(ctx, "parcel", "v-failed", parcelInput{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := eng.Resume(ctx, "v-failed", api.TimerFired("v-failed", "transit")); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if _, err := eng.Resume(ctx, "v-failed", signal("v-failed", "answer", answer{Choice: "fail"}, "")); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	// cancelled while waiting
	if _, err := eng.Start(ctx, "parcel", "v-cancelled", parcelInput{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := eng.Cancel(ctx, "v-cancelled", ""); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	for _, id := range []string{"v-suspended", "v-done", "v-failed", "v-cancelled"} {
		if err := eng.Verify(ctx, id); err != nil {
			t.Fatalf("Verify(%s) failed: %v", id, err)
		}
	}
	if got := eng.decisions.Load(); got != 2 {
		t.Fatalf("Verify must not call decision functions; got %d calls", got)
	}
	if err := eng.Verify(ctx, "missing"); !errors.Is(err, api.ErrUnknownInstance) {
		t.Fatalf("expected ErrUnknownInstance, got %v", err)
	}
}

func TestEngine_RecoverRearmsTimersAndRedrivesRunning(t *testing.T) {
	for name, factory := range logFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log := factory(t)

			before := newTestEngine(t, log)
			if _, err := before.Start(ctx, "parcel", "waiting", parcelInput{}); err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			// Simulate a crash right after Started was written.
			started, err := api.NewEvent("interrupted", api.EventStarted, api.StartedPayload{Workflow: "parcel"})
			if err != nil {
				t.Fatalf("NewEvent failed: %v", err)
			}
			started.At = time.Now().UTC()
			if _, err := log.Append(ctx, started, 0); err != nil {
				t.Fatalf("Append failed: %v", err)
			}

			// A completed instance must be left alone.
			if _, err := before.Start(ctx, "parcel", "finished", parcelInput{Lucky: true}); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			if _, err := before.Resume(ctx, "finished", api.TimerFired("finished", "transit")); err != nil {
				t.Fatalf("Resume failed: %v", err)
			}

			after := newTestEngine(t, log)
			n, err := after.Recover(ctx)
			if err != nil {
				t.Fatalf("Recover failed: %v", err)
			}
			if n != 2 {
				t.Fatalf("expected 2 recovered instances, got %d", n)
			}
			if !after.sched.armed("waiting", "transit") {
				t.Fatalf("expected the timer of the waiting instance to be re-armed")
			}
			if !after.sched.armed("interrupted", "transit") {
				t.Fatalf("expected the interrupted instance to be re-driven to its timer")
			}

			inst, err := after.GetInstance(ctx, "interrupted")
			if err != nil {
				t.Fatalf("GetInstance failed: %v", err)
			}
			if inst.Status != api.StatusSuspended || inst.Stage != "packed" {
				t.Fatalf("unexpected recovered instance: status=%q stage=%q", inst.Status, inst.Stage)
			}
		})
	}
}

func TestEngine_TransientAppendErrorsAreRetried(t *testing.T) {
	ctx := context.Background()
	log := &flakyLog{EventLog: inMemoryLog(t)}
	log.failures.Store(2)

	eng := newTestEngine(t, log)
	inst, err := eng.Start(ctx, "parcel", "f-1", parcelInput{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Status != api.StatusSuspended {
		t.Fatalf("expected SUSPENDED, got %q", inst.Status)
	}
}

func TestEngine_CrashMidRunHealsOnRecover(t *testing.T) {
	ctx := context.Background()
	log := &flakyLog{EventLog: inMemoryLog(t)}
	eng := newTestEngine(t, log)

	if _, err := eng.Start(ctx, "parcel", "c-1", parcelInput{Lucky: true}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The TimerFired append succeeds; the log then goes away for longer
	// than the retry policy covers.
	var once sync.Once
	eng.observer = observerFunc(func(ev api.Event) {
		if ev.Kind == api.EventTimerFired {
			once.Do(func() { log.failures.Store(100) })
		}
	})

	_, err := eng.Resume(ctx, "c-1", api.TimerFired("c-1", "transit"))
	if !errors.Is(err, errDiskBusy) {
		t.Fatalf("expected the storage error to surface, got %v", err)
	}
	inst, err := eng.GetInstance(ctx, "c-1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if inst.Status != api.StatusRunning {
		t.Fatalf("expected the interrupted instance to be RUNNING, got %q", inst.Status)
	}

	log.failures.Store(0)

	// A redelivered timer finishes the interrupted run.
	inst, err = eng.Resume(ctx, "c-1", api.TimerFired("c-1", "transit"))
	if err != nil {
		t.Fatalf("Resume after recovery failed: %v", err)
	}
	if inst.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", inst.Status)
	}
	if err := eng.Verify(ctx, "c-1"); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestEngine_ConcurrentResumeAppendsOneWakeEvent(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, inMemoryLog(t))

	if _, err := eng.Start(ctx, "parcel", "r-1", parcelInput{Lucky: true}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Resume(ctx, "r-1", api.TimerFired("r-1", "transit"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Resume failed: %v", err)
		}
	}
	assertOneTimerFired(t, eng, "r-1")
	if got := eng.decisions.Load(); got != 1 {
		t.Fatalf("decision function ran %d times, want 1", got)
	}
	if eng.locks.size() != 0 {
		t.Fatalf("expected instance locks to be released")
	}
}

func TestEngine_ConcurrentResumeAcrossEngines(t *testing.T) {
	ctx := context.Background()
	log := inMemoryLog(t)

	a := newTestEngine(t, log)
	b := newTestEngine(t, log)
	if _, err := a.Start(ctx, "parcel", "r-2", parcelInput{Lucky: true}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		eng := a
		if i%2 == 1 {
			eng = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Resume(ctx, "r-2", api.TimerFired("r-2", "transit"))
			// Losing every optimistic append to the other engine is
			// allowed; forking the log is not.
			if err != nil && !errors.Is(err, api.ErrConflict) {
				t.Errorf("Resume failed: %v", err)
			}
		}()
	}
	wg.Wait()

	assertOneTimerFired(t, a, "r-2")

	inst, err := a.GetInstance(ctx, "r-2")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if inst.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", inst.Status)
	}
}

func assertOneTimerFired(t *testing.T, eng api.Engine, id string) {
	t.Helper()
	fired := 0
	for _, ev := range mustHistory(t, eng, id) {
		if ev.Kind == api.EventTimerFired {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("expected exactly one TimerFired event, got %d", fired)
	}
}

// observerFunc calls fn for every appended event.
type observerFunc func(ev api.Event)

func (f observerFunc) OnWorkflowStart(context.Context, *api.WorkflowInstance)                    {}
func (f observerFunc) OnEventAppended(_ context.Context, ev api.Event)                           { f(ev) }
func (f observerFunc) OnWorkflowSuspended(context.Context, *api.WorkflowInstance, api.WaitPoint) {}
func (f observerFunc) OnWorkflowCompleted(context.Context, *api.WorkflowInstance)                {}
func (f observerFunc) OnWorkflowFailed(context.Context, *api.WorkflowInstance, error)            {}
func (f observerFunc) OnDeterminismViolation(context.Context, string, error)                     {}
func (f observerFunc) OnSignalRejected(context.Context, string, string, error)                   {}
