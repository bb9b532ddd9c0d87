package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// history builds a sequenced log for instance "i-1" from (kind, payload) pairs.
func history(t *testing.T, pairs ...any) []Event {
	t.Helper()
	if len(pairs)%2 != 0 {
		t.Fatalf("history needs kind/payload pairs")
	}
	var out []Event
	for i := 0; i < len(pairs); i += 2 {
		ev, err := NewEvent("i-1", pairs[i].(EventKind), pairs[i+1])
		if err != nil {
			t.Fatalf("NewEvent: %v", err)
		}
		ev.Seq = int64(len(out) + 1)
		ev.At = t0.Add(time.Duration(ev.Seq) * time.Second)
		out = append(out, ev)
	}
	return out
}

func shipmentLikeHistory(t *testing.T) []Event {
	return history(t,
		EventStarted, StartedPayload{Workflow: "ship", Input: json.RawMessage(`{"id":"S1"}`)},
		EventStageAdvanced, StagePayload{Stage: "Pending"},
		EventTimerScheduled, TimerScheduledPayload{Key: "transit", FireAt: t0.Add(time.Minute)},
		EventTimerFired, TimerFiredPayload{Key: "transit"},
		EventStageAdvanced, StagePayload{Stage: "AtCustoms", Detail: "inspection"},
		EventDecisionRecorded, DecisionPayload{Key: "issue", Value: json.RawMessage(`true`)},
		EventSignalAwaited, SignalAwaitedPayload{Name: "resolve"},
		EventSignalReceived, SignalReceivedPayload{Name: "resolve", Data: json.RawMessage(`{"strategy":"express"}`), DedupToken: "tok-1"},
		EventCompleted, CompletedPayload{Output: json.RawMessage(`"done"`)},
	)
}

func TestReplay_FoldsFullHistory(t *testing.T) {
	events := shipmentLikeHistory(t)

	inst, err := Replay(events)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if inst.ID != "i-1" || inst.Workflow != "ship" {
		t.Fatalf("identity = %q/%q", inst.ID, inst.Workflow)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", inst.Status)
	}
	if inst.Seq != int64(len(events)) {
		t.Fatalf("seq = %d, want %d", inst.Seq, len(events))
	}
	if !reflect.DeepEqual(inst.Stages, []string{"Pending", "AtCustoms"}) {
		t.Fatalf("stages = %v", inst.Stages)
	}
	if inst.Stage != "AtCustoms" || inst.StageDetail != "inspection" {
		t.Fatalf("stage = %q (%q)", inst.Stage, inst.StageDetail)
	}
	if string(inst.Decisions["issue"]) != "true" {
		t.Fatalf("decision = %s", inst.Decisions["issue"])
	}
	if string(inst.Signals["resolve"]) != `{"strategy":"express"}` {
		t.Fatalf("signal data = %s", inst.Signals["resolve"])
	}
	if !inst.SignalTokens["tok-1"] {
		t.Fatalf("dedup token not recorded")
	}
	if !inst.TimerResolved("transit") {
		t.Fatalf("transit timer should be resolved")
	}
	if string(inst.Output) != `"done"` {
		t.Fatalf("output = %s", inst.Output)
	}
	if !inst.StartedAt.Equal(events[0].At) || !inst.UpdatedAt.Equal(events[len(events)-1].At) {
		t.Fatalf("timestamps = %v / %v", inst.StartedAt, inst.UpdatedAt)
	}
	if _, ok := inst.Pending(); ok {
		t.Fatalf("completed instance should have no pending wait point")
	}
}

func TestReplay_IsDeterministic(t *testing.T) {
	events := shipmentLikeHistory(t)

	for n := 1; n <= len(events); n++ {
		a, err := Replay(events[:n])
		if err != nil {
			t.Fatalf("Replay(%d): %v", n, err)
		}
		b, err := Replay(events[:n])
		if err != nil {
			t.Fatalf("Replay(%d) second: %v", n, err)
		}
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("replaying %d events twice diverged:\n%+v\n%+v", n, a, b)
		}
	}
}

func TestReplay_StatusAlongTheWay(t *testing.T) {
	events := shipmentLikeHistory(t)

	want := []Status{
		StatusRunning,   // started
		StatusRunning,   // stage
		StatusSuspended, // timer scheduled
		StatusRunning,   // timer fired
		StatusRunning,   // stage
		StatusRunning,   // decision
		StatusSuspended, // signal awaited
		StatusRunning,   // signal received
		StatusCompleted, // completed
	}
	inst := &WorkflowInstance{}
	for i, ev := range events {
		if err := inst.Apply(ev); err != nil {
			t.Fatalf("Apply #%d: %v", ev.Seq, err)
		}
		if inst.Status != want[i] {
			t.Fatalf("after %s status = %s, want %s", ev.Kind, inst.Status, want[i])
		}
	}
}

func TestReplay_PendingWaitPoint(t *testing.T) {
	events := shipmentLikeHistory(t)[:3]
	inst, err := Replay(events)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	wp, ok := inst.Pending()
	if !ok {
		t.Fatalf("expected pending wait point")
	}
	if wp.Kind != WaitTimer || wp.Name != "transit" || !wp.FireAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("pending = %+v", wp)
	}
}

func TestReplay_RejectsInvalidHistories(t *testing.T) {
	full := shipmentLikeHistory(t)

	gap := append([]Event(nil), full[:3]...)
	gap[2].Seq = 4

	tests := []struct {
		name   string
		events func() []Event
	}{
		{"gap in sequence", func() []Event { return gap }},
		{"first event not started", func() []Event {
			return history(t, EventStageAdvanced, StagePayload{Stage: "x"})
		}},
		{"started twice", func() []Event {
			return history(t,
				EventStarted, StartedPayload{Workflow: "w"},
				EventStarted, StartedPayload{Workflow: "w"},
			)
		}},
		{"event after terminal", func() []Event {
			return history(t,
				EventStarted, StartedPayload{Workflow: "w"},
				EventCompleted, CompletedPayload{},
				EventStageAdvanced, StagePayload{Stage: "late"},
			)
		}},
		{"second pending wait point", func() []Event {
			return history(t,
				EventStarted, StartedPayload{Workflow: "w"},
				EventTimerScheduled, TimerScheduledPayload{Key: "a"},
				EventSignalAwaited, SignalAwaitedPayload{Name: "b"},
			)
		}},
		{"timer fired for other key", func() []Event {
			return history(t,
				EventStarted, StartedPayload{Workflow: "w"},
				EventTimerScheduled, TimerScheduledPayload{Key: "a"},
				EventTimerFired, TimerFiredPayload{Key: "b"},
			)
		}},
		{"signal received while on timer", func() []Event {
			return history(t,
				EventStarted, StartedPayload{Workflow: "w"},
				EventTimerScheduled, TimerScheduledPayload{Key: "a"},
				EventSignalReceived, SignalReceivedPayload{Name: "a"},
			)
		}},
		{"signal not awaited", func() []Event {
			return history(t,
				EventStarted, StartedPayload{Workflow: "w"},
				EventSignalReceived, SignalReceivedPayload{Name: "go"},
			)
		}},
		{"duplicate timer key", func() []Event {
			return history(t,
				EventStarted, StartedPayload{Workflow: "w"},
				EventTimerScheduled, TimerScheduledPayload{Key: "a"},
				EventTimerFired, TimerFiredPayload{Key: "a"},
				EventTimerScheduled, TimerScheduledPayload{Key: "a"},
			)
		}},
		{"stage while suspended", func() []Event {
			return history(t,
				EventStarted, StartedPayload{Workflow: "w"},
				EventSignalAwaited, SignalAwaitedPayload{Name: "go"},
				EventStageAdvanced, StagePayload{Stage: "x"},
			)
		}},
		{"duplicate decision", func() []Event {
			return history(t,
				EventStarted, StartedPayload{Workflow: "w"},
				EventDecisionRecorded, DecisionPayload{Key: "k", Value: json.RawMessage(`1`)},
				EventDecisionRecorded, DecisionPayload{Key: "k", Value: json.RawMessage(`2`)},
			)
		}},
		{"unknown kind", func() []Event {
			return history(t,
				EventStarted, StartedPayload{Workflow: "w"},
				EventKind("bogus"), struct{}{},
			)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Replay(tt.events())
			if !errors.Is(err, ErrReplayDeterminism) {
				t.Fatalf("expected ErrReplayDeterminism, got %v", err)
			}
		})
	}
}

func TestApply_RejectedEventLeavesInstanceUnchanged(t *testing.T) {
	events := history(t,
		EventStarted, StartedPayload{Workflow: "w"},
		EventTimerScheduled, TimerScheduledPayload{Key: "a"},
		EventTimerFired, TimerFiredPayload{Key: "b"},
	)
	inst, err := Replay(events[:2])
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	before := inst.Clone()

	if err := inst.Apply(events[2]); err == nil {
		t.Fatalf("expected rejection")
	}
	if !reflect.DeepEqual(before, inst) {
		t.Fatalf("instance mutated by rejected event")
	}
}

func TestFailedMayFollowPendingWait(t *testing.T) {
	events := history(t,
		EventStarted, StartedPayload{Workflow: "w"},
		EventSignalAwaited, SignalAwaitedPayload{Name: "go"},
		EventFailed, FailedPayload{Reason: "operator", Cancelled: true},
	)
	inst, err := Replay(events)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if inst.Status != StatusFailed || !inst.Cancelled || inst.FailureReason != "operator" {
		t.Fatalf("unexpected instance: %+v", inst)
	}
	if _, ok := inst.Pending(); ok {
		t.Fatalf("failed instance should report no pending wait point")
	}
}

func TestClone_IsDeep(t *testing.T) {
	inst, err := Replay(shipmentLikeHistory(t))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	c := inst.Clone()
	if !reflect.DeepEqual(inst, c) {
		t.Fatalf("clone differs from original")
	}

	c.Stages[0] = "mutated"
	c.WaitPoints[WaitKey(WaitTimer, "transit")].Resolved = false
	c.Decisions["issue"][0] = 'x'
	c.SignalTokens["tok-2"] = true

	if inst.Stages[0] != "Pending" || !inst.TimerResolved("transit") ||
		string(inst.Decisions["issue"]) != "true" || inst.SignalTokens["tok-2"] {
		t.Fatalf("mutating the clone leaked into the original")
	}
}

func TestTriggerHelpers(t *testing.T) {
	ev := TimerFired("i-9", "delivery")
	var tf TimerFiredPayload
	if err := ev.Decode(&tf); err != nil || tf.Key != "delivery" || ev.InstanceID != "i-9" || ev.Kind != EventTimerFired {
		t.Fatalf("TimerFired = %+v (%v)", ev, err)
	}

	ev = SignalReceived("i-9", "resolve", json.RawMessage(`{"a":1}`), "tok")
	var sr SignalReceivedPayload
	if err := ev.Decode(&sr); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if sr.Name != "resolve" || sr.DedupToken != "tok" || string(sr.Data) != `{"a":1}` {
		t.Fatalf("SignalReceived payload = %+v", sr)
	}
}

func TestIsLogical(t *testing.T) {
	logical := []error{
		ErrConflict, ErrAlreadyExists, ErrDuplicateTimer, ErrUnknownInstance,
		ErrNotWaiting, ErrInstanceTerminal, ErrUnknownWorkflow, ErrReplayDeterminism,
		fmt.Errorf("wrapped: %w", ErrConflict),
		fmt.Errorf("%w: %w", ErrNotWaiting, ErrInstanceTerminal),
		&SuspendedError{Wait: WaitPoint{Kind: WaitTimer, Name: "a"}},
	}
	for _, err := range logical {
		if !IsLogical(err) {
			t.Fatalf("IsLogical(%v) = false", err)
		}
	}
	for _, err := range []error{nil, errors.New("connection reset")} {
		if IsLogical(err) {
			t.Fatalf("IsLogical(%v) = true", err)
		}
	}
}

func TestIsSuspended(t *testing.T) {
	err := fmt.Errorf("step: %w", &SuspendedError{Wait: WaitPoint{Kind: WaitSignal, Name: "go"}})
	wp, ok := IsSuspended(err)
	if !ok || wp.Name != "go" || wp.Kind != WaitSignal {
		t.Fatalf("IsSuspended = %+v, %v", wp, ok)
	}
	if _, ok := IsSuspended(errors.New("other")); ok {
		t.Fatalf("plain error reported as suspension")
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
		50 * time.Millisecond,
	}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}

	if got := (RetryPolicy{}).Backoff(3); got != 0 {
		t.Fatalf("zero policy backoff = %v, want 0", got)
	}
	if got := (RetryPolicy{InitialBackoff: time.Millisecond}).Backoff(3); got != 4*time.Millisecond {
		t.Fatalf("default multiplier backoff = %v, want 4ms", got)
	}
}
