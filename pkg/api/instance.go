package api

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WaitKind distinguishes the two kinds of wait point.
type WaitKind string

const (
	WaitTimer  WaitKind = "timer"
	WaitSignal WaitKind = "signal"
)

// WaitPoint is a place where an instance suspended. Name is the timer key or
// the signal name.
type WaitPoint struct {
	Kind     WaitKind  `json:"kind"`
	Name     string    `json:"name"`
	FireAt   time.Time `json:"fire_at,omitzero"`
	Resolved bool      `json:"resolved"`
}

// WaitKey returns the key WaitPoints are stored under.
func WaitKey(kind WaitKind, name string) string {
	return string(kind) + ":" + name
}

// WorkflowInstance is the projection of an instance's event log. It is never
// persisted; Replay derives it from the events.
type WorkflowInstance struct {
	ID       string          `json:"id"`
	Workflow string          `json:"workflow"`
	Status   Status          `json:"status"`
	Seq      int64           `json:"seq"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`

	// Stage is the most recent stage the definition advanced to, Stages the
	// full history in order.
	Stage       string   `json:"stage,omitempty"`
	Stages      []string `json:"stages,omitempty"`
	StageDetail string   `json:"stage_detail,omitempty"`

	WaitPoints   map[string]*WaitPoint      `json:"wait_points,omitempty"`
	Decisions    map[string]json.RawMessage `json:"decisions,omitempty"`
	Signals      map[string]json.RawMessage `json:"signals,omitempty"`
	SignalTokens map[string]bool            `json:"signal_tokens,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
	Cancelled     bool   `json:"cancelled,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pending returns the unresolved wait point of a suspended instance.
func (w *WorkflowInstance) Pending() (WaitPoint, bool) {
	if w.Status != StatusSuspended {
		return WaitPoint{}, false
	}
	for _, wp := range w.WaitPoints {
		if !wp.Resolved {
			return *wp, true
		}
	}
	return WaitPoint{}, false
}

// TimerResolved reports whether the timer key was scheduled and has fired.
func (w *WorkflowInstance) TimerResolved(key string) bool {
	wp, ok := w.WaitPoints[WaitKey(WaitTimer, key)]
	return ok && wp.Resolved
}

// Replay folds events from empty state into a WorkflowInstance. It is a pure
// function: the same events always produce deeply equal instances.
func Replay(events []Event) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	for _, ev := range events {
		if err := inst.Apply(ev); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// Apply transitions the projection by one event. The instance is left
// unchanged when the event is rejected.
func (w *WorkflowInstance) Apply(ev Event) error {
	if ev.Seq != w.Seq+1 {
		return nondeterministic("instance %s: expected seq %d, got %d", ev.InstanceID, w.Seq+1, ev.Seq)
	}
	if w.Seq == 0 && ev.Kind != EventStarted {
		return nondeterministic("instance %s: first event is %s", ev.InstanceID, ev.Kind)
	}
	if w.Seq > 0 && ev.InstanceID != w.ID {
		return nondeterministic("event for %s applied to %s", ev.InstanceID, w.ID)
	}
	if w.Status.Terminal() {
		return nondeterministic("instance %s: %s after terminal status %s", w.ID, ev.Kind, w.Status)
	}
	pending, suspended := w.Pending()

	switch ev.Kind {
	case EventStarted:
		if w.Seq != 0 {
			return nondeterministic("instance %s: started twice", w.ID)
		}
		var p StartedPayload
		if err := ev.Decode(&p); err != nil {
			return nondeterministic("%v", err)
		}
		w.ID = ev.InstanceID
		w.Workflow = p.Workflow
		w.Input = p.Input
		w.Status = StatusRunning
		w.StartedAt = ev.At
		w.WaitPoints = map[string]*WaitPoint{}
		w.Decisions = map[string]json.RawMessage{}
		w.Signals = map[string]json.RawMessage{}
		w.SignalTokens = map[string]bool{}

	case EventStageAdvanced:
		if suspended {
			return nondeterministic("instance %s: stage advanced while waiting on %s %q", w.ID, pending.Kind, pending.Name)
		}
		var p StagePayload
		if err := ev.Decode(&p); err != nil {
			return nondeterministic("%v", err)
		}
		w.Stage = p.Stage
		w.StageDetail = p.Detail
		w.Stages = append(w.Stages, p.Stage)

	case EventDecisionRecorded:
		if suspended {
			return nondeterministic("instance %s: decision recorded while waiting on %s %q", w.ID, pending.Kind, pending.Name)
		}
		var p DecisionPayload
		if err := ev.Decode(&p); err != nil {
			return nondeterministic("%v", err)
		}
		if _, dup := w.Decisions[p.Key]; dup {
			return nondeterministic("instance %s: decision %q recorded twice", w.ID, p.Key)
		}
		w.Decisions[p.Key] = p.Value

	case EventTimerScheduled:
		var p TimerScheduledPayload
		if err := ev.Decode(&p); err != nil {
			return nondeterministic("%v", err)
		}
		if err := w.suspend(suspended, pending, WaitPoint{Kind: WaitTimer, Name: p.Key, FireAt: p.FireAt}); err != nil {
			return err
		}

	case EventSignalAwaited:
		var p SignalAwaitedPayload
		if err := ev.Decode(&p); err != nil {
			return nondeterministic("%v", err)
		}
		if err := w.suspend(suspended, pending, WaitPoint{Kind: WaitSignal, Name: p.Name}); err != nil {
			return err
		}

	case EventTimerFired:
		var p TimerFiredPayload
		if err := ev.Decode(&p); err != nil {
			return nondeterministic("%v", err)
		}
		if !suspended || pending.Kind != WaitTimer || pending.Name != p.Key {
			return nondeterministic("instance %s: timer %q fired but not pending", w.ID, p.Key)
		}
		w.WaitPoints[WaitKey(WaitTimer, p.Key)].Resolved = true
		w.Status = StatusRunning

	case EventSignalReceived:
		var p SignalReceivedPayload
		if err := ev.Decode(&p); err != nil {
			return nondeterministic("%v", err)
		}
		if !suspended || pending.Kind != WaitSignal || pending.Name != p.Name {
			return nondeterministic("instance %s: signal %q received but not awaited", w.ID, p.Name)
		}
		w.WaitPoints[WaitKey(WaitSignal, p.Name)].Resolved = true
		w.Signals[p.Name] = p.Data
		if p.DedupToken != "" {
			w.SignalTokens[p.DedupToken] = true
		}
		w.Status = StatusRunning

	case EventCompleted:
		if suspended {
			return nondeterministic("instance %s: completed while waiting on %s %q", w.ID, pending.Kind, pending.Name)
		}
		var p CompletedPayload
		if len(ev.Payload) > 0 {
			if err := ev.Decode(&p); err != nil {
				return nondeterministic("%v", err)
			}
		}
		w.Output = p.Output
		w.Status = StatusCompleted

	case EventFailed:
		var p FailedPayload
		if err := ev.Decode(&p); err != nil {
			return nondeterministic("%v", err)
		}
		w.FailureReason = p.Reason
		w.Cancelled = p.Cancelled
		w.Status = StatusFailed

	default:
		return nondeterministic("instance %s: unknown event kind %q", w.ID, ev.Kind)
	}

	w.Seq = ev.Seq
	w.UpdatedAt = ev.At
	return nil
}

func (w *WorkflowInstance) suspend(suspended bool, pending, wp WaitPoint) error {
	if suspended {
		return nondeterministic("instance %s: %s %q requested while waiting on %s %q",
			w.ID, wp.Kind, wp.Name, pending.Kind, pending.Name)
	}
	key := WaitKey(wp.Kind, wp.Name)
	if _, dup := w.WaitPoints[key]; dup {
		return nondeterministic("instance %s: wait point %s used twice", w.ID, key)
	}
	w.WaitPoints[key] = &wp
	w.Status = StatusSuspended
	return nil
}

// Clone returns a deep copy safe to hand out from caches.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	c := *w
	c.Input = cloneRaw(w.Input)
	c.Output = cloneRaw(w.Output)
	if w.Stages != nil {
		c.Stages = append([]string(nil), w.Stages...)
	}
	if w.WaitPoints != nil {
		c.WaitPoints = make(map[string]*WaitPoint, len(w.WaitPoints))
		for k, wp := range w.WaitPoints {
			cp := *wp
			c.WaitPoints[k] = &cp
		}
	}
	c.Decisions = cloneRawMap(w.Decisions)
	c.Signals = cloneRawMap(w.Signals)
	if w.SignalTokens != nil {
		c.SignalTokens = make(map[string]bool, len(w.SignalTokens))
		for k, v := range w.SignalTokens {
			c.SignalTokens[k] = v
		}
	}
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneRawMap(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = cloneRaw(v)
	}
	return out
}
