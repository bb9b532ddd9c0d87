package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies a workflow history event.
type EventKind string

const (
	EventStarted          EventKind = "workflow.started"
	EventStageAdvanced    EventKind = "stage.advanced"
	EventDecisionRecorded EventKind = "decision.recorded"
	EventTimerScheduled   EventKind = "timer.scheduled"
	EventTimerFired       EventKind = "timer.fired"
	EventSignalAwaited    EventKind = "signal.awaited"
	EventSignalReceived   EventKind = "signal.received"
	EventCompleted        EventKind = "workflow.completed"
	EventFailed           EventKind = "workflow.failed"
)

// Terminal reports whether no event may follow an event of this kind.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventFailed
}

// Event is an immutable fact in an instance's history.
//
// Seq is assigned by the event log on append: it starts at 1 and is strictly
// increasing and gapless per instance. Payload holds the kind-specific
// payload struct encoded as JSON.
type Event struct {
	InstanceID string          `json:"instance_id"`
	Seq        int64           `json:"seq"`
	Kind       EventKind       `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	At         time.Time       `json:"at"`
}

// Decode unmarshals the event payload into out.
func (e Event) Decode(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s #%d has no payload", e.Kind, e.Seq)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s #%d payload: %w", e.Kind, e.Seq, err)
	}
	return nil
}

// StartedPayload is the payload of EventStarted.
type StartedPayload struct {
	Workflow string          `json:"workflow"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// StagePayload is the payload of EventStageAdvanced.
type StagePayload struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail,omitempty"`
}

// DecisionPayload is the payload of EventDecisionRecorded.
type DecisionPayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// TimerScheduledPayload is the payload of EventTimerScheduled.
type TimerScheduledPayload struct {
	Key    string    `json:"key"`
	FireAt time.Time `json:"fire_at"`
}

// TimerFiredPayload is the payload of EventTimerFired.
type TimerFiredPayload struct {
	Key string `json:"key"`
}

// SignalAwaitedPayload is the payload of EventSignalAwaited.
type SignalAwaitedPayload struct {
	Name string `json:"name"`
}

// SignalReceivedPayload is the payload of EventSignalReceived.
type SignalReceivedPayload struct {
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data,omitempty"`
	DedupToken string          `json:"dedup_token,omitempty"`
}

// CompletedPayload is the payload of EventCompleted.
type CompletedPayload struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// FailedPayload is the payload of EventFailed.
type FailedPayload struct {
	Reason    string `json:"reason"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// NewEvent builds an unsequenced event with an encoded payload.
func NewEvent(instanceID string, kind EventKind, payload any) (Event, error) {
	raw, err := EncodeValue(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Event{InstanceID: instanceID, Kind: kind, Payload: raw}, nil
}

// TimerFired builds the wake event the Timer Service delivers for key.
func TimerFired(instanceID, key string) Event {
	ev, _ := NewEvent(instanceID, EventTimerFired, TimerFiredPayload{Key: key})
	return ev
}

// SignalReceived builds the wake event the Signal Router delivers.
// data must already be encoded; use EncodeValue for Go values.
func SignalReceived(instanceID, name string, data json.RawMessage, dedupToken string) Event {
	ev, _ := NewEvent(instanceID, EventSignalReceived, SignalReceivedPayload{
		Name:       name,
		Data:       data,
		DedupToken: dedupToken,
	})
	return ev
}

// EncodeValue serializes v as JSON. A nil value encodes to nil.
func EncodeValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Signal is a named message addressed to one instance. A non-empty
// DedupToken already seen by the instance makes a delivery a no-op.
type Signal struct {
	InstanceID string
	Name       string
	Payload    json.RawMessage
	DedupToken string
}

// NewSignal encodes data as the payload of a signal.
func NewSignal(instanceID, name string, data any, dedupToken string) (Signal, error) {
	raw, err := EncodeValue(data)
	if err != nil {
		return Signal{}, fmt.Errorf("encode signal %q: %w", name, err)
	}
	return Signal{InstanceID: instanceID, Name: name, Payload: raw, DedupToken: dedupToken}, nil
}

// Event returns the SignalReceived wake event for s.
func (s Signal) Event() Event {
	return SignalReceived(s.InstanceID, s.Name, s.Payload, s.DedupToken)
}
