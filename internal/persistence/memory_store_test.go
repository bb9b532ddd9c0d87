package persistence

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/petrijr/shipflow/pkg/api"
)

func TestInMemoryEventLog_Conformance(t *testing.T) {
	testEventLogConformance(t, NewInMemoryEventLog())
}

func TestInMemoryTimerStore_Conformance(t *testing.T) {
	testTimerStoreConformance(t, NewInMemoryTimerStore())
}

func TestInMemoryEventLog_ReadAllReturnsCopy(t *testing.T) {
	log := NewInMemoryEventLog()
	ctx := context.Background()

	if _, err := log.Append(ctx, api.Event{InstanceID: "wf-1", Kind: api.EventStarted, Payload: json.RawMessage(`{}`)}, 0); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	events, err := log.ReadAll(ctx, "wf-1")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	events[0].Kind = api.EventFailed

	again, err := log.ReadAll(ctx, "wf-1")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if again[0].Kind != api.EventStarted {
		t.Fatalf("mutating a read leaked into the log: %s", again[0].Kind)
	}
}

func TestInMemoryEventLog_StampsMissingTimestamp(t *testing.T) {
	log := NewInMemoryEventLog()
	ctx := context.Background()

	if _, err := log.Append(ctx, api.Event{InstanceID: "wf-1", Kind: api.EventStarted, Payload: json.RawMessage(`{}`)}, 0); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	events, _ := log.ReadAll(ctx, "wf-1")
	if events[0].At.IsZero() {
		t.Fatalf("expected append to stamp a timestamp")
	}
}

func TestInMemoryEventLog_CancelledContext(t *testing.T) {
	log := NewInMemoryEventLog()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := log.Append(ctx, api.Event{InstanceID: "wf-1", Kind: api.EventStarted}, 0); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}
