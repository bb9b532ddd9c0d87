package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/petrijr/shipflow/pkg/api"
)

// eventRecord is the serialized form of an event in key-value backends.
// Timestamps are kept as Unix nanoseconds so a round trip is lossless.
type eventRecord struct {
	InstanceID string          `json:"i"`
	Seq        int64           `json:"s"`
	Kind       string          `json:"k"`
	Payload    json.RawMessage `json:"p,omitempty"`
	At         int64           `json:"t"`
}

func encodeEvent(ev api.Event) ([]byte, error) {
	data, err := json.Marshal(eventRecord{
		InstanceID: ev.InstanceID,
		Seq:        ev.Seq,
		Kind:       string(ev.Kind),
		Payload:    ev.Payload,
		At:         ev.At.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode event %s #%d: %w", ev.InstanceID, ev.Seq, err)
	}
	return data, nil
}

func decodeEvent(data []byte) (api.Event, error) {
	var rec eventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return api.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return api.Event{
		InstanceID: rec.InstanceID,
		Seq:        rec.Seq,
		Kind:       api.EventKind(rec.Kind),
		Payload:    rec.Payload,
		At:         time.Unix(0, rec.At).UTC(),
	}, nil
}

type timerRecord struct {
	InstanceID string `json:"i"`
	Key        string `json:"k"`
	FireAt     int64  `json:"f"`
	Attempts   int    `json:"a,omitempty"`
}

func encodeTimer(t TimerRequest) ([]byte, error) {
	return json.Marshal(timerRecord{
		InstanceID: t.InstanceID,
		Key:        t.Key,
		FireAt:     t.FireAt.UnixNano(),
		Attempts:   t.Attempts,
	})
}

func decodeTimer(data []byte) (TimerRequest, error) {
	var rec timerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return TimerRequest{}, fmt.Errorf("decode timer: %w", err)
	}
	return TimerRequest{
		InstanceID: rec.InstanceID,
		Key:        rec.Key,
		FireAt:     time.Unix(0, rec.FireAt).UTC(),
		Attempts:   rec.Attempts,
	}, nil
}
