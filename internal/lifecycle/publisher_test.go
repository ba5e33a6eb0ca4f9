package lifecycle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEvent_Marshal(t *testing.T) {
	ev := Event{
		Kind:          KindDigestSent,
		RecipientID:   uuid.New(),
		EventCount:    5,
		MessageHandle: "msg-123",
		Metadata:      map[string]string{"transport": "ses"},
		OccurredAt:    time.Now().UTC(),
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal event: %v", err)
	}

	if decoded.Kind != ev.Kind {
		t.Errorf("Kind mismatch: got %s, want %s", decoded.Kind, ev.Kind)
	}
	if decoded.RecipientID != ev.RecipientID {
		t.Errorf("RecipientID mismatch: got %s, want %s", decoded.RecipientID, ev.RecipientID)
	}
	if decoded.EventCount != 5 {
		t.Errorf("EventCount mismatch: got %d", decoded.EventCount)
	}
}

func TestKindConstants(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindDigestSent, "digest.sent"},
		{KindEventDispatched, "event.dispatched"},
		{KindEventQueued, "event.queued"},
	}

	for _, tt := range tests {
		if string(tt.kind) != tt.want {
			t.Errorf("Kind %v: got %s, want %s", tt.kind, string(tt.kind), tt.want)
		}
	}
}

func TestEvent_OptionalFields(t *testing.T) {
	ev := Event{
		Kind:        KindEventDispatched,
		RecipientID: uuid.New(),
		EventClass:  "comment_created",
		OccurredAt:  time.Now().UTC(),
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if _, ok := decoded["message_handle"]; ok {
		t.Error("message_handle should be omitted when empty")
	}
	if _, ok := decoded["metadata"]; ok {
		t.Error("metadata should be omitted when nil")
	}
	if _, ok := decoded["event_count"]; ok {
		t.Error("event_count should be omitted when zero")
	}
}
