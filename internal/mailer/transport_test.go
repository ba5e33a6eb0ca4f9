package mailer

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencivic/herald/internal/store"
)

func TestSerialize(t *testing.T) {
	now := time.Now()
	recipient := &store.Recipient{
		ID:    uuid.New(),
		Email: "alice@example.com",
		Name:  "Alice",
	}
	ev := &store.NotificationEvent{
		ID:            uuid.New(),
		RecipientID:   recipient.ID,
		Resource:      json.RawMessage(`{"type":"question","id":"42"}`),
		EventClass:    "civic.events.questions.question_answered",
		EventName:     "question.answered",
		Extra:         json.RawMessage(`{"priority":"low"}`),
		Priority:      store.PriorityLow,
		RecipientRole: store.RoleFollower,
		CreatedAt:     now.Add(-3 * time.Hour),
	}

	serialized := Serialize(ev, recipient, now)

	if serialized.EventName != "question.answered" {
		t.Errorf("event name mismatch: got %s", serialized.EventName)
	}
	if serialized.User.ID != recipient.ID {
		t.Errorf("user id mismatch: got %s", serialized.User.ID)
	}
	if serialized.User.Email != "alice@example.com" {
		t.Errorf("user email mismatch: got %s", serialized.User.Email)
	}
	if serialized.UserRole != "follower" {
		t.Errorf("user role mismatch: got %s", serialized.UserRole)
	}
	if serialized.CreatedAtRelative != "About 3 hours" {
		t.Errorf("relative age mismatch: got %q", serialized.CreatedAtRelative)
	}
	if string(serialized.Resource) != `{"type":"question","id":"42"}` {
		t.Errorf("resource mismatch: got %s", string(serialized.Resource))
	}
}

func TestRelativeAge(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name string
		age  time.Duration
		want string
	}{
		{"seconds", 30 * time.Second, "Less than a minute"},
		{"one minute", 90 * time.Second, "1 minute"},
		{"minutes", 10 * time.Minute, "10 minutes"},
		{"one hour", 75 * time.Minute, "About 1 hour"},
		{"hours", 5 * time.Hour, "About 5 hours"},
		{"one day", 30 * time.Hour, "1 day"},
		{"days", 13 * 24 * time.Hour, "13 days"},
		{"future timestamp clamps", -5 * time.Minute, "Less than a minute"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := RelativeAge(now.Add(-tc.age), now)
			if got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestLogTransport(t *testing.T) {
	transport := NewLogTransport(zap.NewNop())
	recipient := &store.Recipient{ID: uuid.New(), Email: "u@example.com"}

	handle, err := transport.SendDigest(context.Background(), recipient, []Event{{EventName: "question.answered"}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if handle == "" {
		t.Error("expected a non-empty handle")
	}

	handle, err = transport.SendImmediate(context.Background(), recipient, Event{EventName: "comment.created"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if handle == "" {
		t.Error("expected a non-empty handle")
	}
}

func TestQueueMessage_Marshal(t *testing.T) {
	msg := Message{
		Kind:        KindDigest,
		RecipientID: uuid.New().String(),
		Email:       "alice@example.com",
		Name:        "Alice",
		Events: []Event{
			{
				Resource:          json.RawMessage(`{"type":"initiative","id":"7"}`),
				EventClass:        "civic.events.initiatives.milestone_completed",
				EventName:         "initiative.milestone",
				Priority:          "low",
				UserRole:          "follower",
				CreatedAtRelative: "About 2 hours",
			},
		},
		EnqueuedAt: 1234567890,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Kind != KindDigest {
		t.Errorf("kind mismatch: got %s", decoded.Kind)
	}
	if len(decoded.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(decoded.Events))
	}
	if decoded.Events[0].EventName != "initiative.milestone" {
		t.Errorf("event name mismatch: got %s", decoded.Events[0].EventName)
	}
	if string(decoded.Events[0].Resource) != `{"type":"initiative","id":"7"}` {
		t.Errorf("resource mismatch: got %s", string(decoded.Events[0].Resource))
	}
}

func TestDigestBody(t *testing.T) {
	recipient := &store.Recipient{ID: uuid.New(), Email: "bob@example.com", Name: "Bob"}
	events := []Event{
		{EventName: "question.answered", CreatedAtRelative: "About 1 hour"},
		{EventName: "comment.created", CreatedAtRelative: "2 days"},
	}

	body := digestBody(recipient, events)

	for _, want := range []string{"Hello Bob", "question.answered", "About 1 hour", "comment.created"} {
		if !strings.Contains(body, want) {
			t.Errorf("digest body missing %q:\n%s", want, body)
		}
	}
}
