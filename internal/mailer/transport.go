// Package mailer is the delivery transport boundary: it owns the
// transport-neutral serialized event record and the implementations that
// accept digests and immediate notifications for asynchronous delivery.
package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencivic/herald/internal/store"
)

// UserRef identifies the recipient inside a serialized event.
type UserRef struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

// Event is the transport-neutral record handed to the delivery layer. The
// mail renderer downstream only ever sees this shape.
type Event struct {
	Resource          json.RawMessage `json:"resource"`
	EventClass        string          `json:"event_class"`
	EventName         string          `json:"event_name"`
	User              UserRef         `json:"user"`
	Extra             json.RawMessage `json:"extra"`
	Priority          string          `json:"priority"`
	UserRole          string          `json:"user_role"`
	CreatedAtRelative string          `json:"created_at_relative"`
}

// Transport hands notifications off for asynchronous delivery. A nil error
// means accepted at enqueue time, not final delivery confirmation. The
// returned handle is the transport message id.
type Transport interface {
	SendDigest(ctx context.Context, recipient *store.Recipient, events []Event) (string, error)
	SendImmediate(ctx context.Context, recipient *store.Recipient, ev Event) (string, error)
}

// Serialize converts a stored notification event into its transport record.
func Serialize(ev *store.NotificationEvent, recipient *store.Recipient, now time.Time) Event {
	return Event{
		Resource:   ev.Resource,
		EventClass: ev.EventClass,
		EventName:  ev.EventName,
		User: UserRef{
			ID:    recipient.ID,
			Name:  recipient.Name,
			Email: recipient.Email,
		},
		Extra:             ev.Extra,
		Priority:          ev.Priority,
		UserRole:          ev.RecipientRole,
		CreatedAtRelative: RelativeAge(ev.CreatedAt, now),
	}
}

// RelativeAge renders a coarse human-readable age for digest copy, e.g.
// "Less than a minute", "About 3 hours", "2 days".
func RelativeAge(t, now time.Time) string {
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}

	switch {
	case d < time.Minute:
		return "Less than a minute"
	case d < 2*time.Minute:
		return "1 minute"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 2*time.Hour:
		return "About 1 hour"
	case d < 24*time.Hour:
		return fmt.Sprintf("About %d hours", int(d.Hours()))
	case d < 48*time.Hour:
		return "1 day"
	default:
		return fmt.Sprintf("%d days", int(d.Hours()/24))
	}
}
