package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotificationEvent is a single unit of pending-or-sent notification.
// SentAt is nil while the event waits for a digest flush; it is set exactly
// once and never cleared.
type NotificationEvent struct {
	ID            uuid.UUID       `json:"id"`
	RecipientID   uuid.UUID       `json:"recipient_id"`
	Resource      json.RawMessage `json:"resource"`
	EventClass    string          `json:"event_class"`
	EventName     string          `json:"event_name"`
	Extra         json.RawMessage `json:"extra"`
	Priority      string          `json:"priority"`
	RecipientRole string          `json:"recipient_role"`
	CreatedAt     time.Time       `json:"created_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
}

// Priority constants
const (
	PriorityHigh = "high"
	PriorityLow  = "low"
)

// Recipient role constants
const (
	RoleFollower     = "follower"
	RoleAffectedUser = "affected_user"
)

// Recipient is a user registered to receive notifications. The
// EmailOnNotification flag is the opt-out switch: recipients with it unset
// keep their in-app feed but never receive email.
type Recipient struct {
	ID                  uuid.UUID `json:"id"`
	Email               string    `json:"email"`
	Name                string    `json:"name"`
	EmailOnNotification bool      `json:"email_on_notification"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}
