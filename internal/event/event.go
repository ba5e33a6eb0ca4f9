// Package event defines the application event shape produced by the
// platform's subsystems (questions, initiatives, comments) and the
// classification rules deciding whether and how an event is notified.
package event

import (
	"github.com/google/uuid"

	"github.com/opencivic/herald/internal/store"
)

// Space is the participatory space owning a resource. Spaces that declare
// themselves publishable gate notifications until published.
type Space struct {
	Slug        string `json:"slug"`
	Publishable bool   `json:"publishable,omitempty"`
	Published   bool   `json:"published,omitempty"`
}

// Component is an optional feature component within a space (e.g. the
// questions component of an assembly). Space-level resources carry none.
type Component struct {
	ID        string `json:"id"`
	Published bool   `json:"published"`
}

// Resource is an opaque reference to the entity a notification concerns,
// carrying just enough publication state for classification.
type Resource struct {
	Type        string     `json:"type"`
	ID          string     `json:"id"`
	Title       string     `json:"title,omitempty"`
	Publishable bool       `json:"publishable,omitempty"`
	Published   bool       `json:"published,omitempty"`
	Space       *Space     `json:"space,omitempty"`
	Component   *Component `json:"component,omitempty"`
}

// Event is an application event as submitted by producers.
type Event struct {
	EventName     string         `json:"event_name"`
	EventClass    string         `json:"event_class"`
	Resource      Resource       `json:"resource"`
	Followers     []uuid.UUID    `json:"followers,omitempty"`
	AffectedUsers []uuid.UUID    `json:"affected_users,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
	ForceSend     bool           `json:"force_send,omitempty"`
}

// Priority resolves the declared priority of the event. Only the literal
// value "high" yields high priority; absent, low or malformed values are all
// treated as low.
func (e *Event) Priority() string {
	raw, ok := e.Extra["priority"]
	if !ok {
		return store.PriorityLow
	}
	s, ok := raw.(string)
	if !ok || s != store.PriorityHigh {
		return store.PriorityLow
	}
	return store.PriorityHigh
}

// AuthorID returns the event author when declared in extra, used to suppress
// self-notification.
func (e *Event) AuthorID() (uuid.UUID, bool) {
	raw, ok := e.Extra["author_id"]
	if !ok {
		return uuid.Nil, false
	}
	s, ok := raw.(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// RecipientRef is a fan-out target with the role it was reached through.
type RecipientRef struct {
	ID   uuid.UUID
	Role string
}

// Recipients returns the de-duplicated fan-out set: followers plus affected
// users, author excluded. When a user appears in both lists the
// affected_user role wins.
func (e *Event) Recipients() []RecipientRef {
	author, hasAuthor := e.AuthorID()

	seen := make(map[uuid.UUID]int, len(e.Followers)+len(e.AffectedUsers))
	refs := make([]RecipientRef, 0, len(e.Followers)+len(e.AffectedUsers))

	add := func(id uuid.UUID, role string) {
		if id == uuid.Nil {
			return
		}
		if hasAuthor && id == author {
			return
		}
		if idx, ok := seen[id]; ok {
			if role == store.RoleAffectedUser {
				refs[idx].Role = store.RoleAffectedUser
			}
			return
		}
		seen[id] = len(refs)
		refs = append(refs, RecipientRef{ID: id, Role: role})
	}

	for _, id := range e.AffectedUsers {
		add(id, store.RoleAffectedUser)
	}
	for _, id := range e.Followers {
		add(id, store.RoleFollower)
	}

	return refs
}
