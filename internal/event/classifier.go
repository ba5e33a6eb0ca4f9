package event

import "github.com/opencivic/herald/internal/store"

// Decision is the outcome of classifying an application event.
type Decision int

const (
	// Skip means the event produces no notification at all.
	Skip Decision = iota
	// DeliverNow routes the event to immediate per-recipient dispatch.
	DeliverNow
	// DeliverBatch accumulates the event for the next digest flush.
	DeliverBatch
)

func (d Decision) String() string {
	switch d {
	case Skip:
		return "skip"
	case DeliverNow:
		return "deliver_now"
	case DeliverBatch:
		return "deliver_batch"
	default:
		return "unknown"
	}
}

// Classifier decides whether an event is notifiable and how it is routed.
type Classifier struct {
	batchEnabled bool
}

// NewClassifier creates a classifier. When batching is disabled every
// notifiable event is delivered immediately regardless of declared priority.
func NewClassifier(batchEnabled bool) *Classifier {
	return &Classifier{batchEnabled: batchEnabled}
}

// Classify applies the publication gating chain and priority resolution.
//
// A blank event name never dispatches, even under force_send. Otherwise
// force_send bypasses the gating chain: unpublished resource, then
// unpublished participatory space, then unpublished component, each of which
// skips the event.
func (c *Classifier) Classify(ev *Event) Decision {
	if ev.EventName == "" {
		return Skip
	}

	if !ev.ForceSend && !c.notifiable(ev) {
		return Skip
	}

	if !c.batchEnabled {
		return DeliverNow
	}

	if ev.Priority() == store.PriorityHigh {
		return DeliverNow
	}

	return DeliverBatch
}

func (c *Classifier) notifiable(ev *Event) bool {
	res := ev.Resource

	if res.Publishable && !res.Published {
		return false
	}
	if res.Space != nil && res.Space.Publishable && !res.Space.Published {
		return false
	}
	if res.Component != nil && !res.Component.Published {
		return false
	}

	return true
}
