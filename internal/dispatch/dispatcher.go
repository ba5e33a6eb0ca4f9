// Package dispatch owns recipient fan-out: immediate per-recipient delivery
// and persistence of batchable events for the digest flusher.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencivic/herald/internal/event"
	"github.com/opencivic/herald/internal/lifecycle"
	"github.com/opencivic/herald/internal/mailer"
	"github.com/opencivic/herald/internal/metrics"
	"github.com/opencivic/herald/internal/store"
)

// Store is the subset of repository operations the dispatcher needs.
type Store interface {
	GetRecipient(ctx context.Context, id uuid.UUID) (*store.Recipient, error)
	CreateEvents(ctx context.Context, events []*store.NotificationEvent) error
}

// LifecycleNotifier publishes delivery lifecycle events downstream.
type LifecycleNotifier interface {
	Publish(ctx context.Context, ev lifecycle.Event) (string, error)
}

// Dispatcher fans an application event out to its recipients.
type Dispatcher struct {
	store     Store
	transport mailer.Transport
	notifier  LifecycleNotifier // nil if SNS not configured
	logger    *zap.Logger
}

func New(st Store, transport mailer.Transport, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:     st,
		transport: transport,
		logger:    logger,
	}
}

// SetLifecycle attaches a lifecycle notifier. Dispatches publish an
// event.dispatched lifecycle event per emailed recipient.
func (d *Dispatcher) SetLifecycle(n LifecycleNotifier) {
	d.notifier = n
}

// DispatchNow delivers an event immediately to every surviving recipient.
// Each recipient gets a stored notification row marked sent (the in-app
// feed); only opted-in recipients get an email hand-off. Transport failures
// are logged and do not affect other recipients; there is no retry here.
// Returns the number of emails handed off.
func (d *Dispatcher) DispatchNow(ctx context.Context, ev *event.Event) int {
	now := time.Now()
	emailed := 0
	var rows []*store.NotificationEvent

	for _, ref := range ev.Recipients() {
		recipient, err := d.store.GetRecipient(ctx, ref.ID)
		if err != nil {
			if errors.Is(err, store.ErrRecipientNotFound) {
				continue
			}
			d.logger.Error("recipient lookup failed",
				zap.Error(err),
				zap.String("recipient_id", ref.ID.String()),
			)
			continue
		}

		row := d.buildRow(ev, ref, &now)
		rows = append(rows, row)

		if !recipient.EmailOnNotification {
			continue
		}

		handle, err := d.transport.SendImmediate(ctx, recipient, mailer.Serialize(row, recipient, now))
		if err != nil {
			d.logger.Error("immediate hand-off failed",
				zap.Error(err),
				zap.String("recipient_id", ref.ID.String()),
				zap.String("event_name", ev.EventName),
			)
			continue
		}

		emailed++
		metrics.RecordImmediateDispatch(ev.EventClass)
		d.logger.Debug("immediate notification handed off",
			zap.String("recipient_id", ref.ID.String()),
			zap.String("handle", handle),
		)

		if d.notifier != nil {
			// Best effort: the notification is already handed off.
			if _, err := d.notifier.Publish(ctx, lifecycle.Event{
				Kind:          lifecycle.KindEventDispatched,
				RecipientID:   ref.ID,
				EventClass:    ev.EventClass,
				EventName:     ev.EventName,
				MessageHandle: handle,
			}); err != nil {
				d.logger.Warn("lifecycle publish failed", zap.Error(err))
			}
		}
	}

	// Audit rows are best effort: a failed insert must not block email
	// hand-off that already happened.
	if err := d.store.CreateEvents(ctx, rows); err != nil {
		d.logger.Error("failed to store immediate notification events",
			zap.Error(err),
			zap.Int("count", len(rows)),
		)
	}

	return emailed
}

// Enqueue persists an event as pending notifications, one per recipient, for
// a later digest flush. Recipients deleted before ingest are skipped.
func (d *Dispatcher) Enqueue(ctx context.Context, ev *event.Event) (int, error) {
	var rows []*store.NotificationEvent

	for _, ref := range ev.Recipients() {
		if _, err := d.store.GetRecipient(ctx, ref.ID); err != nil {
			if errors.Is(err, store.ErrRecipientNotFound) {
				continue
			}
			return 0, err
		}
		rows = append(rows, d.buildRow(ev, ref, nil))
	}

	if err := d.store.CreateEvents(ctx, rows); err != nil {
		return 0, err
	}

	return len(rows), nil
}

func (d *Dispatcher) buildRow(ev *event.Event, ref event.RecipientRef, sentAt *time.Time) *store.NotificationEvent {
	resource, err := json.Marshal(ev.Resource)
	if err != nil {
		resource = json.RawMessage(`{}`)
	}

	extra := json.RawMessage(`{}`)
	if len(ev.Extra) > 0 {
		if b, err := json.Marshal(ev.Extra); err == nil {
			extra = b
		}
	}

	return &store.NotificationEvent{
		ID:            uuid.New(),
		RecipientID:   ref.ID,
		Resource:      resource,
		EventClass:    ev.EventClass,
		EventName:     ev.EventName,
		Extra:         extra,
		Priority:      ev.Priority(),
		RecipientRole: ref.Role,
		SentAt:        sentAt,
	}
}
