// Package digest implements the batch notifier: it periodically collects
// unsent, non-expired notification events, groups them per recipient, and
// hands one capped digest per recipient to the delivery transport, marking
// the included events sent.
package digest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencivic/herald/internal/lifecycle"
	"github.com/opencivic/herald/internal/mailer"
	"github.com/opencivic/herald/internal/metrics"
	"github.com/opencivic/herald/internal/store"
)

// Repository is the subset of store operations the flusher needs.
type Repository interface {
	WithFlushLock(ctx context.Context, fn func(context.Context) error) error
	CollectPending(ctx context.Context, cutoff time.Time) ([]*store.NotificationEvent, error)
	GetRecipient(ctx context.Context, id uuid.UUID) (*store.Recipient, error)
	MarkSent(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error)
	PendingCount(ctx context.Context, cutoff time.Time) (int64, error)
}

// LifecycleNotifier publishes delivery lifecycle events downstream.
type LifecycleNotifier interface {
	Publish(ctx context.Context, ev lifecycle.Event) (string, error)
}

// Config holds flusher tuning.
type Config struct {
	MaxPerDigest  int           // events included in a single digest per recipient
	ExpiryWindow  time.Duration // pending events older than this are never delivered
	FlushInterval time.Duration // Run loop cadence
}

// Flusher is the batch notifier.
type Flusher struct {
	repo      Repository
	transport mailer.Transport
	notifier  LifecycleNotifier // nil if SNS not configured
	config    Config
	logger    *zap.Logger
}

func New(repo Repository, transport mailer.Transport, cfg Config, logger *zap.Logger) *Flusher {
	if cfg.MaxPerDigest == 0 {
		cfg.MaxPerDigest = 5
	}
	if cfg.ExpiryWindow == 0 {
		cfg.ExpiryWindow = 7 * 24 * time.Hour
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 1 * time.Hour
	}

	return &Flusher{
		repo:      repo,
		transport: transport,
		config:    cfg,
		logger:    logger,
	}
}

// SetLifecycle attaches a lifecycle notifier. Each digest hand-off publishes
// a digest.sent lifecycle event.
func (f *Flusher) SetLifecycle(n LifecycleNotifier) {
	f.notifier = n
}

// Run invokes Flush on a fixed interval until the context is cancelled.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("digest flusher stopping")
			return
		case <-ticker.C:
			sent, err := f.Flush(ctx)
			if err != nil && !errors.Is(err, store.ErrFlushInProgress) {
				f.logger.Error("flush cycle failed", zap.Error(err))
				continue
			}
			if sent > 0 {
				f.logger.Info("flush cycle complete", zap.Int("events_sent", sent))
			}
		}
	}
}

// recipientGroup keeps a recipient's pending events in arrival order.
type recipientGroup struct {
	recipientID uuid.UUID
	events      []*store.NotificationEvent
}

// Flush runs one digest cycle and returns the number of events marked sent.
// The whole cycle holds the flush lock so two overlapping invocations can
// never both select the same pending event; the loser gets
// store.ErrFlushInProgress.
//
// Per-recipient failures (hand-off, mark-sent) are isolated: that
// recipient's events stay pending and are retried next cycle while the rest
// of the cycle proceeds.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	start := time.Now()
	total := 0

	err := f.repo.WithFlushLock(ctx, func(ctx context.Context) error {
		now := time.Now()
		cutoff := now.Add(-f.config.ExpiryWindow)

		events, err := f.repo.CollectPending(ctx, cutoff)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		for _, group := range groupByRecipient(events) {
			n, err := f.flushGroup(ctx, group, now)
			if err != nil {
				metrics.RecordDigestHandoffFailure()
				f.logger.Warn("digest hand-off failed, will retry next cycle",
					zap.Error(err),
					zap.String("recipient_id", group.recipientID.String()),
				)
				continue
			}
			total += n
		}

		if pending, err := f.repo.PendingCount(ctx, cutoff); err == nil {
			metrics.SetPendingEvents(pending)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.RecordFlushDuration(time.Since(start))
	metrics.RecordEventsMarkedSent(total)

	return total, nil
}

// flushGroup sends one digest for a recipient group and marks the included
// events sent. Returns how many events were stamped.
func (f *Flusher) flushGroup(ctx context.Context, group recipientGroup, now time.Time) (int, error) {
	recipient, err := f.repo.GetRecipient(ctx, group.recipientID)
	if err != nil {
		if errors.Is(err, store.ErrRecipientNotFound) {
			// Recipient deleted between event creation and flush: drop
			// silently, never mark. The events age out past the expiry
			// window.
			f.logger.Debug("recipient gone, dropping group",
				zap.String("recipient_id", group.recipientID.String()),
				zap.Int("events", len(group.events)),
			)
			return 0, nil
		}
		return 0, err
	}

	if !recipient.EmailOnNotification {
		// Opted out: no send and no mark, so re-enabling before expiry
		// still delivers them.
		return 0, nil
	}

	capped := newestN(group.events, f.config.MaxPerDigest)

	serialized := make([]mailer.Event, 0, len(capped))
	for _, ev := range capped {
		serialized = append(serialized, mailer.Serialize(ev, recipient, now))
	}

	handle, err := f.transport.SendDigest(ctx, recipient, serialized)
	if err != nil {
		return 0, err
	}

	ids := make([]uuid.UUID, 0, len(capped))
	for _, ev := range capped {
		ids = append(ids, ev.ID)
	}

	// Only the capped subset is stamped; overflow events stay pending for
	// the next cycle. A crash between hand-off and mark turns at-most-once
	// into at-least-once for this group, which beats losing the digest.
	marked, err := f.repo.MarkSent(ctx, ids, now)
	if err != nil {
		return 0, err
	}

	metrics.RecordDigestSent()
	f.logger.Info("digest handed off",
		zap.String("recipient_id", recipient.ID.String()),
		zap.String("handle", handle),
		zap.Int("events", len(capped)),
		zap.Int64("marked_sent", marked),
	)

	if f.notifier != nil {
		// Best effort: the digest is already handed off.
		if _, err := f.notifier.Publish(ctx, lifecycle.Event{
			Kind:          lifecycle.KindDigestSent,
			RecipientID:   recipient.ID,
			EventCount:    len(capped),
			MessageHandle: handle,
		}); err != nil {
			f.logger.Warn("lifecycle publish failed", zap.Error(err))
		}
	}

	return int(marked), nil
}

// groupByRecipient partitions events per recipient, preserving arrival order
// within each group and first-seen order across groups.
func groupByRecipient(events []*store.NotificationEvent) []recipientGroup {
	index := make(map[uuid.UUID]int)
	var groups []recipientGroup

	for _, ev := range events {
		i, ok := index[ev.RecipientID]
		if !ok {
			i = len(groups)
			index[ev.RecipientID] = i
			groups = append(groups, recipientGroup{recipientID: ev.RecipientID})
		}
		groups[i].events = append(groups[i].events, ev)
	}

	return groups
}

// newestN returns the n most recently created events, newest first. Input is
// in arrival order (oldest first).
func newestN(events []*store.NotificationEvent, n int) []*store.NotificationEvent {
	if len(events) > n {
		events = events[len(events)-n:]
	}

	out := make([]*store.NotificationEvent, len(events))
	for i, ev := range events {
		out[len(events)-1-i] = ev
	}
	return out
}
