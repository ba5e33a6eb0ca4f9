package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrRecipientNotFound is returned when a recipient does not exist, which
// includes recipients deleted after their events were created.
var ErrRecipientNotFound = errors.New("recipient not found")

// ErrFlushInProgress indicates another flush cycle currently holds the lock.
var ErrFlushInProgress = errors.New("flush already in progress")

// flushLockKey is the advisory lock key serializing digest flush cycles.
// Two concurrent flushes must never both select the same pending event.
const flushLockKey = 0x4845524c // "HERL"

// Repository handles database operations for notification events and recipients
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification event repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateEvents inserts notification events in a single transaction. Events
// created by the immediate dispatch path arrive with SentAt already set so
// the flusher can never pick them up.
func (r *Repository) CreateEvents(ctx context.Context, events []*NotificationEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO notification_events (
			id, recipient_id, resource, event_class, event_name,
			extra, priority, recipient_role, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`

	for _, ev := range events {
		err := tx.QueryRow(ctx, query,
			ev.ID,
			ev.RecipientID,
			ev.Resource,
			ev.EventClass,
			ev.EventName,
			ev.Extra,
			ev.Priority,
			ev.RecipientRole,
			ev.SentAt,
		).Scan(&ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert notification event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("notification events created",
		zap.Int("count", len(events)),
	)

	return nil
}

// CollectPending returns all unsent events created at or after cutoff,
// oldest first. Events older than the cutoff stay pending forever; they are
// never delivered, only superseded by newer events.
func (r *Repository) CollectPending(ctx context.Context, cutoff time.Time) ([]*NotificationEvent, error) {
	query := `
		SELECT
			id, recipient_id, resource, event_class, event_name,
			extra, priority, recipient_role, created_at, sent_at
		FROM notification_events
		WHERE sent_at IS NULL AND created_at >= $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var events []*NotificationEvent
	for rows.Next() {
		var ev NotificationEvent
		err := rows.Scan(
			&ev.ID,
			&ev.RecipientID,
			&ev.Resource,
			&ev.EventClass,
			&ev.EventName,
			&ev.Extra,
			&ev.Priority,
			&ev.RecipientRole,
			&ev.CreatedAt,
			&ev.SentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification event: %w", err)
		}
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return events, nil
}

// MarkSent stamps sent_at on the given events and returns how many rows were
// updated. The sent_at IS NULL guard makes the mark idempotent: a timestamp
// is set at most once and never moved.
func (r *Repository) MarkSent(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := `
		UPDATE notification_events
		SET sent_at = $1
		WHERE id = ANY($2) AND sent_at IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, at, ids)
	if err != nil {
		return 0, fmt.Errorf("mark events sent: %w", err)
	}

	return result.RowsAffected(), nil
}

// PendingCount returns the number of unsent events newer than cutoff.
func (r *Repository) PendingCount(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_events WHERE sent_at IS NULL AND created_at >= $1`,
		cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending events: %w", err)
	}
	return count, nil
}

// ListEventsByRecipient retrieves a recipient's notification feed, newest
// first, with pagination.
func (r *Repository) ListEventsByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*NotificationEvent, error) {
	query := `
		SELECT
			id, recipient_id, resource, event_class, event_name,
			extra, priority, recipient_role, created_at, sent_at
		FROM notification_events
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, recipientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query recipient events: %w", err)
	}
	defer rows.Close()

	var events []*NotificationEvent
	for rows.Next() {
		var ev NotificationEvent
		err := rows.Scan(
			&ev.ID,
			&ev.RecipientID,
			&ev.Resource,
			&ev.EventClass,
			&ev.EventName,
			&ev.Extra,
			&ev.Priority,
			&ev.RecipientRole,
			&ev.CreatedAt,
			&ev.SentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification event: %w", err)
		}
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return events, nil
}

// GetRecipient retrieves a recipient by ID. Returns ErrRecipientNotFound for
// deleted recipients so callers can drop their events silently.
func (r *Repository) GetRecipient(ctx context.Context, id uuid.UUID) (*Recipient, error) {
	query := `
		SELECT id, email, name, email_on_notification, created_at, updated_at
		FROM recipients
		WHERE id = $1
	`

	var rec Recipient
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.Email,
		&rec.Name,
		&rec.EmailOnNotification,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecipientNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("query recipient: %w", err)
	}

	return &rec, nil
}

// UpsertRecipient creates or updates a recipient registration.
func (r *Repository) UpsertRecipient(ctx context.Context, rec *Recipient) error {
	query := `
		INSERT INTO recipients (id, email, name, email_on_notification)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			email_on_notification = EXCLUDED.email_on_notification,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		rec.ID,
		rec.Email,
		rec.Name,
		rec.EmailOnNotification,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert recipient: %w", err)
	}

	r.logger.Info("recipient upserted",
		zap.String("recipient_id", rec.ID.String()),
		zap.Bool("email_on_notification", rec.EmailOnNotification),
	)

	return nil
}

// DeleteRecipient removes a recipient. Their pending events are left in
// place: the flusher drops them silently and they age out past the expiry
// window.
func (r *Repository) DeleteRecipient(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM recipients WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete recipient: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrRecipientNotFound
	}

	r.logger.Info("recipient deleted", zap.String("recipient_id", id.String()))

	return nil
}

// WithFlushLock runs fn while holding the flush advisory lock on a dedicated
// connection. If another flush holds the lock it returns ErrFlushInProgress
// without blocking.
func (r *Repository) WithFlushLock(ctx context.Context, fn func(context.Context) error) error {
	conn, err := r.db.Pool().Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, flushLockKey).Scan(&acquired); err != nil {
		return fmt.Errorf("acquire flush lock: %w", err)
	}
	if !acquired {
		return ErrFlushInProgress
	}

	defer func() {
		// Unlock on the same connection that locked. Best effort: losing
		// the connection releases the lock anyway.
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, flushLockKey); err != nil {
			r.logger.Warn("failed to release flush lock", zap.Error(err))
		}
	}()

	return fn(ctx)
}
