package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencivic/herald/internal/event"
	"github.com/opencivic/herald/internal/metrics"
	"github.com/opencivic/herald/internal/redis"
	"github.com/opencivic/herald/internal/store"
)

// Repository defines the store operations the API needs.
type Repository interface {
	GetRecipient(ctx context.Context, id uuid.UUID) (*store.Recipient, error)
	UpsertRecipient(ctx context.Context, rec *store.Recipient) error
	DeleteRecipient(ctx context.Context, id uuid.UUID) error
	ListEventsByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*store.NotificationEvent, error)
}

// Dispatcher routes classified events to their delivery path.
type Dispatcher interface {
	DispatchNow(ctx context.Context, ev *event.Event) int
	Enqueue(ctx context.Context, ev *event.Event) (int, error)
}

// Flusher triggers a digest flush cycle on demand.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// Ingest outcomes returned to producers.
const (
	OutcomeSkipped   = "skipped"
	OutcomeDelivered = "delivered"
	OutcomeQueued    = "queued"
)

// IngestResponse is returned after accepting an event.
type IngestResponse struct {
	Outcome    string `json:"outcome"`
	Recipients int    `json:"recipients"`
}

// RecipientRequest is the body for recipient registration.
type RecipientRequest struct {
	Email               string `json:"email"`
	Name                string `json:"name"`
	EmailOnNotification bool   `json:"email_on_notification"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	classifier  *event.Classifier
	dispatcher  Dispatcher
	flusher     Flusher
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo Repository, classifier *event.Classifier, dispatcher Dispatcher, flusher Flusher) *Handler {
	return &Handler{
		logger:     logger,
		repo:       repo,
		classifier: classifier,
		dispatcher: dispatcher,
		flusher:    flusher,
	}
}

// NewHandlerWithIdempotency creates a handler with idempotency support
func NewHandlerWithIdempotency(logger *zap.Logger, repo Repository, classifier *event.Classifier, dispatcher Dispatcher, flusher Flusher, idempotency *redis.IdempotencyService) *Handler {
	h := NewHandler(logger, repo, classifier, dispatcher, flusher)
	h.idempotency = idempotency
	return h
}

// IngestEvent handles POST /v1/events. The event is classified and either
// skipped, dispatched immediately, or queued for the next digest.
// Supports idempotency via the Idempotency-Key header, scoped per producer
// (X-Producer header).
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")
	producer := r.Header.Get("X-Producer")
	if producer == "" {
		producer = "default"
	}

	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if ev.EventClass == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "event_class is required")
		return
	}
	if ev.Resource.Type == "" || ev.Resource.ID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid resource", "resource.type and resource.id are required")
		return
	}

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, producer, idempotencyKey)

		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			resp := IngestResponse{Outcome: cachedResult.Outcome, Recipients: cachedResult.Recipients}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cachedResult.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	decision := h.classifier.Classify(&ev)
	metrics.RecordClassification(decision.String())

	var resp IngestResponse
	switch decision {
	case event.DeliverNow:
		resp = IngestResponse{
			Outcome:    OutcomeDelivered,
			Recipients: h.dispatcher.DispatchNow(ctx, &ev),
		}
	case event.DeliverBatch:
		queued, err := h.dispatcher.Enqueue(ctx, &ev)
		if err != nil {
			h.logger.Error("failed to enqueue event",
				zap.Error(err),
				zap.String("event_class", ev.EventClass),
				zap.String("event_name", ev.EventName),
			)
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue event", "")
			return
		}
		resp = IngestResponse{Outcome: OutcomeQueued, Recipients: queued}
	default:
		resp = IngestResponse{Outcome: OutcomeSkipped}
	}

	h.logger.Info("event ingested",
		zap.String("event_class", ev.EventClass),
		zap.String("event_name", ev.EventName),
		zap.String("outcome", resp.Outcome),
		zap.Int("recipients", resp.Recipients),
	)

	// Store idempotency result
	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			Outcome:    resp.Outcome,
			Recipients: resp.Recipients,
			StatusCode: http.StatusAccepted,
		}
		if err := h.idempotency.Store(ctx, producer, idempotencyKey, result, redis.IdempotencyTTLExact); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

// TriggerFlush handles POST /v1/flush, forcing a digest flush cycle outside
// the periodic schedule.
func (h *Handler) TriggerFlush(w http.ResponseWriter, r *http.Request) {
	sent, err := h.flusher.Flush(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrFlushInProgress) {
			h.writeError(w, http.StatusConflict, "flush_in_progress",
				"Flush already running",
				"Another flush cycle currently holds the lock")
			return
		}
		h.logger.Error("manual flush failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "flush_error", "Flush failed", "")
		return
	}

	h.logger.Info("manual flush completed", zap.Int("events_sent", sent))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"sent": sent})
}

// ListNotifications handles GET /v1/notifications?recipient_id=xxx&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recipientIDStr := r.URL.Query().Get("recipient_id")
	if recipientIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipient_id", "recipient_id query parameter is required")
		return
	}

	recipientID, err := uuid.Parse(recipientIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
		return
	}

	// Parse pagination parameters with defaults
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	events, err := h.repo.ListEventsByRecipient(ctx, recipientID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("recipient_id", recipientIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   events,
		"limit":  limit,
		"offset": offset,
		"count":  len(events),
	})
}

// UpsertRecipient handles PUT /v1/recipients/{id}
func (h *Handler) UpsertRecipient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	recipientID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient ID", "ID must be a valid UUID")
		return
	}

	var req RecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Email == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "email is required")
		return
	}

	rec := &store.Recipient{
		ID:                  recipientID,
		Email:               req.Email,
		Name:                req.Name,
		EmailOnNotification: req.EmailOnNotification,
	}

	if err := h.repo.UpsertRecipient(ctx, rec); err != nil {
		h.logger.Error("failed to upsert recipient",
			zap.Error(err),
			zap.String("recipient_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save recipient", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rec)
}

// GetRecipient handles GET /v1/recipients/{id}
func (h *Handler) GetRecipient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	recipientID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient ID", "ID must be a valid UUID")
		return
	}

	rec, err := h.repo.GetRecipient(ctx, recipientID)
	if err != nil {
		if errors.Is(err, store.ErrRecipientNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Recipient not found", "")
			return
		}
		h.logger.Error("failed to get recipient",
			zap.Error(err),
			zap.String("recipient_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get recipient", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rec)
}

// DeleteRecipient handles DELETE /v1/recipients/{id}. Pending events for the
// recipient stay in the store; the flusher drops them on lookup.
func (h *Handler) DeleteRecipient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	recipientID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient ID", "ID must be a valid UUID")
		return
	}

	if err := h.repo.DeleteRecipient(ctx, recipientID); err != nil {
		if errors.Is(err, store.ErrRecipientNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Recipient not found", "")
			return
		}
		h.logger.Error("failed to delete recipient",
			zap.Error(err),
			zap.String("recipient_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete recipient", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
