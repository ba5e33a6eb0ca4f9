package digest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencivic/herald/internal/mailer"
	"github.com/opencivic/herald/internal/store"
)

var errTransportDown = errors.New("transport down")

// fakeRepo is an in-memory repository for flusher tests
type fakeRepo struct {
	mu         sync.Mutex
	events     []*store.NotificationEvent
	recipients map[uuid.UUID]*store.Recipient
	lockBusy   bool
	markErr    error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		recipients: make(map[uuid.UUID]*store.Recipient),
	}
}

func (r *fakeRepo) WithFlushLock(ctx context.Context, fn func(context.Context) error) error {
	r.mu.Lock()
	if r.lockBusy {
		r.mu.Unlock()
		return store.ErrFlushInProgress
	}
	r.lockBusy = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.lockBusy = false
		r.mu.Unlock()
	}()

	return fn(ctx)
}

func (r *fakeRepo) CollectPending(ctx context.Context, cutoff time.Time) ([]*store.NotificationEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*store.NotificationEvent
	for _, ev := range r.events {
		if ev.SentAt == nil && !ev.CreatedAt.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetRecipient(ctx context.Context, id uuid.UUID) (*store.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.recipients[id]
	if !ok {
		return nil, store.ErrRecipientNotFound
	}
	return rec, nil
}

func (r *fakeRepo) MarkSent(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.markErr != nil {
		return 0, r.markErr
	}

	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var marked int64
	for _, ev := range r.events {
		if want[ev.ID] && ev.SentAt == nil {
			ts := at
			ev.SentAt = &ts
			marked++
		}
	}
	return marked, nil
}

func (r *fakeRepo) PendingCount(ctx context.Context, cutoff time.Time) (int64, error) {
	events, _ := r.CollectPending(ctx, cutoff)
	return int64(len(events)), nil
}

func (r *fakeRepo) addRecipient(optedIn bool) *store.Recipient {
	rec := &store.Recipient{
		ID:                  uuid.New(),
		Email:               "user@example.com",
		Name:                "User",
		EmailOnNotification: optedIn,
	}
	r.recipients[rec.ID] = rec
	return rec
}

// addEvents appends n pending events for the recipient with strictly
// increasing created_at timestamps ending at base.
func (r *fakeRepo) addEvents(recipientID uuid.UUID, n int, base time.Time) []*store.NotificationEvent {
	var added []*store.NotificationEvent
	for i := 0; i < n; i++ {
		ev := &store.NotificationEvent{
			ID:            uuid.New(),
			RecipientID:   recipientID,
			Resource:      json.RawMessage(`{"type":"question","id":"42"}`),
			EventClass:    "civic.events.questions.question_answered",
			EventName:     "question.answered",
			Extra:         json.RawMessage(`{}`),
			Priority:      store.PriorityLow,
			RecipientRole: store.RoleFollower,
			CreatedAt:     base.Add(time.Duration(i-n) * time.Minute),
		}
		r.events = append(r.events, ev)
		added = append(added, ev)
	}
	return added
}

func (r *fakeRepo) pendingFor(recipientID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, ev := range r.events {
		if ev.RecipientID == recipientID && ev.SentAt == nil {
			count++
		}
	}
	return count
}

// digestCall records one SendDigest invocation
type digestCall struct {
	recipientID uuid.UUID
	events      []mailer.Event
}

// fakeTransport records digests and can fail per recipient
type fakeTransport struct {
	mu      sync.Mutex
	digests []digestCall
	failFor map[uuid.UUID]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failFor: make(map[uuid.UUID]bool)}
}

func (t *fakeTransport) SendDigest(ctx context.Context, recipient *store.Recipient, events []mailer.Event) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failFor[recipient.ID] {
		return "", errTransportDown
	}
	t.digests = append(t.digests, digestCall{recipientID: recipient.ID, events: events})
	return "msg-1", nil
}

func (t *fakeTransport) SendImmediate(ctx context.Context, recipient *store.Recipient, ev mailer.Event) (string, error) {
	return "msg-1", nil
}

func (t *fakeTransport) digestsFor(recipientID uuid.UUID) []digestCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []digestCall
	for _, call := range t.digests {
		if call.recipientID == recipientID {
			out = append(out, call)
		}
	}
	return out
}

func newTestFlusher(repo *fakeRepo, transport *fakeTransport) *Flusher {
	return New(repo, transport, Config{
		MaxPerDigest: 5,
		ExpiryWindow: 7 * 24 * time.Hour,
	}, zap.NewNop())
}

func TestFlush_CapsDigestPerRecipient(t *testing.T) {
	repo := newFakeRepo()
	transport := newFakeTransport()
	recipient := repo.addRecipient(true)
	events := repo.addEvents(recipient.ID, 12, time.Now())

	sent, err := newTestFlusher(repo, transport).Flush(context.Background())
	if err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	if sent != 5 {
		t.Errorf("expected 5 events marked sent, got %d", sent)
	}
	if pending := repo.pendingFor(recipient.ID); pending != 7 {
		t.Errorf("expected 7 events still pending, got %d", pending)
	}

	calls := transport.digestsFor(recipient.ID)
	if len(calls) != 1 {
		t.Fatalf("expected exactly one digest, got %d", len(calls))
	}
	if len(calls[0].events) != 5 {
		t.Errorf("expected 5 events in digest, got %d", len(calls[0].events))
	}

	// The 5 most recent events are the capped subset.
	for i := 0; i < 5; i++ {
		want := events[len(events)-1-i]
		if want.SentAt == nil {
			t.Errorf("expected event %d from the newest to be marked sent", i)
		}
	}
	for i := 0; i < 7; i++ {
		if events[i].SentAt != nil {
			t.Errorf("expected overflow event %d to stay pending", i)
		}
	}
}

func TestFlush_IdempotentAcrossCycles(t *testing.T) {
	repo := newFakeRepo()
	transport := newFakeTransport()
	recipient := repo.addRecipient(true)
	repo.addEvents(recipient.ID, 3, time.Now())

	flusher := newTestFlusher(repo, transport)

	sent, err := flusher.Flush(context.Background())
	if err != nil {
		t.Fatalf("first flush failed: %v", err)
	}
	if sent != 3 {
		t.Errorf("expected 3 sent on first flush, got %d", sent)
	}

	// No new events: the second flush must send nothing.
	sent, err = flusher.Flush(context.Background())
	if err != nil {
		t.Fatalf("second flush failed: %v", err)
	}
	if sent != 0 {
		t.Errorf("expected 0 sent on second flush, got %d", sent)
	}
	if calls := transport.digestsFor(recipient.ID); len(calls) != 1 {
		t.Errorf("expected exactly one digest across both cycles, got %d", len(calls))
	}
}

func TestFlush_OverflowDrainsOverCycles(t *testing.T) {
	repo := newFakeRepo()
	transport := newFakeTransport()
	recipient := repo.addRecipient(true)
	repo.addEvents(recipient.ID, 12, time.Now())

	flusher := newTestFlusher(repo, transport)
	ctx := context.Background()

	totals := []int{5, 5, 2, 0}
	for i, want := range totals {
		sent, err := flusher.Flush(ctx)
		if err != nil {
			t.Fatalf("flush %d failed: %v", i+1, err)
		}
		if sent != want {
			t.Errorf("flush %d: expected %d sent, got %d", i+1, want, sent)
		}
	}

	if pending := repo.pendingFor(recipient.ID); pending != 0 {
		t.Errorf("expected no pending events after draining, got %d", pending)
	}
}

func TestFlush_ExpiredEventsNeverDelivered(t *testing.T) {
	repo := newFakeRepo()
	transport := newFakeTransport()
	recipient := repo.addRecipient(true)

	repo.addEvents(recipient.ID, 2, time.Now())
	expired := repo.addEvents(recipient.ID, 1, time.Now().Add(-2*7*24*time.Hour))[0]

	flusher := newTestFlusher(repo, transport)
	ctx := context.Background()

	sent, err := flusher.Flush(ctx)
	if err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if sent != 2 {
		t.Errorf("expected 2 sent, got %d", sent)
	}

	calls := transport.digestsFor(recipient.ID)
	if len(calls) != 1 {
		t.Fatalf("expected one digest, got %d", len(calls))
	}
	if len(calls[0].events) != 2 {
		t.Errorf("expected digest with only the 2 recent events, got %d", len(calls[0].events))
	}

	// The expired event stays pending permanently across further cycles.
	for i := 0; i < 2; i++ {
		if _, err := flusher.Flush(ctx); err != nil {
			t.Fatalf("flush failed: %v", err)
		}
	}
	if expired.SentAt != nil {
		t.Error("expired event must never be marked sent")
	}
	if len(transport.digestsFor(recipient.ID)) != 1 {
		t.Error("expired event must never be included in a later digest")
	}
}

func TestFlush_OptedOutRecipient(t *testing.T) {
	repo := newFakeRepo()
	transport := newFakeTransport()
	recipient := repo.addRecipient(false)
	repo.addEvents(recipient.ID, 4, time.Now())

	sent, err := newTestFlusher(repo, transport).Flush(context.Background())
	if err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	if sent != 0 {
		t.Errorf("expected 0 sent for opted-out recipient, got %d", sent)
	}
	if len(transport.digestsFor(recipient.ID)) != 0 {
		t.Error("opted-out recipient must not receive a digest")
	}
	// Events stay pending so re-enabling before expiry still delivers them.
	if pending := repo.pendingFor(recipient.ID); pending != 4 {
		t.Errorf("expected 4 events still pending, got %d", pending)
	}
}

func TestFlush_OptOutThenOptIn(t *testing.T) {
	repo := newFakeRepo()
	transport := newFakeTransport()
	recipient := repo.addRecipient(false)
	repo.addEvents(recipient.ID, 2, time.Now())

	flusher := newTestFlusher(repo, transport)
	ctx := context.Background()

	if _, err := flusher.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	recipient.EmailOnNotification = true

	sent, err := flusher.Flush(ctx)
	if err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if sent != 2 {
		t.Errorf("expected 2 sent after opting back in, got %d", sent)
	}
}

func TestFlush_DeletedRecipient(t *testing.T) {
	repo := newFakeRepo()
	transport := newFakeTransport()
	recipient := repo.addRecipient(true)
	repo.addEvents(recipient.ID, 3, time.Now())

	// Recipient deleted between event creation and flush
	delete(repo.recipients, recipient.ID)

	sent, err := newTestFlusher(repo, transport).Flush(context.Background())
	if err != nil {
		t.Fatalf("expected deleted recipient to be dropped silently, got error: %v", err)
	}

	if sent != 0 {
		t.Errorf("expected 0 sent, got %d", sent)
	}
	if len(transport.digestsFor(recipient.ID)) != 0 {
		t.Error("deleted recipient must not receive a digest")
	}
	if pending := repo.pendingFor(recipient.ID); pending != 3 {
		t.Errorf("expected events left unmarked, got %d pending", pending)
	}
}

func TestFlush_TransportFailureIsolation(t *testing.T) {
	repo := newFakeRepo()
	transport := newFakeTransport()

	failing := repo.addRecipient(true)
	healthy := repo.addRecipient(true)
	repo.addEvents(failing.ID, 2, time.Now())
	repo.addEvents(healthy.ID, 3, time.Now())
	transport.failFor[failing.ID] = true

	flusher := newTestFlusher(repo, transport)

	sent, err := flusher.Flush(context.Background())
	if err != nil {
		t.Fatalf("one failing recipient must not abort the cycle: %v", err)
	}

	if sent != 3 {
		t.Errorf("expected 3 sent for the healthy recipient, got %d", sent)
	}
	if pending := repo.pendingFor(failing.ID); pending != 2 {
		t.Errorf("failed recipient's events must stay pending, got %d", pending)
	}

	// Transport recovers: the failed group is retried on the next cycle.
	transport.failFor[failing.ID] = false
	sent, err = flusher.Flush(context.Background())
	if err != nil {
		t.Fatalf("retry flush failed: %v", err)
	}
	if sent != 2 {
		t.Errorf("expected 2 sent on retry, got %d", sent)
	}
}

func TestFlush_ConcurrentFlushRejected(t *testing.T) {
	repo := newFakeRepo()
	transport := newFakeTransport()
	recipient := repo.addRecipient(true)
	repo.addEvents(recipient.ID, 2, time.Now())

	repo.lockBusy = true

	sent, err := newTestFlusher(repo, transport).Flush(context.Background())
	if !errors.Is(err, store.ErrFlushInProgress) {
		t.Fatalf("expected ErrFlushInProgress, got %v", err)
	}
	if sent != 0 {
		t.Errorf("expected 0 sent while another flush holds the lock, got %d", sent)
	}
	if pending := repo.pendingFor(recipient.ID); pending != 2 {
		t.Errorf("expected events untouched, got %d pending", pending)
	}
}

func TestFlush_MultipleRecipients(t *testing.T) {
	repo := newFakeRepo()
	transport := newFakeTransport()

	alice := repo.addRecipient(true)
	bob := repo.addRecipient(true)
	repo.addEvents(alice.ID, 2, time.Now())
	repo.addEvents(bob.ID, 7, time.Now())

	sent, err := newTestFlusher(repo, transport).Flush(context.Background())
	if err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	if sent != 7 { // 2 for alice + capped 5 for bob
		t.Errorf("expected 7 sent, got %d", sent)
	}
	if len(transport.digestsFor(alice.ID)) != 1 {
		t.Error("expected one digest for alice")
	}
	if calls := transport.digestsFor(bob.ID); len(calls) != 1 || len(calls[0].events) != 5 {
		t.Error("expected one capped digest for bob")
	}
}

func TestFlush_EmptyStore(t *testing.T) {
	repo := newFakeRepo()
	transport := newFakeTransport()

	sent, err := newTestFlusher(repo, transport).Flush(context.Background())
	if err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if sent != 0 {
		t.Errorf("expected 0 sent on empty store, got %d", sent)
	}
}

func TestFlush_AlreadySentExcluded(t *testing.T) {
	repo := newFakeRepo()
	transport := newFakeTransport()
	recipient := repo.addRecipient(true)
	events := repo.addEvents(recipient.ID, 3, time.Now())

	// One already delivered by the immediate path.
	ts := time.Now().Add(-12 * time.Hour)
	events[0].SentAt = &ts

	sent, err := newTestFlusher(repo, transport).Flush(context.Background())
	if err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if sent != 2 {
		t.Errorf("expected 2 sent, got %d", sent)
	}
	if !events[0].SentAt.Equal(ts) {
		t.Error("an existing sent_at must never be moved")
	}
}

func TestNewestN(t *testing.T) {
	repo := newFakeRepo()
	recipient := repo.addRecipient(true)
	events := repo.addEvents(recipient.ID, 4, time.Now())

	got := newestN(events, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].ID != events[3].ID || got[1].ID != events[2].ID {
		t.Error("expected the two newest events, newest first")
	}

	got = newestN(events[:1], 5)
	if len(got) != 1 {
		t.Errorf("expected short group returned whole, got %d", len(got))
	}
}
