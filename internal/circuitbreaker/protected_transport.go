package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/opencivic/herald/internal/mailer"
	"github.com/opencivic/herald/internal/store"
)

// ProtectedTransport wraps a delivery transport with a CircuitBreaker.
// When the downstream mail service starts failing, the circuit opens and
// hand-offs fail fast instead of stalling flush cycles. A rejected hand-off
// is a normal per-recipient failure: the events stay pending and are
// retried next cycle.
type ProtectedTransport struct {
	transport mailer.Transport
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// NewProtectedTransport wraps a transport with circuit breaker protection.
func NewProtectedTransport(transport mailer.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		transport: transport,
		breaker:   breaker,
		logger:    logger,
	}
}

// SendDigest hands a digest off through the circuit breaker.
func (p *ProtectedTransport) SendDigest(ctx context.Context, recipient *store.Recipient, events []mailer.Event) (string, error) {
	return p.send(recipient, func() (string, error) {
		return p.transport.SendDigest(ctx, recipient, events)
	})
}

// SendImmediate hands an immediate notification off through the circuit breaker.
func (p *ProtectedTransport) SendImmediate(ctx context.Context, recipient *store.Recipient, ev mailer.Event) (string, error) {
	return p.send(recipient, func() (string, error) {
		return p.transport.SendImmediate(ctx, recipient, ev)
	})
}

func (p *ProtectedTransport) send(recipient *store.Recipient, fn func() (string, error)) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected hand-off",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("recipient_id", recipient.ID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	handle, err := fn()
	if err != nil {
		p.breaker.RecordFailure()
		return "", err
	}

	p.breaker.RecordSuccess()
	return handle, nil
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}
