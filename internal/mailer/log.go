package mailer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opencivic/herald/internal/store"
)

// LogTransport is a development/test transport that logs instead of sending.
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) SendDigest(ctx context.Context, recipient *store.Recipient, events []Event) (string, error) {
	t.logger.Info("digest accepted (development mode)",
		zap.String("recipient_id", recipient.ID.String()),
		zap.String("email", recipient.Email),
		zap.Int("events", len(events)),
	)
	return fmt.Sprintf("log-digest-%d", time.Now().UnixNano()), nil
}

func (t *LogTransport) SendImmediate(ctx context.Context, recipient *store.Recipient, ev Event) (string, error) {
	t.logger.Info("immediate notification accepted (development mode)",
		zap.String("recipient_id", recipient.ID.String()),
		zap.String("email", recipient.Email),
		zap.String("event_name", ev.EventName),
	)
	return fmt.Sprintf("log-immediate-%d", time.Now().UnixNano()), nil
}
