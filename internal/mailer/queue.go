package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/opencivic/herald/internal/store"
)

// Message kinds carried on the mail queue.
const (
	KindDigest    = "digest"
	KindImmediate = "immediate"
)

// QueueConfig holds SQS configuration for the queue transport.
type QueueConfig struct {
	Region   string
	QueueURL string
}

// Message is the payload enqueued for the downstream mail renderer.
type Message struct {
	Kind        string  `json:"kind"`
	RecipientID string  `json:"recipient_id"`
	Email       string  `json:"email"`
	Name        string  `json:"name"`
	Events      []Event `json:"events"`
	EnqueuedAt  int64   `json:"enqueued_at"`
}

// QueueTransport hands notifications off to SQS. Enqueue success is the
// hand-off boundary: rendering and transmission happen downstream.
type QueueTransport struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewQueueTransport creates an SQS-backed transport.
func NewQueueTransport(ctx context.Context, cfg QueueConfig, logger *zap.Logger) (*QueueTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("mail queue transport initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &QueueTransport{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

func (t *QueueTransport) SendDigest(ctx context.Context, recipient *store.Recipient, events []Event) (string, error) {
	return t.enqueue(ctx, KindDigest, recipient, events)
}

func (t *QueueTransport) SendImmediate(ctx context.Context, recipient *store.Recipient, ev Event) (string, error) {
	return t.enqueue(ctx, KindImmediate, recipient, []Event{ev})
}

func (t *QueueTransport) enqueue(ctx context.Context, kind string, recipient *store.Recipient, events []Event) (string, error) {
	msg := Message{
		Kind:        kind,
		RecipientID: recipient.ID.String(),
		Email:       recipient.Email,
		Name:        recipient.Name,
		Events:      events,
		EnqueuedAt:  time.Now().UnixNano(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := t.client.SendMessage(ctx, input)
	if err != nil {
		t.logger.Error("failed to enqueue mail message",
			zap.Error(err),
			zap.String("recipient_id", recipient.ID.String()),
			zap.String("kind", kind),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return *result.MessageId, nil
}
