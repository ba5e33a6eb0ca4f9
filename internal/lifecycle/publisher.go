// Package lifecycle publishes delivery lifecycle events to an SNS topic
// so downstream consumers (audit trail, analytics) can observe what the
// notifier sent and when.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"
)

// Kind identifies what happened to a notification.
type Kind string

const (
	KindDigestSent      Kind = "digest.sent"
	KindEventDispatched Kind = "event.dispatched"
	KindEventQueued     Kind = "event.queued"
)

// Event is the payload published for each lifecycle transition.
type Event struct {
	Kind          Kind              `json:"kind"`
	RecipientID   uuid.UUID         `json:"recipient_id"`
	EventClass    string            `json:"event_class,omitempty"`
	EventName     string            `json:"event_name,omitempty"`
	EventCount    int               `json:"event_count,omitempty"`
	MessageHandle string            `json:"message_handle,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// Publisher handles SNS topic publishing for lifecycle events.
type Publisher struct {
	client   *sns.Client
	topicARN string
}

// NewPublisher creates an SNS publisher for the given topic.
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Publisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}, nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack).
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Publisher{
		client:   client,
		topicARN: topicARN,
	}, nil
}

// Publish sends a lifecycle event to SNS. Consumers filter on the
// "kind" message attribute without parsing the body.
func (p *Publisher) Publish(ctx context.Context, ev Event) (string, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(ev.Kind)),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return *result.MessageId, nil
}

// PublishBatch sends multiple lifecycle events to SNS.
func (p *Publisher) PublishBatch(ctx context.Context, events []Event) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	if len(events) > 10 {
		return nil, fmt.Errorf("batch size exceeds SNS limit of 10")
	}

	entries := make([]types.PublishBatchRequestEntry, len(events))
	for i, ev := range events {
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now().UTC()
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal lifecycle event %d: %w", i, err)
		}

		entries[i] = types.PublishBatchRequestEntry{
			Id:      aws.String(fmt.Sprintf("%s-%d", ev.RecipientID, i)),
			Message: aws.String(string(payload)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"kind": {
					DataType:    aws.String("String"),
					StringValue: aws.String(string(ev.Kind)),
				},
			},
		}
	}

	result, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicARN),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish batch to SNS: %w", err)
	}

	if len(result.Failed) > 0 {
		return nil, fmt.Errorf("partial batch failure: %d events failed", len(result.Failed))
	}

	messageIDs := make([]string, len(result.Successful))
	for i, entry := range result.Successful {
		messageIDs[i] = *entry.MessageId
	}

	return messageIDs, nil
}
