package mailer

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/opencivic/herald/internal/store"
)

// SESTransport renders a plain-text notification email and sends it directly
// via AWS SES.
type SESTransport struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESTransport(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	return &SESTransport{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (t *SESTransport) SendDigest(ctx context.Context, recipient *store.Recipient, events []Event) (string, error) {
	subject := fmt.Sprintf("You have %d new notifications", len(events))
	if len(events) == 1 {
		subject = "You have a new notification"
	}

	return t.send(ctx, recipient, subject, digestBody(recipient, events))
}

func (t *SESTransport) SendImmediate(ctx context.Context, recipient *store.Recipient, ev Event) (string, error) {
	subject := fmt.Sprintf("New activity: %s", ev.EventName)
	return t.send(ctx, recipient, subject, digestBody(recipient, []Event{ev}))
}

func (t *SESTransport) send(ctx context.Context, recipient *store.Recipient, subject, body string) (string, error) {
	if recipient.Email == "" {
		return "", fmt.Errorf("recipient %s has no email address", recipient.ID)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(t.from),
		Destination: &types.Destination{
			ToAddresses: []string{recipient.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	t.logger.Info("email sent via SES",
		zap.String("recipient_id", recipient.ID.String()),
		zap.String("to", recipient.Email),
		zap.String("message_id", *result.MessageId),
	)

	return *result.MessageId, nil
}

func digestBody(recipient *store.Recipient, events []Event) string {
	var b strings.Builder

	name := recipient.Name
	if name == "" {
		name = recipient.Email
	}
	fmt.Fprintf(&b, "Hello %s,\n\n", name)

	for _, ev := range events {
		fmt.Fprintf(&b, "- %s (%s)\n", ev.EventName, ev.CreatedAtRelative)
	}

	b.WriteString("\nVisit the platform to see the details.\n")

	return b.String()
}
