// Package sns fans status events out to an SNS topic so other services can
// subscribe with attribute filters.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// API is the subset of the SNS client the publisher needs.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher implements queue.Sink over a single topic. The queue name and
// the status field of the body become message attributes.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// NewPublisher creates an SNS publisher for the given topic. A non-empty
// endpoint overrides the service URL (LocalStack).
func NewPublisher(ctx context.Context, topicARN, region, endpoint string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return NewWithClient(client, topicARN, logger), nil
}

// NewWithClient creates a publisher over an existing client.
func NewWithClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

// Publish sends body to the topic.
func (p *Publisher) Publish(ctx context.Context, queueName string, body []byte, correlationID string) error {
	input := &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(body)),
		MessageAttributes: attributes(queueName, body, correlationID),
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("published to sns",
		zap.String("queue", queueName),
		zap.String("message_id", aws.ToString(result.MessageId)),
		zap.String("correlation_id", correlationID),
	)
	return nil
}

func attributes(queueName string, body []byte, correlationID string) map[string]types.MessageAttributeValue {
	attrs := map[string]types.MessageAttributeValue{
		"queue": stringAttr(queueName),
	}
	if correlationID != "" {
		attrs["correlation_id"] = stringAttr(correlationID)
	}

	var peek struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(body, &peek) == nil && peek.Status != "" {
		attrs["status"] = stringAttr(peek.Status)
	}
	return attrs
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
