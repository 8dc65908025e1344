// Package sqs adapts Amazon SQS to the queue Source and Sink contracts.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushrelay/internal/queue"
)

const correlationAttribute = "correlation_id"

// API is the subset of the SQS client the broker needs.
type API interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region   string
	Endpoint string // custom endpoint, e.g. LocalStack

	InboundQueue string
	// QueueURLs maps queue names to URLs. Names without a URL are resolved
	// (and created if missing) on first use.
	QueueURLs map[string]string

	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
	Workers           int
}

// Broker long-polls the inbound queue and sends to named queues.
type Broker struct {
	client API
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	urls map[string]string
}

// New loads AWS configuration and creates a broker.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Broker, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient creates a broker over an existing client.
func NewWithClient(client API, cfg Config, logger *zap.Logger) *Broker {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	urls := make(map[string]string, len(cfg.QueueURLs))
	for name, url := range cfg.QueueURLs {
		if url != "" {
			urls[name] = url
		}
	}

	return &Broker{client: client, cfg: cfg, logger: logger, urls: urls}
}

// queueURL resolves name, creating the queue if it does not exist.
func (b *Broker) queueURL(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	url, ok := b.urls[name]
	b.mu.Unlock()
	if ok {
		return url, nil
	}

	out, err := b.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		var missing *types.QueueDoesNotExist
		if !errors.As(err, &missing) {
			return "", fmt.Errorf("resolve queue %s: %w", name, err)
		}
		created, cerr := b.client.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name)})
		if cerr != nil {
			return "", fmt.Errorf("create queue %s: %w", name, cerr)
		}
		b.logger.Info("sqs queue created", zap.String("queue", name))
		url = aws.ToString(created.QueueUrl)
	} else {
		url = aws.ToString(out.QueueUrl)
	}

	b.mu.Lock()
	b.urls[name] = url
	b.mu.Unlock()
	return url, nil
}

// Consume long-polls until ctx is cancelled. Each receive batch is spread over
// cfg.Workers goroutines; Ack deletes the message.
func (b *Broker) Consume(ctx context.Context, handler queue.Handler) error {
	url, err := b.queueURL(ctx, b.cfg.InboundQueue)
	if err != nil {
		return err
	}
	for name := range b.cfg.QueueURLs {
		if _, err := b.queueURL(ctx, name); err != nil {
			return err
		}
	}

	b.logger.Info("consuming",
		zap.String("queue", b.cfg.InboundQueue),
		zap.String("queue_url", url),
		zap.Int("workers", b.cfg.Workers),
	)

	jobs := make(chan *queue.Delivery)
	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				handler(ctx, d)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(url),
			MaxNumberOfMessages:   b.cfg.MaxMessages,
			WaitTimeSeconds:       b.cfg.WaitTimeSeconds,
			VisibilityTimeout:     b.cfg.VisibilityTimeout,
			MessageAttributeNames: []string{correlationAttribute},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sqs receive failed: %w", err)
		}

		for _, m := range out.Messages {
			select {
			case jobs <- b.toDelivery(url, m):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (b *Broker) toDelivery(url string, m types.Message) *queue.Delivery {
	var correlationID string
	if attr, ok := m.MessageAttributes[correlationAttribute]; ok {
		correlationID = aws.ToString(attr.StringValue)
	}
	receipt := m.ReceiptHandle

	return queue.NewDelivery([]byte(aws.ToString(m.Body)), correlationID, aws.ToString(m.MessageId), func(ctx context.Context) error {
		// Deletion must survive a cancelled consume context.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(url),
			ReceiptHandle: receipt,
		})
		if err != nil {
			return fmt.Errorf("sqs delete failed: %w", err)
		}
		return nil
	})
}

// Publish sends body to the queue known as queueName.
func (b *Broker) Publish(ctx context.Context, queueName string, body []byte, correlationID string) error {
	url, err := b.queueURL(ctx, queueName)
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	}
	if correlationID != "" {
		in.MessageAttributes = map[string]types.MessageAttributeValue{
			correlationAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(correlationID),
			},
		}
	}

	if _, err := b.client.SendMessage(ctx, in); err != nil {
		b.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("queue", queueName),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}
	return nil
}

// Ping resolves the inbound queue URL with a fresh API call.
func (b *Broker) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := b.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(b.cfg.InboundQueue)})
	if err != nil {
		return fmt.Errorf("sqs ping: %w", err)
	}
	return nil
}

// Close is a no-op; SDK clients hold no connection state to release.
func (b *Broker) Close() error {
	return nil
}
