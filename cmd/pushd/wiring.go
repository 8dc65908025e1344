package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushrelay/internal/config"
	"github.com/lalithlochan/pushrelay/internal/db"
	"github.com/lalithlochan/pushrelay/internal/kafka"
	"github.com/lalithlochan/pushrelay/internal/queue"
	"github.com/lalithlochan/pushrelay/internal/rabbitmq"
	"github.com/lalithlochan/pushrelay/internal/sqs"
)

// store is everything the service needs from persistence.
type store interface {
	CreateNotification(ctx context.Context, n *db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	UpdateStatus(ctx context.Context, u db.StatusUpdate) (*db.Notification, error)
	Transition(ctx context.Context, u db.StatusUpdate) (*db.Notification, bool, error)
	AppendLog(ctx context.Context, l *db.NotificationLog) error
	ListLogs(ctx context.Context, notificationID uuid.UUID) ([]*db.NotificationLog, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*db.Notification, error)
	Health(ctx context.Context) error
}

// broker consumes the inbound queue and publishes status and failure events.
type broker interface {
	queue.Source
	Publish(ctx context.Context, queue string, body []byte, correlationID string) error
}

// newStore opens the configured store. The returned func releases it.
func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store, records are lost on restart")
		return db.NewMemoryRepository(), func() {}, nil
	}

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db.NewRepository(database, logger), database.Close, nil
}

// newBroker builds the configured transport without connecting.
func newBroker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (broker, error) {
	switch cfg.Broker {
	case config.BrokerRabbitMQ:
		return rabbitmq.New(rabbitmq.Config{
			URL:          cfg.RabbitMQURL,
			InboundQueue: cfg.PushQueue,
			Queues:       []string{cfg.FailedQueue, cfg.StatusQueue},
			Prefetch:     cfg.PrefetchCount,
			Workers:      cfg.WorkerCount,
		}, logger), nil

	case config.BrokerSQS:
		urls := map[string]string{}
		for name, url := range map[string]string{
			cfg.PushQueue:   cfg.SQSPushQueueURL,
			cfg.FailedQueue: cfg.SQSFailedQueueURL,
			cfg.StatusQueue: cfg.SQSStatusQueueURL,
		} {
			if url != "" {
				urls[name] = url
			}
		}
		b, err := sqs.New(ctx, sqs.Config{
			Region:       cfg.AWSRegion,
			Endpoint:     cfg.AWSEndpoint,
			InboundQueue: cfg.PushQueue,
			QueueURLs:    urls,
			Workers:      cfg.WorkerCount,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqs broker: %w", err)
		}
		return b, nil

	case config.BrokerKafka:
		return kafka.New(kafka.Config{
			Brokers:      cfg.KafkaBrokers,
			GroupID:      cfg.KafkaGroupID,
			InboundTopic: cfg.PushQueue,
		}, logger), nil

	case config.BrokerMemory:
		logger.Warn("using in-memory broker, nothing is consumed from outside the process")
		return queue.NewMemoryBroker(cfg.PushQueue, 1024), nil
	}
	return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
}
