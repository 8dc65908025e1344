package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultIdempotencyTTL is how long a processed request id is remembered.
	DefaultIdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the in-flight marker so a crashed worker does not
	// block redelivery forever.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates the request id is already being processed.
var ErrDuplicateRequest = errors.New("duplicate request: request id in flight")

// IdempotencyResult is what is remembered about a processed request.
type IdempotencyResult struct {
	NotificationID string `json:"notification_id,omitempty"`
	Outcome        string `json:"outcome"`
	CreatedAt      int64  `json:"created_at"`
}

// IdempotencyService de-duplicates inbound messages by request id.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewIdempotencyService creates a new idempotency service. A zero ttl uses
// DefaultIdempotencyTTL.
func NewIdempotencyService(client *Client, ttl time.Duration, logger *zap.Logger) *IdempotencyService {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyService{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

func (s *IdempotencyService) buildKey(requestID string) string {
	return fmt.Sprintf("push:request:%s", requestID)
}

// Check returns (nil, nil) for an unknown id, the stored result for a
// completed one, or ErrDuplicateRequest while the id is in flight.
func (s *IdempotencyService) Check(ctx context.Context, requestID string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	return &result, nil
}

// Reserve marks requestID as in flight using SET NX.
// Returns true if this caller now owns the id.
func (s *IdempotencyService) Reserve(ctx context.Context, requestID string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(requestID), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// CheckOrReserve returns the stored result when the id was already handled,
// ErrDuplicateRequest when it is in flight, or (nil, nil) once reserved.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, requestID string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}

// Complete replaces the in-flight marker with the final result.
func (s *IdempotencyService) Complete(ctx context.Context, requestID string, result *IdempotencyResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(requestID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
