package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // requests allowed per window
	Window time.Duration // sliding window length
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding-window limiter over a Redis sorted set.
// The HTTP debug API keys it by client IP.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks if one request is allowed for key.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN optimistically adds n entries in one transaction, then removes them
// again if the window is over the limit.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	nowNano := now.UnixNano()
	redisKey := "push:ratelimit:" + key

	batch := uuid.NewString()
	members := make([]redis.Z, n)
	for i := range members {
		members[i] = redis.Z{
			Score:  float64(nowNano + int64(i)),
			Member: batch + "-" + strconv.Itoa(i),
		}
	}

	var card *redis.IntCmd
	_, err := r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(now.Add(-r.config.Window).UnixNano(), 10))
		pipe.ZAdd(ctx, redisKey, members...)
		card = pipe.ZCard(ctx, redisKey)
		pipe.Expire(ctx, redisKey, r.config.Window+time.Second)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis rate limit pipeline failed: %w", err)
	}

	count := int(card.Val())
	result := &RateLimitResult{Limit: r.config.Limit, ResetAt: now.Add(r.config.Window)}

	if count > r.config.Limit {
		undo := make([]interface{}, n)
		for i, m := range members {
			undo[i] = m.Member
		}
		if err := r.client.rdb.ZRem(ctx, redisKey, undo...).Err(); err != nil {
			r.logger.Warn("rate limit rollback failed", zap.String("key", key), zap.Error(err))
		}
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", r.config.Limit),
		)
		result.Remaining = max(0, r.config.Limit-(count-n))
		return result, nil
	}

	result.Allowed = true
	result.Remaining = r.config.Limit - count
	return result, nil
}
