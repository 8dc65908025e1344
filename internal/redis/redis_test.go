package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewFromClient(rdb, zap.NewNop())

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestCache_GetSet(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewCache(client)
	ctx := context.Background()

	if _, ok, err := cache.Get(ctx, "user_device_token:u1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := cache.Set(ctx, "user_device_token:u1", "tok1", 300*time.Second); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	val, ok, err := cache.Get(ctx, "user_device_token:u1")
	if err != nil || !ok || val != "tok1" {
		t.Fatalf("expected tok1, got %q ok=%v err=%v", val, ok, err)
	}

	if ttl := mr.TTL("user_device_token:u1"); ttl != 300*time.Second {
		t.Errorf("expected ttl 300s, got %v", ttl)
	}

	mr.FastForward(301 * time.Second)
	if _, ok, _ := cache.Get(ctx, "user_device_token:u1"); ok {
		t.Error("entry should expire after ttl")
	}
}

func TestCache_ErrorWhenUnavailable(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	mr.Close()
	cache := NewCache(client)
	if _, _, err := cache.Get(context.Background(), "k"); err == nil {
		t.Fatal("expected error when redis is down")
	}
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, 0, zap.NewNop())
	result, err := svc.CheckOrReserve(context.Background(), "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_InFlightDuplicate(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, 0, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "r1"); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "r1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_CompletedRequest(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, time.Hour, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "r1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Complete(ctx, "r1", &IdempotencyResult{NotificationID: "n1", Outcome: "processed"}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.NotificationID != "n1" || result.Outcome != "processed" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.CreatedAt == 0 {
		t.Error("created_at should be stamped")
	}
	if ttl := mr.TTL("push:request:r1"); ttl != time.Hour {
		t.Errorf("expected ttl 1h, got %v", ttl)
	}
}

func TestIdempotencyService_InFlightMarkerExpires(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, 0, zap.NewNop())
	ctx := context.Background()

	if reserved, err := svc.Reserve(ctx, "r1"); err != nil || !reserved {
		t.Fatalf("reserve failed: %v %v", reserved, err)
	}
	mr.FastForward(processingTTL + time.Second)

	if reserved, err := svc.Reserve(ctx, "r1"); err != nil || !reserved {
		t.Fatalf("expected reservation after marker expiry, got %v %v", reserved, err)
	}
}

func TestIdempotencyService_CorruptValue(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	_ = mr.Set("push:request:r1", "{not json")
	svc := NewIdempotencyService(client, 0, zap.NewNop())
	if _, err := svc.Check(context.Background(), "r1"); err == nil {
		t.Fatal("expected error for corrupt value")
	}
}

func TestRateLimiter(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "10.0.0.1")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if res.Remaining != 2-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 2-i, res.Remaining)
		}
	}

	res, err := limiter.Allow(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed || res.Remaining != 0 {
		t.Fatalf("expected rejection with 0 remaining, got %+v", res)
	}

	other, _ := limiter.Allow(ctx, "10.0.0.2")
	if !other.Allowed {
		t.Fatal("separate key should be allowed")
	}
}

func TestRateLimiter_RejectionDoesNotConsume(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 10, Window: time.Minute})
	ctx := context.Background()

	if res, _ := limiter.AllowN(ctx, "k", 5); !res.Allowed || res.Remaining != 5 {
		t.Fatalf("expected 5 allowed, got %+v", res)
	}
	if res, _ := limiter.AllowN(ctx, "k", 6); res.Allowed {
		t.Fatal("6 more should be blocked")
	}
	if res, _ := limiter.AllowN(ctx, "k", 5); !res.Allowed || res.Remaining != 0 {
		t.Fatalf("rejected batch should have been rolled back, got %+v", res)
	}
}
