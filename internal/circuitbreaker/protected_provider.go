package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pushrelay/internal/metrics"
	"github.com/lalithlochan/pushrelay/internal/push"
	"github.com/lalithlochan/pushrelay/internal/retry"
)

// Delivery is the outcome of a protected send.
type Delivery struct {
	Result   push.Result
	Attempts int
}

// Retries returns the provider-level retries (attempts after the first).
func (d Delivery) Retries() int {
	if d.Attempts <= 1 {
		return 0
	}
	return d.Attempts - 1
}

// ProtectedProvider wraps a push.Provider with retry and a shared breaker.
//
// The whole retry loop is one breaker call: exhausting every attempt records a
// single breaker failure. A non-retryable unsuccessful result (invalid token,
// missing credentials) ends the loop and counts as a breaker success, since the
// provider answered.
type ProtectedProvider struct {
	provider push.Provider
	breaker  *CircuitBreaker
	retry    retry.Config
	logger   *zap.Logger
}

// NewProtectedProvider wraps provider with breaker and retry protection.
func NewProtectedProvider(provider push.Provider, breaker *CircuitBreaker, retryCfg retry.Config, logger *zap.Logger) *ProtectedProvider {
	return &ProtectedProvider{
		provider: provider,
		breaker:  breaker,
		retry:    retryCfg,
		logger:   logger,
	}
}

// Name returns the underlying provider name.
func (p *ProtectedProvider) Name() string {
	return p.provider.Name()
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedProvider) Breaker() *CircuitBreaker {
	return p.breaker
}

// Send dispatches one notification. The returned error is non-nil when the
// breaker rejected the call (ErrCircuitOpen) or every attempt failed; the
// Delivery carries the last provider result either way.
func (p *ProtectedProvider) Send(ctx context.Context, deviceToken string, data push.Data, correlationID string) (Delivery, error) {
	var out Delivery
	name := p.provider.Name()

	err := p.breaker.Call(ctx, func(ctx context.Context) error {
		attempts, err := retry.Do(ctx, p.retry, func(ctx context.Context, attempt int) error {
			start := time.Now()
			res, err := p.provider.Send(ctx, deviceToken, data, correlationID)
			elapsed := time.Since(start)

			if err != nil {
				metrics.RecordProviderAttempt(name, "error", elapsed)
				out.Result = push.Result{Provider: name, Error: err.Error(), Retryable: true}
				p.logger.Warn("provider send errored",
					zap.String("provider", name),
					zap.String("correlation_id", correlationID),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				return err
			}

			out.Result = res
			switch {
			case res.Success:
				metrics.RecordProviderAttempt(name, "success", elapsed)
				return nil
			case res.Retryable:
				metrics.RecordProviderAttempt(name, "retryable", elapsed)
				p.logger.Warn("provider send failed, will retry",
					zap.String("provider", name),
					zap.String("correlation_id", correlationID),
					zap.Int("attempt", attempt),
					zap.String("error", res.Error),
				)
				return errors.New(res.Error)
			default:
				metrics.RecordProviderAttempt(name, "rejected", elapsed)
				return nil
			}
		})
		out.Attempts = attempts
		return err
	})

	if errors.Is(err, ErrCircuitOpen) {
		metrics.RecordBreakerRejection(p.breaker.Name())
		p.logger.Warn("circuit breaker rejected send - failing fast",
			zap.String("breaker", p.breaker.Name()),
			zap.String("correlation_id", correlationID),
			zap.String("state", p.breaker.GetState().String()),
		)
		out.Result = push.Result{Provider: name, Error: err.Error()}
		return out, err
	}
	if err != nil {
		if out.Result.Error == "" {
			out.Result.Error = err.Error()
		}
		out.Result.Success = false
		return out, fmt.Errorf("send via %s: %w", name, err)
	}

	return out, nil
}
