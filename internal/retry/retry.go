package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptsExhausted wraps the last error once MaxAttempts is reached.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Config describes the retry behavior.
//
// The wait after attempt n is Multiplier * 2^(n-1), clamped to [MinWait, MaxWait].
// Zero durations mean no wait.
type Config struct {
	MaxAttempts int
	Multiplier  time.Duration
	MinWait     time.Duration
	MaxWait     time.Duration
}

// DefaultConfig is three attempts waiting between 4 and 10 seconds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Multiplier:  time.Second,
		MinWait:     4 * time.Second,
		MaxWait:     10 * time.Second,
	}
}

// Backoff returns the wait after the given (1-based) attempt.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := c.Multiplier
	for i := 1; i < attempt && wait < c.MaxWait; i++ {
		wait *= 2
	}
	if c.MaxWait > 0 && wait > c.MaxWait {
		wait = c.MaxWait
	}
	if wait < c.MinWait {
		wait = c.MinWait
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a Permanent error, the attempts run out,
// or ctx is cancelled. It returns the number of attempts made.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context, attempt int) error) (int, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var err error
	attempt := 0
	for attempt < cfg.MaxAttempts {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				return attempt, ctxErr
			}
			return attempt, errors.Join(err, ctxErr)
		}

		attempt++
		if err = fn(ctx, attempt); err == nil {
			return attempt, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return attempt, perm.err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		wait := cfg.Backoff(attempt)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}

	return attempt, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempt, err)
}
