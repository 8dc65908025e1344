package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lalithlochan/pushrelay/internal/push"
	"github.com/lalithlochan/pushrelay/internal/retry"
)

type scriptedProvider struct {
	results []push.Result
	errs    []error
	calls   int
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Send(ctx context.Context, token string, data push.Data, correlationID string) (push.Result, error) {
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	res := push.Result{Success: true, Provider: "scripted", MessageID: "m"}
	if i < len(s.results) {
		res = s.results[i]
	} else if len(s.results) > 0 {
		res = s.results[len(s.results)-1]
	}
	return res, err
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3}
}

var retryableFailure = push.Result{Provider: "scripted", Error: "gateway timeout", Retryable: true}

func TestProtectedProvider_PassesThrough(t *testing.T) {
	p := &scriptedProvider{}
	cb := New(Config{Name: "scripted", MaxFailures: 5}, testLogger())
	pp := NewProtectedProvider(p, cb, fastRetry(), testLogger())

	d, err := pp.Send(context.Background(), "tok", push.Data{}, "c1")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if !d.Result.Success || d.Attempts != 1 || d.Retries() != 0 {
		t.Fatalf("unexpected delivery: %+v", d)
	}
	if cb.Stats().TotalSuccesses != 1 {
		t.Fatal("expected 1 breaker success")
	}
}

func TestProtectedProvider_RetriesThenSucceeds(t *testing.T) {
	p := &scriptedProvider{results: []push.Result{retryableFailure, {Success: true, MessageID: "ok"}}}
	cb := New(Config{Name: "scripted", MaxFailures: 5}, testLogger())
	pp := NewProtectedProvider(p, cb, fastRetry(), testLogger())

	d, err := pp.Send(context.Background(), "tok", push.Data{}, "c1")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if p.calls != 2 || d.Attempts != 2 || d.Retries() != 1 {
		t.Fatalf("calls=%d delivery=%+v", p.calls, d)
	}
	if cb.FailureCount() != 0 {
		t.Fatalf("failure_count = %d", cb.FailureCount())
	}
}

func TestProtectedProvider_ExhaustedRetriesCountOnce(t *testing.T) {
	p := &scriptedProvider{results: []push.Result{retryableFailure}}
	cb := New(Config{Name: "scripted", MaxFailures: 5}, testLogger())
	pp := NewProtectedProvider(p, cb, fastRetry(), testLogger())

	d, err := pp.Send(context.Background(), "tok", push.Data{}, "c1")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !errors.Is(err, retry.ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}
	if p.calls != 3 {
		t.Fatalf("provider calls = %d, want 3", p.calls)
	}
	if d.Result.Success || d.Result.Error != "gateway timeout" {
		t.Fatalf("unexpected result: %+v", d.Result)
	}
	if cb.FailureCount() != 1 {
		t.Fatalf("one logical call should record one failure, got %d", cb.FailureCount())
	}
}

func TestProtectedProvider_ErrorsAreRetried(t *testing.T) {
	boom := errors.New("connection reset")
	p := &scriptedProvider{errs: []error{boom, boom, boom}}
	cb := New(Config{Name: "scripted", MaxFailures: 5}, testLogger())
	pp := NewProtectedProvider(p, cb, fastRetry(), testLogger())

	d, err := pp.Send(context.Background(), "tok", push.Data{}, "c1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if p.calls != 3 || d.Attempts != 3 {
		t.Fatalf("calls=%d attempts=%d", p.calls, d.Attempts)
	}
	if d.Result.Error != "connection reset" {
		t.Fatalf("unexpected result error: %q", d.Result.Error)
	}
}

func TestProtectedProvider_NonRetryableStopsAndKeepsBreakerClosed(t *testing.T) {
	p := &scriptedProvider{results: []push.Result{{Provider: "scripted", Error: "invalid player id"}}}
	cb := New(Config{Name: "scripted", MaxFailures: 1}, testLogger())
	pp := NewProtectedProvider(p, cb, fastRetry(), testLogger())

	d, err := pp.Send(context.Background(), "tok", push.Data{}, "c1")
	if err != nil {
		t.Fatalf("non-retryable result is not an error: %v", err)
	}
	if d.Result.Success || d.Result.Error != "invalid player id" {
		t.Fatalf("unexpected result: %+v", d.Result)
	}
	if p.calls != 1 {
		t.Fatalf("calls = %d", p.calls)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("breaker should stay closed, got %s", cb.GetState())
	}
}

func TestProtectedProvider_FailFastWhenOpen(t *testing.T) {
	p := &scriptedProvider{results: []push.Result{retryableFailure}}
	cb := New(Config{Name: "scripted", MaxFailures: 2, RecoveryTimeout: time.Minute}, testLogger())
	pp := NewProtectedProvider(p, cb, fastRetry(), testLogger())

	_, _ = pp.Send(context.Background(), "tok", push.Data{}, "c1")
	_, _ = pp.Send(context.Background(), "tok", push.Data{}, "c2")
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	p.calls = 0
	d, err := pp.Send(context.Background(), "tok", push.Data{}, "c3")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if p.calls != 0 {
		t.Fatalf("provider called %d times while open", p.calls)
	}
	if d.Attempts != 0 || d.Result.Success || d.Result.Error == "" {
		t.Fatalf("unexpected delivery: %+v", d)
	}
}

func TestProtectedProvider_FullLifecycle(t *testing.T) {
	clock := newFakeClock()
	p := &scriptedProvider{}
	cb := New(Config{Name: "lifecycle", MaxFailures: 3, RecoveryTimeout: time.Minute}, testLogger(), WithClock(clock.Now))
	pp := NewProtectedProvider(p, cb, retry.Config{MaxAttempts: 1}, testLogger())
	ctx := context.Background()

	// working
	if _, err := pp.Send(ctx, "tok", push.Data{}, "c"); err != nil {
		t.Fatalf("phase1: %v", err)
	}

	// provider fails, circuit opens
	p.results = []push.Result{retryableFailure}
	p.calls = 0
	for i := 0; i < 3; i++ {
		_, _ = pp.Send(ctx, "tok", push.Data{}, "c")
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("phase2: expected open, got %s", cb.GetState())
	}

	// fail fast
	p.calls = 0
	if _, err := pp.Send(ctx, "tok", push.Data{}, "c"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("phase3: %v", err)
	}
	if p.calls != 0 {
		t.Fatal("phase3: provider should not be called")
	}

	// recovers
	clock.Advance(time.Minute)
	p.results = nil
	p.calls = 0
	if _, err := pp.Send(ctx, "tok", push.Data{}, "c"); err != nil {
		t.Fatalf("phase4: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("phase4: expected closed, got %s", cb.GetState())
	}
}
