package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/michiel/ratchet-sub006/internal/retry"
)

func TestBackoffStrategies(t *testing.T) {
	initial := 100 * time.Millisecond

	if got := (retry.FixedStrategy{}).Delay(initial, 5); got != initial {
		t.Fatalf("fixed: got %v want %v", got, initial)
	}
	if got := (retry.LinearStrategy{}).Delay(initial, 3); got != 300*time.Millisecond {
		t.Fatalf("linear: got %v want 300ms", got)
	}
	if got := (retry.ExponentialStrategy{Base: 2}).Delay(initial, 3); got != 400*time.Millisecond {
		t.Fatalf("exponential: got %v want 400ms", got)
	}
	// fib(1)=1 fib(2)=1 fib(3)=2 fib(4)=3 fib(5)=5
	if got := (retry.FibonacciStrategy{}).Delay(initial, 5); got != 500*time.Millisecond {
		t.Fatalf("fibonacci: got %v want 500ms", got)
	}
	custom := retry.CustomStrategy{DelaysMs: []int64{10, 20, 30}}
	if got := custom.Delay(initial, 1); got != 10*time.Millisecond {
		t.Fatalf("custom attempt1: got %v", got)
	}
	if got := custom.Delay(initial, 10); got != 30*time.Millisecond {
		t.Fatalf("custom beyond table repeats last entry: got %v", got)
	}
}

func TestDecorrelatedJitterCalculator_BoundedAndSeeded(t *testing.T) {
	c := &retry.DecorrelatedJitterCalculator{Base: 100 * time.Millisecond, Cap: time.Second}
	first := c.Next()
	if first != c.Base {
		t.Fatalf("first call should seed at Base, got %v", first)
	}
	for i := 0; i < 50; i++ {
		d := c.Next()
		if d < c.Base || d > c.Cap {
			t.Fatalf("decorrelated jitter out of bounds: %v", d)
		}
	}
}

type retryableErr struct {
	retryable bool
	transient bool
}

func (e *retryableErr) Error() string                     { return "boom" }
func (e *retryableErr) IsRetryable() bool                 { return e.retryable }
func (e *retryableErr) IsTransient() bool                 { return e.transient }
func (e *retryableErr) RetryDelay() (time.Duration, bool) { return 0, false }

func TestExecutor_SucceedsAfterRetries(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Strategy: retry.FixedStrategy{}}
	exec := retry.NewExecutor(policy)

	attempts := 0
	result, err := retry.Execute(context.Background(), exec, func(attempt int) (string, error) {
		attempts = attempt
		if attempt < 3 {
			return "", &retryableErr{retryable: true}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || attempts != 3 {
		t.Fatalf("expected success on attempt 3, got result=%q attempts=%d", result, attempts)
	}
}

func TestExecutor_NonRetryableStopsImmediately(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 5, InitialDelay: time.Millisecond}
	exec := retry.NewExecutor(policy)

	calls := 0
	_, err := retry.Execute(context.Background(), exec, func(attempt int) (string, error) {
		calls++
		return "", &retryableErr{retryable: false}
	})
	var nonRetryable *retry.NonRetryableError
	if !errors.As(err, &nonRetryable) {
		t.Fatalf("expected NonRetryableError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestExecutor_TransientErrorRetriesWithNearZeroDelay(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 3, InitialDelay: time.Hour, Strategy: retry.FixedStrategy{}}
	exec := retry.NewExecutor(policy)

	start := time.Now()
	attempts := 0
	result, err := retry.Execute(context.Background(), exec, func(attempt int) (string, error) {
		attempts = attempt
		if attempt < 3 {
			return "", &retryableErr{retryable: true, transient: true}
		}
		return "ok", nil
	})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || attempts != 3 {
		t.Fatalf("expected success on attempt 3, got result=%q attempts=%d", result, attempts)
	}
	if elapsed > time.Second {
		t.Fatalf("expected transient retries to use a near-zero delay instead of the 1h policy delay, took %v", elapsed)
	}
}

func TestExecutor_MaxAttemptsExceeded(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond}
	exec := retry.NewExecutor(policy)

	_, err := retry.Execute(context.Background(), exec, func(attempt int) (string, error) {
		return "", errors.New("always fails")
	})
	var exceeded *retry.MaxAttemptsExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected MaxAttemptsExceededError, got %v", err)
	}
	if exceeded.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", exceeded.Attempts)
	}
}
