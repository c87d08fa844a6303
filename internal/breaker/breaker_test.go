package breaker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/michiel/ratchet-sub006/internal/breaker"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := breaker.Wrap("downstream", breaker.Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      50 * time.Millisecond,
	})

	failing := func() (string, error) { return "", errors.New("boom") }

	for i := 0; i < 3; i++ {
		if _, err := breaker.Execute(b, failing); err == nil {
			t.Fatalf("expected failure on attempt %d", i+1)
		}
	}

	_, err := breaker.Execute(b, func() (string, error) { return "never runs", nil })
	if !errors.Is(err, breaker.ErrCircuitBreakerOpen) {
		t.Fatalf("expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestBreaker_ClosesAfterSuccessfulHalfOpenTrial(t *testing.T) {
	b := breaker.Wrap("downstream", breaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      10 * time.Millisecond,
	})

	for i := 0; i < 2; i++ {
		_, _ = breaker.Execute(b, func() (string, error) { return "", errors.New("boom") })
	}
	if _, err := breaker.Execute(b, func() (string, error) { return "", nil }); !errors.Is(err, breaker.ErrCircuitBreakerOpen) {
		t.Fatalf("expected open immediately after trip, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	result, err := breaker.Execute(b, func() (string, error) { return "ok", nil })
	if err != nil {
		t.Fatalf("expected half-open trial to succeed, got %v", err)
	}
	if result != "ok" {
		t.Fatalf("unexpected result: %q", result)
	}
}
