package retry

import (
	"context"
	"fmt"
	"time"
)

// MaxAttemptsExceededError is returned when every attempt failed and the
// policy's MaxAttempts was reached.
type MaxAttemptsExceededError struct {
	Attempts int
	LastErr  error
}

func (e *MaxAttemptsExceededError) Error() string {
	return fmt.Sprintf("retry: exhausted %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *MaxAttemptsExceededError) Unwrap() error { return e.LastErr }

// NonRetryableError wraps a failure the policy decided not to retry at
// all, surfaced distinctly from MaxAttemptsExceededError so callers can
// tell "gave up" from "this was never going to succeed" apart.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return fmt.Sprintf("retry: non-retryable: %v", e.Err) }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// transientDelay is the near-zero backoff used for errors that report
// IsTransient()==true: the failure is expected to clear on its own (a
// dropped connection, a momentary resource blip) rather than need the
// policy's normal exponential backoff to let a downstream recover.
const transientDelay = 5 * time.Millisecond

// Executor runs an operation under a Policy, grounded on both the
// teacher's orchestrator.handleStageErr/computeBackoff loop and
// ratchet-resilience/src/retry.rs's RetryExecutor. Go forbids generic
// methods, so the type-parameterized entry point is the package-level
// Execute function below; Executor just carries the Policy.
type Executor struct {
	Policy Policy
}

func NewExecutor(p Policy) *Executor { return &Executor{Policy: p} }

// Execute calls fn with increasing attempt numbers (1-indexed) until it
// succeeds, a Retryable error reports IsRetryable()==false, or
// MaxAttempts is reached.
func Execute[T any](ctx context.Context, e *Executor, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	maxAttempts := e.Policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if r, ok := err.(Retryable); ok && !r.IsRetryable() {
			return zero, &NonRetryableError{Err: err}
		}

		if attempt >= maxAttempts {
			return zero, &MaxAttemptsExceededError{Attempts: attempt, LastErr: lastErr}
		}

		delay := e.Policy.Delay(attempt)
		if r, ok := err.(Retryable); ok {
			if r.IsTransient() {
				delay = transientDelay
			}
			if override, overrideOK := r.RetryDelay(); overrideOK {
				delay = override
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, &MaxAttemptsExceededError{Attempts: maxAttempts, LastErr: lastErr}
}
