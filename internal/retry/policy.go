package retry

import "time"

// Policy is the direct generalization of the teacher's
// orchestrator.RetryPolicy: same MaxAttempts/Max(Min)Delay shape, with
// Strategy replacing the hardcoded doubling and Jitter as an explicit
// opt-in instead of a fixed JitterFrac.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Strategy     BackoffStrategy
	Jitter       bool
}

// Delay computes the capped, optionally jittered delay before attempt n.
func (p Policy) Delay(attempt int) time.Duration {
	strategy := p.Strategy
	if strategy == nil {
		strategy = ExponentialStrategy{Base: 2}
	}
	d := strategy.Delay(p.InitialDelay, attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		d = applyJitter(d)
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Retryable is implemented by errors that know their own retry behavior,
// generalizing httpx.IsRetryableError/IsRetryableHTTPStatus into a
// first-class interface any domain error can satisfy instead of a
// free function keyed on HTTP status codes.
type Retryable interface {
	error
	IsRetryable() bool
	IsTransient() bool
	// RetryDelay lets an error override the policy's computed delay (e.g.
	// an HTTP 429 with a Retry-After header); ok is false to defer to the
	// policy.
	RetryDelay() (time.Duration, bool)
}
