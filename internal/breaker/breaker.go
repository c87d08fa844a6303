// Package breaker wraps sony/gobreaker, pulled in as pack-wide enrichment
// (sourced from the circuit-breaker-heavy jordigilh-kubernaut example) to
// give every downstream — one per worker slot, one per webhook
// destination — its own Closed/Open/HalfOpen state machine.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitBreakerOpen is the spec's sentinel for "this breaker refused
// the call without even trying," translated from gobreaker's own
// ErrOpenState so callers never import gobreaker directly.
var ErrCircuitBreakerOpen = errors.New("breaker: circuit open")

// Config maps directly onto gobreaker.Settings: FailureThreshold trips
// Closed->Open on N consecutive failures, SuccessThreshold bounds how
// many trial calls HalfOpen allows before closing again, OpenTimeout is
// how long Open holds before trying HalfOpen.
type Config struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	OpenTimeout      time.Duration
}

// Breaker executes calls through an underlying gobreaker.CircuitBreaker.
// gobreaker serializes its own state transitions internally, so Breaker
// needs no locking of its own to satisfy the "exclusive check+record
// window" requirement.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// Wrap constructs a named breaker from Config.
func Wrap(name string, cfg Config) *Breaker {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(st)}
}

// Execute runs fn through the breaker; while Open, fn is never invoked
// and ErrCircuitBreakerOpen is returned immediately.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, ErrCircuitBreakerOpen
		}
		return zero, err
	}
	return result.(T), nil
}

// State reports the breaker's current machine state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) Name() string { return b.name }

// ExecuteCtx is Execute with an early-exit on ctx cancellation before fn
// is even attempted, for callers composing a breaker with a
// context-bound call.
func ExecuteCtx[T any](ctx context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return Execute(b, fn)
}
