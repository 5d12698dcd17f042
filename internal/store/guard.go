package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jogardn/storefront/internal/apperr"
	"github.com/jogardn/storefront/internal/circuitbreaker"
)

// IsBackendFailure reports whether err should count against a circuit
// breaker. Missing records, short stock and version conflicts are answers,
// not outages.
func IsBackendFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrInsufficientStock) &&
		!errors.Is(err, ErrConflict)
}

// Guard runs store calls through a circuit breaker with a per-call timeout
// and classifies their errors into the apperr taxonomy.
type Guard struct {
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

func NewGuard(breaker *circuitbreaker.CircuitBreaker, timeout time.Duration) *Guard {
	return &Guard{breaker: breaker, timeout: timeout}
}

func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return Classify(op, g.breaker.ExecuteContext(ctx, g.timeout, fn))
}

// DoCompensating runs fn with the same timeout and error classification as
// Do but bypasses the breaker. Undo steps must reach the store even when the
// failure they undo is the one that opened the circuit.
func (g *Guard) DoCompensating(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if g.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
	}
	defer cancel()

	err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s: %v", circuitbreaker.ErrTimeout, g.timeout, err)
	}
	return Classify(op, err)
}

// Timeout is the per-call bound applied by Do and DoCompensating.
func (g *Guard) Timeout() time.Duration {
	return g.timeout
}

// Classify maps a store error to apperr. Anything that is not a business
// answer becomes a persistence failure.
func Classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	case errors.Is(err, ErrInsufficientStock):
		return fmt.Errorf("%s: %w", op, apperr.ErrInsufficientStock)
	case errors.Is(err, ErrConflict):
		return fmt.Errorf("%s: %w", op, apperr.ErrConflict)
	default:
		return apperr.Persistence(op, err)
	}
}
