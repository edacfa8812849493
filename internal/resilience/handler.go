package resilience

import (
	"context"

	"github.com/parley-voice/parley/internal/turn"
)

// WrapHandler guards a turn handler with the given circuit breaker. While
// the breaker is open the wrapped handler fails immediately with
// [ErrCircuitOpen], which the orchestrator absorbs as a skipped turn, so
// the caller hears silence instead of waiting out a timeout against a dead
// backend.
func WrapHandler(h turn.Handler, cb *CircuitBreaker) turn.Handler {
	return func(ctx context.Context, transcript string) (string, error) {
		var reply string
		err := cb.Execute(func() error {
			var err error
			reply, err = h(ctx, transcript)
			return err
		})
		if err != nil {
			return "", err
		}
		return reply, nil
	}
}
