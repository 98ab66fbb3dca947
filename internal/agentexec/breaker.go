package agentexec

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/forgeops/pipeforge/pkg/cerr"
)

// BreakerExecutor wraps an Executor with a circuit breaker. An open breaker
// rejects calls immediately as a retryable agent failure, so a misbehaving
// agent backend is given time to recover instead of being hammered by every
// task.
type BreakerExecutor struct {
	inner Executor
	cb    *gobreaker.CircuitBreaker
}

func NewBreakerExecutor(inner Executor, logger *slog.Logger) *BreakerExecutor {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "agent-executor",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Cancellation and billing pauses are not backend health signals.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return !cerr.IsCode(err, cerr.ResourceExhausted)
		},
	})
	return &BreakerExecutor{inner: inner, cb: cb}
}

func (b *BreakerExecutor) Run(ctx context.Context, req Request) (*Result, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return b.inner.Run(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, cerr.NewError(cerr.Unavailable, "agent executor circuit open", err)
		}
		return nil, err
	}
	return result.(*Result), nil
}

// State exposes the breaker state for health reporting.
func (b *BreakerExecutor) State() gobreaker.State {
	return b.cb.State()
}
