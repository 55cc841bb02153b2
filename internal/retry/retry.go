// Package retry provides the bounded retry-with-backoff executor used by
// workflow and tool dispatch.
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openloom/loom/go/orchestrator/internal/llmerrors"
)

// Policy controls retry behavior. Only failures whose error code appears
// in RetryableErrorCodes are retried; everything else propagates
// immediately.
type Policy struct {
	MaxAttempts         int
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	BackoffMultiplier   float64
	RetryableErrorCodes []llmerrors.ErrorCode
}

// DefaultPolicy matches the workflow dispatch defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		RetryableErrorCodes: []llmerrors.ErrorCode{
			llmerrors.CodeTimeout,
			llmerrors.CodeRateLimited,
			llmerrors.CodeModelError,
		},
	}
}

// Sleeper abstracts the backoff sleep so tests can observe delays without
// waiting.
type Sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Executor runs functions under a retry policy.
type Executor struct {
	logger *zap.Logger
	sleep  Sleeper
}

// NewExecutor creates an Executor with real sleeps.
func NewExecutor(logger *zap.Logger) *Executor {
	return &Executor{logger: logger, sleep: realSleep}
}

// NewExecutorWithSleeper injects the sleep function; used in tests.
func NewExecutorWithSleeper(logger *zap.Logger, sleep Sleeper) *Executor {
	return &Executor{logger: logger, sleep: sleep}
}

// Do attempts fn up to policy.MaxAttempts times. The delay before attempt
// n+1 is min(InitialDelay * BackoffMultiplier^(n-1), MaxDelay). Context
// cancellation aborts the backoff sleep and returns ctx.Err().
func (e *Executor) Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !policy.retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := policy.delayFor(attempt)
		e.logger.Debug("retrying after failure",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("code", string(llmerrors.CodeOf(lastErr))),
			zap.Error(lastErr),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// delayFor computes the backoff before the attempt following `attempt`
// (1-based).
func (p Policy) delayFor(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
	}
	d := time.Duration(delay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) retryable(err error) bool {
	code := llmerrors.CodeOf(err)
	for _, c := range p.RetryableErrorCodes {
		if c == code {
			return true
		}
	}
	return false
}
