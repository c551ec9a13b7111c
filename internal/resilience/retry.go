// Package resilience provides fixed-delay retry and error classification for
// calls that cross a process or network boundary.
package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Policy retries every failure up to Attempts-1 times, waiting Delay between
// attempts.
type Policy struct {
	Attempts int
	Delay    time.Duration

	// OnRetry is called before each wait with the attempt that just failed.
	OnRetry func(attempt int, err error)
}

// Fixed returns a Policy making one attempt plus retries more.
func Fixed(retries int, delay time.Duration) Policy {
	if retries < 0 {
		retries = 0
	}
	if delay < 0 {
		delay = 0
	}
	return Policy{Attempts: retries + 1, Delay: delay}
}

// DoVal runs fn until it succeeds or the policy is exhausted. On failure the
// value of the last attempt is returned with its error. Cancelling ctx ends
// the wait between attempts.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)

	var (
		val T
		err error
	)
	for attempt := 1; ; attempt++ {
		val, err = fn(ctx)
		if err == nil || attempt >= attempts || ctx.Err() != nil {
			return val, err
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return val, err
		case <-timer.C:
		}
	}
}

// RetryLogger returns an OnRetry callback that logs each retry.
func RetryLogger(component, operation string, delay time.Duration) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying after failure",
			zap.String("component", component),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
