package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/provider"
)

const (
	DefaultMaxAttempts = 5

	rateLimitBuffer = time.Second
	lockStep        = time.Second
	lockCap         = 15 * time.Second
	backoffBase     = 500 * time.Millisecond
	backoffCap      = 30 * time.Second
)

// sleeper pauses for d or until ctx is done.
type sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryPolicy retries remote calls according to the recovery class of their error.
type retryPolicy struct {
	maxAttempts int
	sleep       sleeper
	log         zerolog.Logger
}

// delay returns how long to wait before the next attempt, or false when err is not retryable.
func (p retryPolicy) delay(err error, attempt int) (time.Duration, bool) {
	switch provider.Classify(err) {
	case provider.KindRateLimited:
		var rl *provider.RateLimitedError
		errors.As(err, &rl)
		return rl.Wait + rateLimitBuffer, true
	case provider.KindLocked:
		d := time.Duration(attempt) * lockStep
		if d > lockCap {
			d = lockCap
		}
		return d, true
	case provider.KindTransient:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, false
		}
		d := backoffBase * time.Duration(1<<(attempt-1))
		if d > backoffCap || d <= 0 {
			d = backoffCap
		}
		return d, true
	default:
		return 0, false
	}
}

// withRetry runs fn until it succeeds, fails with a non-retryable error or exhausts the attempt
// bound. The last error is returned unchanged so callers can classify it.
func withRetry[T any](ctx context.Context, p retryPolicy, op string, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.maxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		wait, ok := p.delay(err, attempt)
		if !ok || attempt >= attempts {
			return zero, err
		}

		p.log.Debug().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("wait", wait).
			Str("kind", provider.Classify(err).String()).
			Msg("Retrying remote call")

		if serr := sleep(ctx, wait); serr != nil {
			return zero, serr
		}
	}
}
