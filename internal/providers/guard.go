package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/reliability"
)

// guardedDo wraps one provider call with the shared reliability registry:
// token-bucket pacing, circuit-breaker gating, then the retry driver. A
// nil registry degrades to plain RetryDo (tests, embedded use).
func guardedDo[T any](ctx context.Context, reg *reliability.Registry, key string, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	if reg == nil {
		return RetryDo(ctx, cfg, fn)
	}

	if ok, retryInMs := reg.Limiter(key).Take(1); !ok {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(time.Duration(retryInMs) * time.Millisecond):
		}
		if ok, retryInMs := reg.Limiter(key).Take(1); !ok {
			return zero, &reliability.RateLimitedError{RetryAfterMs: retryInMs}
		}
	}

	breaker := reg.Breaker(key)
	if !breaker.CanExecute() {
		return zero, fmt.Errorf("%s: circuit open, failing fast", key)
	}

	v, err := RetryDo(ctx, cfg, fn)
	if err != nil {
		breaker.RecordFailure()
		return zero, err
	}
	breaker.RecordSuccess()
	return v, nil
}
