package channels

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/reliability"
)

// SendGuard paces and protects outbound sends for one channel: a token
// bucket for pacing, a circuit breaker gating entry after repeated
// failures, and the retry driver for transient errors. Platform 429s get
// one automatic retry bounded by their Retry-After hint; anything beyond
// that goes through the retry driver under the breaker.
type SendGuard struct {
	channel string
	limiter *reliability.Limiter
	breaker *reliability.Breaker
	retry   reliability.RetryPolicy
}

// NewSendGuard builds a guard for channel. The breaker comes from the
// shared reliability registry (so status endpoints see the same breaker
// the guard trips); the bucket is sized from the channel's rate_limit
// config.
func NewSendGuard(channel string, reg *reliability.Registry, retry reliability.RetryPolicy, capacity, refillPerSec float64) *SendGuard {
	return &SendGuard{
		channel: channel,
		limiter: reliability.NewLimiter(capacity, refillPerSec),
		breaker: reg.Breaker("channel:" + channel),
		retry:   retry,
	}
}

// Do runs send under the guard. The limiter's retry hint is honored by
// sleeping once; an open breaker fails fast without invoking send.
func (g *SendGuard) Do(ctx context.Context, send func() error) error {
	if ok, retryInMs := g.limiter.Take(1); !ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(retryInMs) * time.Millisecond):
		}
		if ok, _ := g.limiter.Take(1); !ok {
			return &reliability.RateLimitedError{RetryAfterMs: retryInMs}
		}
	}

	if !g.breaker.CanExecute() {
		return fmt.Errorf("channel %s: circuit open, dropping send", g.channel)
	}

	_, err := reliability.Do(ctx, g.retry, reliability.DefaultRetryable, func() (struct{}, error) {
		return struct{}{}, send()
	})
	if err != nil {
		var rl *reliability.RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfterMs > 0 {
			// One automatic retry bounded by the platform's Retry-After.
			select {
			case <-ctx.Done():
				g.breaker.RecordFailure()
				return ctx.Err()
			case <-time.After(time.Duration(rl.RetryAfterMs) * time.Millisecond):
			}
			err = send()
		}
	}
	if err != nil {
		g.breaker.RecordFailure()
		return err
	}
	g.breaker.RecordSuccess()
	return nil
}
