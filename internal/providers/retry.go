package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/reliability"
)

// RetryConfig is the provider-facing retry configuration. It is a thin
// rename of reliability.RetryPolicy so provider code (anthropic.go,
// openai.go) doesn't need to import the reliability package directly for
// this one type; the actual backoff/jitter engine lives there.
type RetryConfig = reliability.RetryPolicy

// DefaultRetryConfig returns the default provider retry policy: 3 attempts,
// 500ms-8s exponential backoff with 20% jitter.
func DefaultRetryConfig() RetryConfig {
	return reliability.DefaultRetryPolicy()
}

// RetryDo runs fn under cfg, retrying transient network errors, rate
// limiting (honoring HTTPError.RetryAfter when present), and timeouts.
// Any other error (auth, permission, malformed request) is returned
// immediately without retrying.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	return reliability.Do(ctx, cfg, providerRetryable, fn)
}

// providerRetryable classifies provider HTTP failures for the retry
// driver: 5xx and 429 are retryable (429 honors Retry-After), 4xx other
// than 429 is not.
func providerRetryable(err error) (bool, time.Duration) {
	var httpErr *HTTPError
	if as, ok := err.(*HTTPError); ok {
		httpErr = as
	}
	if httpErr == nil {
		return reliability.DefaultRetryable(err)
	}
	if httpErr.Status == 429 {
		return true, httpErr.RetryAfter
	}
	if httpErr.Status >= 500 {
		return true, 0
	}
	return false, 0
}

// ParseRetryAfter parses a Retry-After header (seconds or HTTP-date).
func ParseRetryAfter(header string) time.Duration {
	return reliability.ParseRetryAfter(header)
}

// HTTPError wraps a non-2xx HTTP response from a provider API.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
