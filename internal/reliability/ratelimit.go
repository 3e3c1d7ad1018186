package reliability

import (
	"sync"
	"time"
)

// Limiter is a non-blocking token bucket. Capacity is the bucket size;
// refillPerSec is the steady-state replenishment rate. Take never blocks —
// callers that are denied get a retryInMs hint for how long to back off.
type Limiter struct {
	mu           sync.Mutex
	capacity     float64
	refillPerSec float64
	tokens       float64
	lastRefill   time.Time
	now          func() time.Time
}

// NewLimiter creates a Limiter starting full.
func NewLimiter(capacity, refillPerSec float64) *Limiter {
	return &Limiter{
		capacity:     capacity,
		refillPerSec: refillPerSec,
		tokens:       capacity,
		lastRefill:   time.Now(),
		now:          time.Now,
	}
}

// Take attempts to withdraw n tokens. On success it returns (true, 0). On
// failure it returns (false, retryInMs), the estimated time until n tokens
// would be available given the current refill rate.
func (l *Limiter) Take(n float64) (ok bool, retryInMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= n {
		l.tokens -= n
		return true, 0
	}

	deficit := n - l.tokens
	if l.refillPerSec <= 0 {
		return false, -1
	}
	waitSec := deficit / l.refillPerSec
	return false, int64(waitSec * 1000)
}

// Available reports the current token count without consuming any.
func (l *Limiter) Available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.refillPerSec
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.lastRefill = now
}
