package reliability

import (
	"sync"
	"time"
)

// State is one of the three circuit-breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig tunes a Breaker. Zero values fall back to the spec defaults.
type BreakerConfig struct {
	FailureThreshold  int           // consecutive failures to trip (default 5)
	SuccessThreshold  int           // consecutive half-open successes to close (default 3)
	RecoveryTimeout   time.Duration // open → half_open wait (default 30s)
}

// DefaultBreakerConfig returns the spec's defaults: 5 failures to open, 3
// successes to close, 30s recovery timeout.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Breaker is a closed → open → half_open circuit breaker with single-probe
// semantics: only one caller is allowed to probe per recovery boundary,
// everyone else sees the breaker as still open until the probe resolves.
type Breaker struct {
	mu sync.Mutex
	cfg BreakerConfig

	state            State
	consecutiveFails int
	consecutiveOK    int
	openedAt         time.Time
	probing          bool
	now              func() time.Time
}

// NewBreaker creates a Breaker in the closed state. Zero fields in cfg are
// replaced with DefaultBreakerConfig's values.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// CanExecute reports whether a call is allowed to proceed right now. It
// transitions open → half_open once the recovery timeout elapses, and only
// grants the probe to the first caller that observes the transition.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.consecutiveOK = 0
		b.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.consecutiveOK++
		b.probing = false
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.consecutiveFails = 0
			b.consecutiveOK = 0
		}
	case StateClosed:
		b.consecutiveFails = 0
	}
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// A probe failure immediately re-opens the circuit.
		b.state = StateOpen
		b.openedAt = b.now()
		b.consecutiveOK = 0
		b.probing = false
	case StateClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
}

// Status returns the current state for diagnostics/tests.
func (b *Breaker) Status() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry holds named Breakers and Limiters keyed by a caller-chosen scope
// (typically provider name or "provider:model"), so the coordinator and
// providers share a single instance per target instead of allocating one
// per request.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	limiters map[string]*Limiter

	breakerCfg BreakerConfig
	limiterCapacity, limiterRefill float64
}

// NewRegistry creates a Registry that lazily creates Breakers/Limiters with
// the given defaults on first use of a new key.
func NewRegistry(breakerCfg BreakerConfig, limiterCapacity, limiterRefillPerSec float64) *Registry {
	return &Registry{
		breakers:        make(map[string]*Breaker),
		limiters:        make(map[string]*Limiter),
		breakerCfg:      breakerCfg,
		limiterCapacity: limiterCapacity,
		limiterRefill:   limiterRefillPerSec,
	}
}

// Breaker returns the Breaker for key, creating one if needed.
func (r *Registry) Breaker(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := NewBreaker(r.breakerCfg)
	r.breakers[key] = b
	return b
}

// Limiter returns the Limiter for key, creating one if needed.
func (r *Registry) Limiter(key string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := NewLimiter(r.limiterCapacity, r.limiterRefill)
	r.limiters[key] = l
	return l
}

// Snapshot reports every breaker's current state, keyed by scope. For
// status endpoints and dashboards.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.Status()
	}
	return out
}
