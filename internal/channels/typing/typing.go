// Package typing drives chat "typing…" indicators with keepalive and a
// TTL safety net. Chat platforms expire typing state after a few seconds
// (Telegram 5s, Discord 10s), so the controller re-sends on an interval
// until stopped or the max duration elapses.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a typing Controller.
type Options struct {
	// MaxDuration auto-stops the indicator to prevent stuck typing state
	// when the caller forgets to Stop (default 60s).
	MaxDuration time.Duration
	// KeepaliveInterval re-invokes StartFn to refresh the platform's
	// typing TTL (default 4s).
	KeepaliveInterval time.Duration
	// StartFn sends one typing action to the platform.
	StartFn func() error
}

// Controller manages one typing indicator lifecycle.
type Controller struct {
	opts Options

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// New creates a Controller. Call Start to begin sending.
func New(opts Options) *Controller {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 60 * time.Second
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 4 * time.Second
	}
	return &Controller{opts: opts, done: make(chan struct{})}
}

// Start sends the first typing action immediately and keeps refreshing it
// until Stop is called or MaxDuration elapses.
func (c *Controller) Start() {
	if c.opts.StartFn == nil {
		return
	}
	if err := c.opts.StartFn(); err != nil {
		slog.Debug("typing indicator send failed", "error", err)
	}

	go func() {
		ticker := time.NewTicker(c.opts.KeepaliveInterval)
		defer ticker.Stop()
		deadline := time.NewTimer(c.opts.MaxDuration)
		defer deadline.Stop()

		for {
			select {
			case <-c.done:
				return
			case <-deadline.C:
				c.Stop()
				return
			case <-ticker.C:
				if err := c.opts.StartFn(); err != nil {
					slog.Debug("typing keepalive failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the keepalive loop. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.done)
}
