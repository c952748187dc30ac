package engine

import (
	"time"

	"github.com/hapiai/lmslink/internal/core"
)

// circuitBreaker counts consecutive failures and opens for a fixed cooldown
// once the threshold is reached. It is guarded by the limiter's mutex.
type circuitBreaker struct {
	failures int
	open     bool
	reopenAt time.Time
}

func (c *circuitBreaker) isOpen(now time.Time) bool {
	return c.open && now.Before(c.reopenAt)
}

// recordSuccess decays the failure count by one.
func (c *circuitBreaker) recordSuccess() {
	if c.failures > 0 {
		c.failures--
	}
}

// recordFailure returns true when this failure opened the breaker.
func (c *circuitBreaker) recordFailure(now time.Time, threshold int, cooldown time.Duration) bool {
	c.failures++
	if c.open || c.failures < threshold {
		return false
	}
	c.open = true
	c.reopenAt = now.Add(cooldown)
	return true
}

func (c *circuitBreaker) reset() {
	c.failures = 0
	c.open = false
	c.reopenAt = time.Time{}
}

func (c *circuitBreaker) state(now time.Time) core.CircuitState {
	state := core.CircuitState{ConsecutiveFailures: c.failures}
	if c.isOpen(now) {
		state.Open = true
		state.ReopenAt = c.reopenAt
	}
	return state
}
