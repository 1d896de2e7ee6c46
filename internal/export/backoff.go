package export

import (
	"math/rand"
	"time"
)

// RetryConfig controls export retry behavior.
type RetryConfig struct {
	// BaseDelay is the first retry delay. Defaults to 200ms.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the exponential growth. Defaults to 30s.
	MaxDelay time.Duration `yaml:"max_delay"`

	// MaxAttempts is the attempt limit before a batch is spilled to
	// the durable spool. Defaults to 5.
	MaxAttempts int `yaml:"max_attempts"`

	// Jitter is the +/- fraction applied to each delay.
	// Defaults to 0.2.
	Jitter float64 `yaml:"jitter"`
}

// ApplyDefaults applies default values to unset fields.
func (c *RetryConfig) ApplyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}

	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}

	if c.Jitter <= 0 {
		c.Jitter = 0.2
	}
}

// backoffDelay returns the delay before retry attempt (1-based),
// exponential with jitter: base * 2^(attempt-1), capped, +/- jitter.
func (c *RetryConfig) backoffDelay(attempt int) time.Duration {
	d := c.BaseDelay

	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay {
			d = c.MaxDelay

			break
		}
	}

	// Jitter in [-j, +j].
	j := 1 + c.Jitter*(2*rand.Float64()-1) //nolint:gosec // not crypto.

	return time.Duration(float64(d) * j)
}
