package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayGrowsExponentially(t *testing.T) {
	cfg := RetryConfig{}
	cfg.ApplyDefaults()

	expected := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}

	for attempt, base := range expected {
		d := cfg.backoffDelay(attempt + 1)

		lo := time.Duration(float64(base) * (1 - cfg.Jitter))
		hi := time.Duration(float64(base) * (1 + cfg.Jitter))

		assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt+1)
		assert.LessOrEqual(t, d, hi, "attempt %d", attempt+1)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	cfg := RetryConfig{}
	cfg.ApplyDefaults()

	d := cfg.backoffDelay(30)

	hi := time.Duration(float64(cfg.MaxDelay) * (1 + cfg.Jitter))
	assert.LessOrEqual(t, d, hi)

	lo := time.Duration(float64(cfg.MaxDelay) * (1 - cfg.Jitter))
	assert.GreaterOrEqual(t, d, lo)
}
