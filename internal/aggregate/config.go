package aggregate

import (
	"fmt"
	"time"
)

// Config configures the aggregation engine.
type Config struct {
	// WindowDuration is the aggregation window size.
	// Defaults to 10s.
	WindowDuration time.Duration `yaml:"window_duration"`

	// GracePeriod is how long after a window's end late records are
	// still accepted. Defaults to 5s.
	GracePeriod time.Duration `yaml:"grace_period"`

	// Workers is the number of goroutines applying records to
	// windows. Records are partitioned by connection so per-connection
	// order is preserved. Defaults to 4.
	Workers int `yaml:"workers"`

	// QueueSize is the per-worker inbound record queue capacity.
	// A full queue suspends the producing connection. Defaults to 4096.
	QueueSize int `yaml:"queue_size"`

	// SweepInterval is how often window states are advanced.
	// Defaults to 500ms.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// HistogramBoundaries are the upper bucket bounds used for
	// histogram windows. Fixed at window creation.
	HistogramBoundaries []float64 `yaml:"histogram_boundaries"`
}

// DefaultHistogramBoundaries covers sub-millisecond to multi-second
// observations, one decade per pair of buckets.
var DefaultHistogramBoundaries = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50,
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.WindowDuration <= 0 {
		c.WindowDuration = 10 * time.Second
	}

	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}

	if c.Workers <= 0 {
		c.Workers = 4
	}

	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}

	if c.SweepInterval <= 0 {
		c.SweepInterval = 500 * time.Millisecond
	}

	if len(c.HistogramBoundaries) == 0 {
		c.HistogramBoundaries = DefaultHistogramBoundaries
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	for i := 1; i < len(c.HistogramBoundaries); i++ {
		if c.HistogramBoundaries[i] <= c.HistogramBoundaries[i-1] {
			return fmt.Errorf(
				"histogram_boundaries must be strictly increasing at index %d",
				i,
			)
		}
	}

	return nil
}
