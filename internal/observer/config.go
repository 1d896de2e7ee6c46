package observer

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/observer/internal/aggregate"
	"github.com/ethpandaops/observer/internal/export"
	"github.com/ethpandaops/observer/internal/listener"
	"github.com/ethpandaops/observer/internal/spool"
)

// Config is the top-level service configuration.
type Config struct {
	// LogLevel is the logging level (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Listener configures telemetry ingestion.
	Listener listener.Config `yaml:"listener"`

	// Aggregation configures windowing and accumulation.
	Aggregation aggregate.Config `yaml:"aggregation"`

	// Export configures batch dispatch to downstream consumers.
	Export export.Config `yaml:"export"`

	// Spool configures the durable overflow queue.
	Spool spool.Config `yaml:"spool"`

	// Health configures the Prometheus metrics server.
	Health export.HealthConfig `yaml:"health"`

	// ShutdownGrace bounds the drain at shutdown. Defaults to 15s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// DefaultConfig returns a config with all defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()

	return cfg
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 15 * time.Second
	}

	c.Listener.ApplyDefaults()
	c.Aggregation.ApplyDefaults()
	c.Export.ApplyDefaults()
	c.Spool.ApplyDefaults()
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Listener.Validate(); err != nil {
		return err
	}

	if err := c.Aggregation.Validate(); err != nil {
		return err
	}

	if err := c.Export.Validate(); err != nil {
		return err
	}

	return nil
}

// LoadConfig reads the YAML config at path, then applies environment
// overrides, defaults, and validation. An empty path yields the
// defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv applies environment variable overrides. Environment wins
// over the config file.
func (c *Config) applyEnv() error {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Listener.Addr = v
	}

	if v := os.Getenv("EXPORT_ADDR"); v != "" {
		c.Export.Downstream.Address = v
	}

	if v := os.Getenv("WINDOW_SECS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid WINDOW_SECS %q", v)
		}

		c.Aggregation.WindowDuration = time.Duration(secs) * time.Second
	}

	if v := os.Getenv("GRACE_SECS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid GRACE_SECS %q", v)
		}

		c.Aggregation.GracePeriod = time.Duration(secs) * time.Second
	}

	return nil
}
