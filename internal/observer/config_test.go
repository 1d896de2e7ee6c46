package observer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("EXPORT_ADDR", "127.0.0.1:7001")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":9000", cfg.Listener.Addr)
	assert.Equal(t, 10*time.Second, cfg.Aggregation.WindowDuration)
	assert.Equal(t, 5*time.Second, cfg.Aggregation.GracePeriod)
	assert.Equal(t, 15*time.Second, cfg.ShutdownGrace)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	content := `
log_level: debug
listener:
  addr: 127.0.0.1:7000
aggregation:
  window_duration: 30s
export:
  downstream:
    address: 127.0.0.1:7001
    compression: zstd
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listener.Addr)
	assert.Equal(t, 30*time.Second, cfg.Aggregation.WindowDuration)
	assert.Equal(t, "127.0.0.1:7001", cfg.Export.Downstream.Address)
	assert.Equal(t, "zstd", cfg.Export.Downstream.Compression)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	content := `
listener:
  addr: 127.0.0.1:7000
export:
  downstream:
    address: 127.0.0.1:7001
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("LISTEN_ADDR", "127.0.0.1:8000")
	t.Setenv("EXPORT_ADDR", "127.0.0.1:8001")
	t.Setenv("WINDOW_SECS", "60")
	t.Setenv("GRACE_SECS", "7")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8000", cfg.Listener.Addr)
	assert.Equal(t, "127.0.0.1:8001", cfg.Export.Downstream.Address)
	assert.Equal(t, 60*time.Second, cfg.Aggregation.WindowDuration)
	assert.Equal(t, 7*time.Second, cfg.Aggregation.GracePeriod)
}

func TestInvalidWindowSecsRejected(t *testing.T) {
	t.Setenv("WINDOW_SECS", "zero")

	_, err := LoadConfig("")
	require.Error(t, err)
}

func TestMissingDownstreamAddressRejected(t *testing.T) {
	t.Setenv("EXPORT_ADDR", "")

	_, err := LoadConfig("")
	require.Error(t, err)
}

func TestMissingConfigFileRejected(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
