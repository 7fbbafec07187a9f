package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/config"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func noEnv(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("", noEnv(t))
	require.NoError(t, err)

	d := beacon.DefaultConfig()
	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, d.MaxRetries, cfg.Retry.MaxRetries)
	assert.Equal(t, d.Interval, cfg.Submission.Interval)
	assert.Equal(t, d.BatchSize, cfg.Submission.BatchSize)
	assert.Equal(t, d.RateLimit, cfg.Submission.RateLimit)
	assert.True(t, cfg.Submission.Enabled)

	bc := cfg.Beacon()
	assert.Equal(t, d.Retention, bc.Retention)
	assert.Equal(t, d.ShutdownTimeout, bc.ShutdownTimeout)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "beacon.yaml", `
store:
  driver: memory
collector:
  endpoint: https://collector.example.com/v1/events
  timeout: 5s
retry:
  max_retries: 0
  base_delay: 250ms
submission:
  enabled: false
  batch_size: 25
log:
  level: debug
  format: json
`)

	cfg, err := config.Load(path, noEnv(t))
	require.NoError(t, err)

	assert.Equal(t, config.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "https://collector.example.com/v1/events", cfg.Collector.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.Collector.Timeout)
	assert.Equal(t, 0, cfg.Retry.MaxRetries, "explicit zero must survive")
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.False(t, cfg.Submission.Enabled)
	assert.Equal(t, 25, cfg.Submission.BatchSize)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "beacon.yaml", `
collector:
  endpoint: https://file.example.com
`)
	t.Setenv("BEACON_COLLECTOR_ENDPOINT", "https://env.example.com")
	t.Setenv("BEACON_COLLECTOR_API_KEY", "secret")
	t.Setenv("BEACON_RETRY_MAX_RETRIES", "2")

	cfg, err := config.Load(path, noEnv(t))
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.Collector.Endpoint)
	assert.Equal(t, "secret", cfg.Collector.APIKey)
	assert.Equal(t, 2, cfg.Retry.MaxRetries)
}

func TestDotEnvFile(t *testing.T) {
	const key = "BEACON_QUEUE_MAX_SIZE"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	env := writeFile(t, "test.env", key+"=42\n")
	cfg, err := config.Load("", env)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Queue.MaxSize)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", "store:\n  driver: cassandra\n"},
		{"missing sqlite path", "store:\n  driver: sqlite\n  path: \"\"\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"bad log level", "log:\n  level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "beacon.yaml", tt.body)
			_, err := config.Load(path, noEnv(t))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"), noEnv(t))
	assert.Error(t, err)
}

func TestOpenStoreMemory(t *testing.T) {
	cfg, err := config.Load("", noEnv(t))
	require.NoError(t, err)
	cfg.Store.Driver = config.DriverMemory

	s, err := cfg.OpenStore(context.Background())
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg, err := config.Load("", noEnv(t))
	require.NoError(t, err)
	cfg.Store.Path = filepath.Join(t.TempDir(), "beacon.db")

	s, err := cfg.OpenStore(context.Background())
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))
}
