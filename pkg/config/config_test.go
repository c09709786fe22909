package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "all", cfg.Radio.ConnectPolicy)
	assert.Equal(t, 30*time.Second, cfg.Radio.ConnectTimeout)
	assert.Equal(t, 10, cfg.Pump.MaxBatch)
	assert.Equal(t, 800*time.Millisecond, cfg.Pump.FlushInterval)
	assert.Equal(t, []time.Duration{0, 500 * time.Millisecond, 1500 * time.Millisecond, 3 * time.Second}, cfg.Pump.RetrySchedule)
	assert.Equal(t, SenderHTTP, cfg.Sender.Kind)
	assert.Equal(t, uint32(256), cfg.Tap.Capacity)
	assert.False(t, cfg.Normalize.Strict)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_WithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
radio:
  service_uuid: 6e400001-b5a3-f393-e0a9-e50e24dcca9e
  connect_policy: first
pump:
  max_batch: 25
  flush_interval: 2s
  retry_schedule: [0s, 1s]
normalize:
  strict: true
sender:
  url: https://ingest.example.com/records
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", cfg.Radio.ServiceUUID)
	assert.Equal(t, "first", cfg.Radio.ConnectPolicy)
	assert.Equal(t, 25, cfg.Pump.MaxBatch)
	assert.Equal(t, 2*time.Second, cfg.Pump.FlushInterval)
	assert.Equal(t, []time.Duration{0, time.Second}, cfg.Pump.RetrySchedule)
	assert.True(t, cfg.Normalize.Strict)
	assert.Equal(t, "https://ingest.example.com/records", cfg.Sender.URL)
	assert.Equal(t, 30*time.Second, cfg.Radio.ConnectTimeout, "unset keys MUST keep their defaults")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("BLESYNC_PUMP_MAX_BATCH", "5")
	t.Setenv("BLESYNC_SENDER_KIND", "redis")
	t.Setenv("BLESYNC_SENDER_TOKEN", "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Pump.MaxBatch)
	assert.Equal(t, SenderRedis, cfg.Sender.Kind)
	assert.Equal(t, "secret", cfg.Sender.Token)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("BLESYNC_SENDER_KIND", "carrier-pigeon")
	_, err = Load("")
	assert.ErrorContains(t, err, "sender.kind")
}

func TestLoad_RejectsNonPositiveSimulateInterval(t *testing.T) {
	t.Setenv("BLESYNC_SIMULATE_INTERVAL", "-1s")

	_, err := Load("")
	assert.ErrorContains(t, err, "simulate.interval", "a ticker interval <= 0 MUST be rejected at load time")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"connect policy", func(c *Config) { c.Radio.ConnectPolicy = "some" }, "connect_policy"},
		{"max batch", func(c *Config) { c.Pump.MaxBatch = 0 }, "max_batch"},
		{"flush interval", func(c *Config) { c.Pump.FlushInterval = 0 }, "flush_interval"},
		{"retry schedule", func(c *Config) { c.Pump.RetrySchedule = nil }, "retry_schedule"},
		{"tap capacity", func(c *Config) { c.Tap.Capacity = 0 }, "tap.capacity"},
		{"negative retry delay", func(c *Config) { c.Pump.RetrySchedule = []time.Duration{0, -time.Second} }, "retry_schedule[1]"},
		{"simulate interval", func(c *Config) { c.Simulate.Interval = 0 }, "simulate.interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{"creates logger with debug level", "debug", logrus.DebugLevel},
		{"creates logger with info level", "info", logrus.InfoLevel},
		{"creates logger with warn level", "warn", logrus.WarnLevel},
		{"falls back to info on garbage", "loud", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestConfig_YAML(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sender.Token = "secret"

	out, err := cfg.YAML()
	require.NoError(t, err)

	text := string(out)
	assert.Contains(t, text, "flush_interval: 800ms")
	assert.Contains(t, text, "- 1.5s")
	assert.Contains(t, text, "max_batch: 10")
	assert.NotContains(t, text, "secret", "token MUST be masked")
	assert.Equal(t, "secret", cfg.Sender.Token, "masking MUST NOT modify the config")
}
