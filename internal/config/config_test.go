package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
)

// isolate points the env file lookup at an empty temp dir so a developer
// .env never leaks into tests.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("TELEMETRYD_ENV_FILE", "")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7660", cfg.ListenAddr)
	assert.Equal(t, ":9092", cfg.MetricsAddr)
	assert.Equal(t, "memory://", cfg.StoreURL)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 50, cfg.Telemetry.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Telemetry.FlushInterval)
	assert.Equal(t, 3, cfg.Telemetry.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Flags.TTL)
	assert.Equal(t, 4*time.Hour, cfg.Cost.Cooldown)
	assert.Equal(t, 90, cfg.Cost.RetentionDays)
	assert.Zero(t, cfg.Cost.DailyLimit)
	assert.Empty(t, cfg.EnvFile)
}

func TestLoadFromEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("TELEMETRYD_LISTEN_ADDR", "127.0.0.1:8080")
	t.Setenv("TELEMETRYD_TELEMETRY_ENABLED", "false")
	t.Setenv("TELEMETRYD_BATCH_SIZE", "10")
	t.Setenv("TELEMETRYD_FLUSH_INTERVAL", "5s")
	t.Setenv("TELEMETRYD_SINK_URL", "https://collector.example.com/v1/batch")
	t.Setenv("TELEMETRYD_FLAGS_FILE", "/etc/telemetryd/flags.yaml")
	t.Setenv("TELEMETRYD_COST_DAILY_LIMIT", "12.5")
	t.Setenv("TELEMETRYD_ALERT_COOLDOWN", "1h")
	t.Setenv("TELEMETRYD_SMTP_TO", "ops@example.com, finance@example.com")
	t.Setenv("TELEMETRYD_WEBHOOK_URLS", "https://hooks.example.com/a,https://hooks.example.com/b")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 10, cfg.Telemetry.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Telemetry.FlushInterval)
	assert.Equal(t, "/etc/telemetryd/flags.yaml", cfg.Flags.File)
	assert.Equal(t, 12.5, cfg.Cost.DailyLimit)
	assert.Equal(t, time.Hour, cfg.Cost.Cooldown)
	assert.Equal(t, []string{"ops@example.com", "finance@example.com"}, cfg.Email.To)
	assert.Len(t, cfg.Webhooks, 2)
}

func TestLoadEnvFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.env")
	require.NoError(t, os.WriteFile(path, []byte("TELEMETRYD_METRICS_ADDR=:9999\nTELEMETRYD_BATCH_SIZE=7\n"), 0o600))
	t.Setenv("TELEMETRYD_ENV_FILE", path)
	// Real environment wins over the file.
	t.Setenv("TELEMETRYD_BATCH_SIZE", "8")
	// godotenv sets variables process-wide; unset after the test.
	t.Cleanup(func() { _ = os.Unsetenv("TELEMETRYD_METRICS_ADDR") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, path, cfg.EnvFile)
	assert.Equal(t, ":9999", cfg.MetricsAddr)
	assert.Equal(t, 8, cfg.Telemetry.BatchSize)
}

func TestLoadMissingExplicitEnvFile(t *testing.T) {
	dir := isolate(t)
	t.Setenv("TELEMETRYD_ENV_FILE", filepath.Join(dir, "nope.env"))

	_, err := Load()
	assert.ErrorIs(t, err, telerrors.ErrConfiguration)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad integer", "TELEMETRYD_BATCH_SIZE", "lots"},
		{"bad duration", "TELEMETRYD_FLUSH_INTERVAL", "soon"},
		{"bad float", "TELEMETRYD_COST_DAILY_LIMIT", "ten"},
		{"zero batch", "TELEMETRYD_BATCH_SIZE", "0"},
		{"negative limit", "TELEMETRYD_COST_WEEKLY_LIMIT", "-1"},
		{"bad log format", "TELEMETRYD_LOG_FORMAT", "xml"},
		{"bad sink", "TELEMETRYD_SINK_URL", "ftp://collector"},
		{"bad webhook", "TELEMETRYD_WEBHOOK_URLS", "not a url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, telerrors.ErrConfiguration)
		})
	}
}

func TestValidateFlagsSourcesAreExclusive(t *testing.T) {
	cfg := Default()
	cfg.Flags.URL = "https://flags.example.com"
	cfg.Flags.File = "flags.yaml"
	assert.ErrorContains(t, cfg.Validate(), "mutually exclusive")
}
