package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/scheduler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Name)
	assert.Equal(t, "UTC", cfg.App.Timezone)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 90, cfg.Logs.RetentionDays)
	assert.Equal(t, 5*time.Second, cfg.Logs.FlushInterval)
	assert.Equal(t, 0.80, cfg.Health.MinSuccessRate)
	assert.Equal(t, 30*time.Minute, cfg.Health.StuckAfter)
	assert.Equal(t, uint64(100), cfg.Health.BacklogThreshold)
	assert.False(t, cfg.NATS.Enabled)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
app:
  timezone: America/New_York
database:
  path: /var/lib/rent/jobs.db
smtp:
  host: smtp.example.com
  timeout: 5s
alerts:
  recipients: [ops@example.com, oncall@example.com]
billing:
  failure_rate: 0.05
jobs:
  analytics:
    cron: "30 22 * * *"
    enabled: false
  reminder-email:
    max_retries: 5
    retry_delay_ms: 1000
`)
	t.Setenv("RENTJOBS_DATABASE_PATH", "/tmp/override.db")
	t.Setenv("RENTJOBS_HTTP_ADDR", ":9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)
	assert.Equal(t, 5*time.Second, cfg.SMTP.Timeout)
	assert.Equal(t, []string{"ops@example.com", "oncall@example.com"}, cfg.Alerts.Recipients)
	assert.Equal(t, "America/New_York", cfg.Location().String())

	defs, err := cfg.ApplyOverrides(scheduler.DefaultDefinitions(cfg.App.Timezone))
	require.NoError(t, err)
	bySlug := make(map[string]model.JobDefinition)
	for _, d := range defs {
		bySlug[d.Slug] = d
	}
	assert.Equal(t, "30 22 * * *", bySlug[model.JobAnalytics].CronExpression)
	assert.False(t, bySlug[model.JobAnalytics].Enabled)
	assert.Equal(t, 5, bySlug[model.JobReminderEmail].RetryPolicy.MaxRetries)
	assert.Equal(t, int64(1000), bySlug[model.JobReminderEmail].RetryPolicy.RetryDelayMs)
	assert.Equal(t, "0 6 1 * *", bySlug[model.JobRentGeneration].CronExpression)
	assert.Equal(t, "America/New_York", bySlug[model.JobRentGeneration].Timezone)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"BadTimezone", "app:\n  timezone: Mars/Olympus\n"},
		{"FailureRate", "billing:\n  failure_rate: 1.5\n"},
		{"S3WithoutBucket", "reports:\n  s3:\n    enabled: true\n"},
		{"Malformed", "app: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyOverridesUnknownJob(t *testing.T) {
	cfg := &Config{Jobs: map[string]JobOverride{"rent-collection": {Cron: "* * * * *"}}}
	_, err := cfg.ApplyOverrides(scheduler.DefaultDefinitions("UTC"))
	assert.ErrorContains(t, err, "unknown job")
}
