// Package config loads the scheduler configuration with viper.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/rent-scheduler/internal/model"
)

// EnvPrefix prefixes every environment override (RENTJOBS_DATABASE_PATH, ...)
const EnvPrefix = "RENTJOBS"

// Config is the full process configuration
type Config struct {
	App      AppConfig              `mapstructure:"app"`
	Database DatabaseConfig         `mapstructure:"database"`
	HTTP     HTTPConfig             `mapstructure:"http"`
	NATS     NATSConfig             `mapstructure:"nats"`
	Redis    RedisConfig            `mapstructure:"redis"`
	SMTP     SMTPConfig             `mapstructure:"smtp"`
	Alerts   AlertsConfig           `mapstructure:"alerts"`
	Logs     LogsConfig             `mapstructure:"logs"`
	Health   HealthConfig           `mapstructure:"health"`
	Executor ExecutorConfig         `mapstructure:"executor"`
	Reports  ReportsConfig          `mapstructure:"reports"`
	Billing  BillingConfig          `mapstructure:"billing"`
	Jobs     map[string]JobOverride `mapstructure:"jobs"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Timezone string `mapstructure:"timezone"`
	Debug    bool   `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// Worker runs the JetStream consumer in this process.
	Worker bool `mapstructure:"worker"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type AlertsConfig struct {
	Recipients    []string `mapstructure:"recipients"`
	Burst         int      `mapstructure:"burst"`
	RefillPerHour float64  `mapstructure:"refill_per_hour"`
}

type LogsConfig struct {
	RetentionDays int           `mapstructure:"retention_days"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
	MaxBuffered   int           `mapstructure:"max_buffered"`
}

type HealthConfig struct {
	Window           time.Duration `mapstructure:"window"`
	StuckAfter       time.Duration `mapstructure:"stuck_after"`
	MaxRunning       int           `mapstructure:"max_running"`
	MaxAvgDuration   time.Duration `mapstructure:"max_avg_duration"`
	MinSuccessRate   float64       `mapstructure:"min_success_rate"`
	BacklogThreshold uint64        `mapstructure:"backlog_threshold"`
	MemoryThreshold  float64       `mapstructure:"memory_threshold"`
}

type ExecutorConfig struct {
	MaxRunning     int           `mapstructure:"max_running"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type ReportsConfig struct {
	S3 S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Enabled         bool   `mapstructure:"enabled"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Prefix          string `mapstructure:"prefix"`
	PathStyle       bool   `mapstructure:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type BillingConfig struct {
	FailureRate float64       `mapstructure:"failure_rate"`
	Latency     time.Duration `mapstructure:"latency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// JobOverride replaces fields of one schedule table row. Zero values keep the default.
type JobOverride struct {
	Cron         string        `mapstructure:"cron"`
	Enabled      *bool         `mapstructure:"enabled"`
	Queue        string        `mapstructure:"queue"`
	Timezone     string        `mapstructure:"timezone"`
	MaxRetries   *int          `mapstructure:"max_retries"`
	RetryDelayMs *int64        `mapstructure:"retry_delay_ms"`
	MaxExecution time.Duration `mapstructure:"max_execution"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "rent-scheduler")
	v.SetDefault("app.timezone", "UTC")
	v.SetDefault("app.debug", false)

	v.SetDefault("database.path", "rent_scheduler.db")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.worker", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "billing@localhost")
	v.SetDefault("smtp.timeout", 30*time.Second)

	v.SetDefault("alerts.recipients", []string{})
	v.SetDefault("alerts.burst", 1)
	v.SetDefault("alerts.refill_per_hour", 4)

	v.SetDefault("logs.retention_days", 90)
	v.SetDefault("logs.flush_interval", 5*time.Second)
	v.SetDefault("logs.purge_interval", 24*time.Hour)
	v.SetDefault("logs.max_buffered", 10000)

	v.SetDefault("health.window", 24*time.Hour)
	v.SetDefault("health.stuck_after", 30*time.Minute)
	v.SetDefault("health.max_running", 10)
	v.SetDefault("health.max_avg_duration", 30*time.Minute)
	v.SetDefault("health.min_success_rate", 0.80)
	v.SetDefault("health.backlog_threshold", 100)
	v.SetDefault("health.memory_threshold", 90)

	v.SetDefault("executor.max_running", 20)
	v.SetDefault("executor.sample_interval", 30*time.Second)

	v.SetDefault("reports.s3.enabled", false)
	v.SetDefault("reports.s3.bucket", "")
	v.SetDefault("reports.s3.region", "us-east-1")
	v.SetDefault("reports.s3.endpoint", "")
	v.SetDefault("reports.s3.prefix", "reports")
	v.SetDefault("reports.s3.path_style", false)
	v.SetDefault("reports.s3.access_key_id", "")
	v.SetDefault("reports.s3.secret_access_key", "")

	v.SetDefault("billing.failure_rate", 0.0)
	v.SetDefault("billing.latency", 200*time.Millisecond)
	v.SetDefault("billing.timeout", 30*time.Second)
}

// Load reads configuration from file (or ./config/config.yaml when empty),
// defaults and RENTJOBS_* environment variables. A missing default file is not an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at startup
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("invalid app.timezone %q: %w", c.App.Timezone, err)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Billing.FailureRate < 0 || c.Billing.FailureRate > 1 {
		return fmt.Errorf("billing.failure_rate %.2f out of range 0-1", c.Billing.FailureRate)
	}
	if c.Health.MinSuccessRate < 0 || c.Health.MinSuccessRate > 1 {
		return fmt.Errorf("health.min_success_rate %.2f out of range 0-1", c.Health.MinSuccessRate)
	}
	if c.Alerts.Burst < 1 {
		return errors.New("alerts.burst must be at least 1")
	}
	if c.Reports.S3.Enabled && c.Reports.S3.Bucket == "" {
		return errors.New("reports.s3.bucket is required when archiving is enabled")
	}
	return nil
}

// Location returns the configured time zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ApplyOverrides merges jobs.<slug> overrides into the schedule table
func (c *Config) ApplyOverrides(defs []model.JobDefinition) ([]model.JobDefinition, error) {
	index := make(map[string]int, len(defs))
	for i, d := range defs {
		index[d.Slug] = i
	}

	slugs := make([]string, 0, len(c.Jobs))
	for slug := range c.Jobs {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	out := make([]model.JobDefinition, len(defs))
	copy(out, defs)
	for _, slug := range slugs {
		i, ok := index[slug]
		if !ok {
			return nil, fmt.Errorf("jobs.%s: unknown job", slug)
		}
		o := c.Jobs[slug]
		def := &out[i]
		if o.Cron != "" {
			def.CronExpression = o.Cron
		}
		if o.Enabled != nil {
			def.Enabled = *o.Enabled
		}
		if o.Queue != "" {
			def.Queue = o.Queue
		}
		if o.Timezone != "" {
			def.Timezone = o.Timezone
		}
		if o.MaxRetries != nil {
			if *o.MaxRetries < 0 {
				return nil, fmt.Errorf("jobs.%s.max_retries must not be negative", slug)
			}
			def.RetryPolicy.MaxRetries = *o.MaxRetries
		}
		if o.RetryDelayMs != nil {
			def.RetryPolicy.RetryDelayMs = *o.RetryDelayMs
		}
		if o.MaxExecution > 0 {
			def.MaxExecution = o.MaxExecution
		}
	}
	return out, nil
}
