// Package config loads telemetryd settings from an optional .env file and
// TELEMETRYD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
	"github.com/rcourtman/telemetry-control/internal/notifications"
	"github.com/rcourtman/telemetry-control/internal/utils"
)

const envPrefix = "TELEMETRYD_"

// Config is the fully resolved service configuration.
type Config struct {
	ListenAddr     string
	MetricsAddr    string
	StoreURL       string
	AllowedOrigins []string

	LogLevel    string
	LogFormat   string
	LogFile     string
	LogMaxSize  int
	LogMaxAge   int
	LogCompress bool

	Telemetry TelemetryConfig
	Flags     FlagsConfig
	Cost      CostConfig

	Email    notifications.EmailConfig
	Webhooks []string

	// EnvFile is the .env file that was applied, if any.
	EnvFile string
}

// TelemetryConfig configures the event buffer and the ingest endpoint.
type TelemetryConfig struct {
	Enabled        bool
	SinkURL        string
	BatchSize      int
	FlushInterval  time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	// IngestRate is requests per second accepted by the ingest endpoint.
	IngestRate  float64
	IngestBurst int
}

// FlagsConfig selects where rollout configuration comes from.
type FlagsConfig struct {
	URL   string
	Token string
	File  string
	TTL   time.Duration
}

// CostConfig configures pricing and spend thresholds.
type CostConfig struct {
	PricingFile   string
	DailyLimit    float64
	WeeklyLimit   float64
	MonthlyLimit  float64
	Cooldown      time.Duration
	RetentionDays int
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ListenAddr:  ":7660",
		MetricsAddr: ":9092",
		StoreURL:    "memory://",
		LogLevel:    "info",
		LogFormat:   "auto",
		LogMaxSize:  100,
		LogMaxAge:   30,
		LogCompress: true,
		Telemetry: TelemetryConfig{
			Enabled:        true,
			BatchSize:      50,
			FlushInterval:  30 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			IngestRate:     20,
			IngestBurst:    40,
		},
		Flags: FlagsConfig{
			TTL: 5 * time.Minute,
		},
		Cost: CostConfig{
			Cooldown:      4 * time.Hour,
			RetentionDays: 90,
		},
		Email: notifications.EmailConfig{
			Port:     587,
			StartTLS: true,
		},
	}
}

// Load applies the .env file (TELEMETRYD_ENV_FILE, default ./.env) and then
// the environment on top of the defaults, and validates the result.
// Variables already present in the environment win over the file.
func Load() (*Config, error) {
	cfg := Default()

	envFile := utils.GetenvTrim(envPrefix + "ENV_FILE")
	explicit := envFile != ""
	if !explicit {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, telerrors.WrapConfigError("load_env", envFile, err)
		}
		cfg.EnvFile = envFile
		log.Info().Str("file", envFile).Msg("Loaded environment file")
	} else if explicit {
		return nil, telerrors.WrapConfigError("load_env", envFile, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, telerrors.WrapConfigError("load_config", "environment", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, telerrors.WrapConfigError("load_config", "validate", err)
	}
	return cfg, nil
}

func env(name string) string {
	return utils.GetenvTrim(envPrefix + name)
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v := env(name); v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		v, err := utils.GetenvInt(envPrefix+name, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	float := func(name string, dst *float64) {
		v, err := utils.GetenvFloat(envPrefix+name, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	duration := func(name string, dst *time.Duration) {
		v, err := utils.GetenvDuration(envPrefix+name, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	boolean := func(name string, dst *bool) {
		*dst = utils.GetenvBool(envPrefix+name, *dst)
	}
	list := func(name string, dst *[]string) {
		if v := env(name); v != "" {
			*dst = utils.SplitList(v)
		}
	}

	str("LISTEN_ADDR", &c.ListenAddr)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("STORE_URL", &c.StoreURL)
	list("ALLOWED_ORIGINS", &c.AllowedOrigins)

	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("LOG_FILE", &c.LogFile)
	integer("LOG_MAX_SIZE", &c.LogMaxSize)
	integer("LOG_MAX_AGE", &c.LogMaxAge)
	boolean("LOG_COMPRESS", &c.LogCompress)

	boolean("TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	str("SINK_URL", &c.Telemetry.SinkURL)
	integer("BATCH_SIZE", &c.Telemetry.BatchSize)
	duration("FLUSH_INTERVAL", &c.Telemetry.FlushInterval)
	integer("MAX_RETRIES", &c.Telemetry.MaxRetries)
	duration("RETRY_BASE_DELAY", &c.Telemetry.RetryBaseDelay)
	float("INGEST_RATE", &c.Telemetry.IngestRate)
	integer("INGEST_BURST", &c.Telemetry.IngestBurst)

	str("FLAGS_URL", &c.Flags.URL)
	str("FLAGS_TOKEN", &c.Flags.Token)
	str("FLAGS_FILE", &c.Flags.File)
	duration("FLAGS_TTL", &c.Flags.TTL)

	str("PRICING_FILE", &c.Cost.PricingFile)
	float("COST_DAILY_LIMIT", &c.Cost.DailyLimit)
	float("COST_WEEKLY_LIMIT", &c.Cost.WeeklyLimit)
	float("COST_MONTHLY_LIMIT", &c.Cost.MonthlyLimit)
	duration("ALERT_COOLDOWN", &c.Cost.Cooldown)
	integer("COST_RETENTION_DAYS", &c.Cost.RetentionDays)

	str("SMTP_HOST", &c.Email.Host)
	integer("SMTP_PORT", &c.Email.Port)
	str("SMTP_USERNAME", &c.Email.Username)
	str("SMTP_PASSWORD", &c.Email.Password)
	str("SMTP_FROM", &c.Email.From)
	str("SMTP_FROM_NAME", &c.Email.FromName)
	list("SMTP_TO", &c.Email.To)
	boolean("SMTP_STARTTLS", &c.Email.StartTLS)

	list("WEBHOOK_URLS", &c.Webhooks)

	return errors.Join(errs...)
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("listen address is required"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console", "auto":
	default:
		errs = append(errs, fmt.Errorf("log format %q must be json, console or auto", c.LogFormat))
	}
	if c.Telemetry.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be at least 1, got %d", c.Telemetry.BatchSize))
	}
	if c.Telemetry.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("flush interval must be positive"))
	}
	if c.Telemetry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative"))
	}
	if c.Telemetry.RetryBaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("retry base delay must be positive"))
	}
	if c.Telemetry.IngestRate <= 0 || c.Telemetry.IngestBurst < 1 {
		errs = append(errs, fmt.Errorf("ingest rate and burst must be positive"))
	}
	if c.Telemetry.Enabled && c.Telemetry.SinkURL != "" {
		if err := validateHTTPURL(c.Telemetry.SinkURL); err != nil {
			errs = append(errs, fmt.Errorf("sink URL: %w", err))
		}
	}
	if c.Flags.URL != "" && c.Flags.File != "" {
		errs = append(errs, fmt.Errorf("flags URL and flags file are mutually exclusive"))
	}
	if c.Flags.TTL <= 0 {
		errs = append(errs, fmt.Errorf("flags TTL must be positive"))
	}
	for name, v := range map[string]float64{
		"daily":   c.Cost.DailyLimit,
		"weekly":  c.Cost.WeeklyLimit,
		"monthly": c.Cost.MonthlyLimit,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s cost limit must not be negative", name))
		}
	}
	if c.Cost.Cooldown <= 0 {
		errs = append(errs, fmt.Errorf("alert cooldown must be positive"))
	}
	if c.Cost.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("cost retention must be at least one day"))
	}
	if c.Email.Port < 1 || c.Email.Port > 65535 {
		errs = append(errs, fmt.Errorf("SMTP port %d out of range", c.Email.Port))
	}
	for _, hook := range c.Webhooks {
		if err := validateHTTPURL(hook); err != nil {
			errs = append(errs, fmt.Errorf("webhook %q: %w", hook, err))
		}
	}
	return errors.Join(errs...)
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
