// Package config loads the process configuration from an optional YAML file
// with environment-variable overrides. Secret validation is strict in
// production: a missing or short AUTH_SECRET aborts startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/cost-watchdog/backend/internal/core"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Retention RetentionConfig `yaml:"retention"`
	SMTP      SMTPConfig      `yaml:"smtp"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"` // "production" enables fail-closed limits, HSTS, strict secrets
}

type DatabaseConfig struct {
	URL string `yaml:"url" validate:"required"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type AuthConfig struct {
	Secret             string        `yaml:"secret"`
	CookieSecret       string        `yaml:"cookie_secret"`
	FieldEncryptionKey string        `yaml:"field_encryption_key"`
	AccessTTL          time.Duration `yaml:"access_ttl"`
	RefreshTTL         time.Duration `yaml:"refresh_ttl"`
}

type AlertsConfig struct {
	MaxAlertsPerDay int    `yaml:"max_alerts_per_day"`
	DefaultEmail    string `yaml:"default_email"`
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	TeamsWebhookURL string `yaml:"teams_webhook_url"`
}

type AnomalyConfig struct {
	YoYDeviationPercent   float64 `yaml:"yoy_deviation_percent"`
	MoMDeviationPercent   float64 `yaml:"mom_deviation_percent"`
	PricePerUnitPercent   float64 `yaml:"price_per_unit_percent"`
	BudgetExceededPercent float64 `yaml:"budget_exceeded_percent"`
	MinHistoricalMonths   int     `yaml:"min_historical_months"`
}

type RetentionConfig struct {
	Schedule          string `yaml:"schedule"` // five-field cron
	OutboxDays        int    `yaml:"outbox_days"`
	LoginAttemptDays  int    `yaml:"login_attempt_days"`
	PasswordResetDays int    `yaml:"password_reset_days"`
	AuditLogDays      int    `yaml:"audit_log_days"`
	ArchiveAuditLogs  bool   `yaml:"archive_audit_logs"`
	ArchivePath       string `yaml:"archive_path"`
	BatchSize         int    `yaml:"batch_size"`
}

type SMTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
	From string `yaml:"from"`
}

// Load reads the YAML file (if present), applies environment overrides and
// defaults, and validates. The path may be empty.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsProduction reports whether strict production behavior is enabled.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&c.Server.Port, "PORT")
	setStr(&c.Server.Env, "NODE_ENV")
	setStr(&c.Database.URL, "DATABASE_URL")
	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setStr(&c.Storage.Endpoint, "STORAGE_ENDPOINT")
	setStr(&c.Storage.AccessKey, "STORAGE_ACCESS_KEY")
	setStr(&c.Storage.SecretKey, "STORAGE_SECRET_KEY")
	setStr(&c.Storage.Bucket, "STORAGE_BUCKET")
	setStr(&c.Auth.Secret, "AUTH_SECRET")
	setStr(&c.Auth.CookieSecret, "COOKIE_SECRET")
	setStr(&c.Auth.FieldEncryptionKey, "FIELD_ENCRYPTION_KEY")
	setInt(&c.Alerts.MaxAlertsPerDay, "MAX_ALERTS_PER_DAY")
	setStr(&c.Retention.Schedule, "RETENTION_SCHEDULE")
	setInt(&c.Retention.OutboxDays, "RETENTION_OUTBOX_DAYS")
	setInt(&c.Retention.LoginAttemptDays, "RETENTION_LOGIN_ATTEMPT_DAYS")
	setInt(&c.Retention.PasswordResetDays, "RETENTION_PASSWORD_RESET_DAYS")
	setInt(&c.Retention.AuditLogDays, "RETENTION_AUDIT_LOG_DAYS")
	setInt(&c.Retention.BatchSize, "RETENTION_BATCH_SIZE")
	if v := os.Getenv("RETENTION_ARCHIVE_AUDIT_LOGS"); v != "" {
		c.Retention.ArchiveAuditLogs = v == "true"
	}
	setStr(&c.SMTP.Host, "SMTP_HOST")
	setInt(&c.SMTP.Port, "SMTP_PORT")
	setStr(&c.SMTP.User, "SMTP_USER")
	setStr(&c.SMTP.Pass, "SMTP_PASS")
	setStr(&c.SMTP.From, "SMTP_FROM")
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Auth.AccessTTL == 0 {
		c.Auth.AccessTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTTL == 0 {
		c.Auth.RefreshTTL = 7 * 24 * time.Hour
	}
	if c.Auth.CookieSecret == "" {
		c.Auth.CookieSecret = c.Auth.Secret
	}
	if c.Alerts.MaxAlertsPerDay == 0 {
		c.Alerts.MaxAlertsPerDay = 50
	}
	if c.Anomaly.YoYDeviationPercent == 0 {
		c.Anomaly.YoYDeviationPercent = 15
	}
	if c.Anomaly.MoMDeviationPercent == 0 {
		c.Anomaly.MoMDeviationPercent = 25
	}
	if c.Anomaly.PricePerUnitPercent == 0 {
		c.Anomaly.PricePerUnitPercent = 20
	}
	if c.Anomaly.BudgetExceededPercent == 0 {
		c.Anomaly.BudgetExceededPercent = 5
	}
	if c.Anomaly.MinHistoricalMonths == 0 {
		c.Anomaly.MinHistoricalMonths = 12
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "0 3 * * *" // 03:00 daily
	}
	if c.Retention.OutboxDays == 0 {
		c.Retention.OutboxDays = 30
	}
	if c.Retention.LoginAttemptDays == 0 {
		c.Retention.LoginAttemptDays = 90
	}
	if c.Retention.PasswordResetDays == 0 {
		c.Retention.PasswordResetDays = 7
	}
	if c.Retention.AuditLogDays == 0 {
		c.Retention.AuditLogDays = 365
	}
	if c.Retention.BatchSize == 0 {
		c.Retention.BatchSize = 1000
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "cost-watchdog"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
}

// Validate enforces the fatal startup contract: in production the JWT/CSRF
// secret, the cookie secret and the field encryption key must be present
// and long enough. Outside production a short secret is tolerated so local
// setups keep working.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if len(c.Auth.Secret) < 32 {
			return &core.FatalConfigError{Name: "AUTH_SECRET", Message: "must be set and at least 32 characters in production"}
		}
		if len(c.Auth.CookieSecret) < 32 {
			return &core.FatalConfigError{Name: "COOKIE_SECRET", Message: "must be at least 32 characters in production"}
		}
		if c.Auth.FieldEncryptionKey == "" {
			return &core.FatalConfigError{Name: "FIELD_ENCRYPTION_KEY", Message: "required in production"}
		}
	}
	if c.Auth.Secret == "" {
		return &core.FatalConfigError{Name: "AUTH_SECRET", Message: "must be set"}
	}

	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}
