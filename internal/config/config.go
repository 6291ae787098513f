package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quotagate/quotagate/internal/alerts"
	"github.com/quotagate/quotagate/internal/lifecycle"
	"github.com/quotagate/quotagate/internal/models"
	"github.com/quotagate/quotagate/internal/store"
	"github.com/quotagate/quotagate/internal/tiers"
	"github.com/quotagate/quotagate/internal/window"
)

// Config represents the complete application configuration.
type Config struct {
	Version   string                       `yaml:"version" env:"VERSION"`
	Server    ServerConfig                 `yaml:"server" envPrefix:"SERVER_"`
	API       APIConfig                    `yaml:"api" envPrefix:"API_"`
	Store     StoreConfig                  `yaml:"store" envPrefix:"STORE_"`
	Tiers     map[models.Tier]tiers.Limits `yaml:"tiers"`
	Quota     QuotaConfig                  `yaml:"quota" envPrefix:"QUOTA_"`
	Lifecycle LifecycleConfig              `yaml:"lifecycle" envPrefix:"LIFECYCLE_"`
	Telegram  TelegramConfig               `yaml:"telegram" envPrefix:"TELEGRAM_"`
	Alerts    AlertsConfig                 `yaml:"alerts" envPrefix:"ALERTS_"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	LogLevel        string        `yaml:"log_level" env:"LOG_LEVEL"`
	TLS             TLSConfig     `yaml:"tls" envPrefix:"TLS_"`
}

// TLSConfig contains TLS configuration.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" env:"ENABLED"`
	CertFile   string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile    string `yaml:"key_file" env:"KEY_FILE"`
	MinVersion string `yaml:"min_version" env:"MIN_VERSION"` // "1.2" or "1.3"
}

// APIConfig contains API-related configuration.
type APIConfig struct {
	Auth      AuthConfig      `yaml:"auth" envPrefix:"AUTH_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
}

// AuthConfig contains authentication configuration.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled" env:"ENABLED"`
	APIKeys    []string `yaml:"api_keys" env:"API_KEYS" envSeparator:","`
	HeaderName string   `yaml:"header_name" env:"HEADER_NAME"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`
	Burst             int `yaml:"burst" env:"BURST"`
}

// StoreConfig selects the tenant store backend.
type StoreConfig struct {
	Driver   string         `yaml:"driver" env:"DRIVER"`
	SQLite   SQLiteConfig   `yaml:"sqlite" envPrefix:"SQLITE_"`
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
}

// SQLiteConfig contains SQLite configuration.
type SQLiteConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// PostgresConfig contains PostgreSQL configuration.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	SkipMigrations  bool          `yaml:"skip_migrations" env:"SKIP_MIGRATIONS"`
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URL            string        `yaml:"url" env:"URL"`
	KeyPrefix      string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	RetryAttempts  int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval  time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// QuotaConfig contains admission-check configuration.
type QuotaConfig struct {
	// Timezone anchors the monthly expense window. Default: UTC
	Timezone string `yaml:"timezone" env:"TIMEZONE"`
	// CountUnlimited keeps counting usage of resources with no limit. Default: true
	CountUnlimited bool `yaml:"count_unlimited" env:"COUNT_UNLIMITED"`
	// WindowRollSchedule is the cron spec of the monthly window roll job.
	WindowRollSchedule string `yaml:"window_roll_schedule" env:"WINDOW_ROLL_SCHEDULE"`
	// WindowRollEnabled runs the roll job inside `serve`. Default: true
	WindowRollEnabled bool `yaml:"window_roll_enabled" env:"WINDOW_ROLL_ENABLED"`
}

// LifecycleConfig contains compensation settings.
type LifecycleConfig struct {
	CompensationAttempts uint64        `yaml:"compensation_attempts" env:"COMPENSATION_ATTEMPTS"`
	CompensationBackoff  time.Duration `yaml:"compensation_backoff" env:"COMPENSATION_BACKOFF"`
	CompensationTimeout  time.Duration `yaml:"compensation_timeout" env:"COMPENSATION_TIMEOUT"`
}

// TelegramConfig contains Telegram bot configuration.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	BotToken string `yaml:"bot_token" env:"BOT_TOKEN"`
	ChatID   int64  `yaml:"chat_id" env:"CHAT_ID"`
}

// AlertsConfig contains alert service configuration.
type AlertsConfig struct {
	// Enabled enables or disables the alert service.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Debounce is the minimum time between duplicate alerts.
	// Default: 30m
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
	// RateLimitPerMinute limits the number of alerts per minute.
	// Default: 30
	RateLimitPerMinute int `yaml:"rate_limit_per_minute" env:"RATE_LIMIT_PER_MINUTE"`
	QueueSize          int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// ShutdownTimeout is the timeout for graceful shutdown.
	// Default: 25s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Version: "1"}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

func applyDefaults(c *Config) {
	c.Server.Host = "0.0.0.0"
	c.Server.HTTPPort = 8318
	c.Server.ShutdownTimeout = 30 * time.Second
	c.Server.LogLevel = "info"
	c.Store.Driver = store.DriverSQLite
	c.Store.SQLite.Path = "data/quotagate.db"
	c.Alerts.Enabled = true
	c.Quota.Timezone = "UTC"
	c.Quota.CountUnlimited = true
	c.Quota.WindowRollEnabled = true
	c.Quota.WindowRollSchedule = window.DefaultRollSchedule
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if _, err := tiers.NewRegistry(c.Tiers); err != nil {
		return fmt.Errorf("tiers: %w", err)
	}

	if err := c.Quota.Validate(); err != nil {
		return fmt.Errorf("quota: %w", err)
	}

	if err := c.Lifecycle.Validate(); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}

	if err := c.Telegram.Validate(); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	if err := c.Alerts.Validate(); err != nil {
		return fmt.Errorf("alerts: %w", err)
	}

	return nil
}

// Registry builds the tier registry from the tiers section.
func (c *Config) Registry() (*tiers.Registry, error) {
	return tiers.NewRegistry(c.Tiers)
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.TLS.Enabled {
		if s.TLS.CertFile == "" {
			return fmt.Errorf("tls cert_file is required when TLS is enabled")
		}
		if s.TLS.KeyFile == "" {
			return fmt.Errorf("tls key_file is required when TLS is enabled")
		}
		if s.TLS.MinVersion != "" && s.TLS.MinVersion != "1.2" && s.TLS.MinVersion != "1.3" {
			return fmt.Errorf("tls min_version must be either \"1.2\" or \"1.3\"")
		}
		if s.TLS.MinVersion == "" {
			s.TLS.MinVersion = "1.3"
		}
	}
	return nil
}

// Address returns host:port.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// Validate validates API configuration.
func (a *APIConfig) Validate() error {
	if a.Auth.Enabled && len(a.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth: api_keys is required when auth is enabled")
	}
	if a.Auth.HeaderName == "" {
		a.Auth.HeaderName = "X-API-Key"
	}
	if a.RateLimit.RequestsPerMinute <= 0 {
		a.RateLimit.RequestsPerMinute = 1000
	}
	// Cap rate limit to prevent abuse
	if a.RateLimit.RequestsPerMinute > 100000 {
		a.RateLimit.RequestsPerMinute = 100000
	}
	if a.RateLimit.Burst <= 0 {
		a.RateLimit.Burst = 100
	}
	if a.RateLimit.Burst > 10000 {
		a.RateLimit.Burst = 10000
	}
	return nil
}

// Validate validates store configuration.
func (s *StoreConfig) Validate() error {
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	switch s.Driver {
	case "":
		s.Driver = store.DriverSQLite
		fallthrough
	case store.DriverSQLite:
		if s.SQLite.Path == "" {
			s.SQLite.Path = "data/quotagate.db"
		}
	case store.DriverPostgres:
		if s.Postgres.DSN == "" {
			return fmt.Errorf("postgres dsn is required")
		}
		if s.Postgres.MaxOpenConns < 0 || s.Postgres.MaxIdleConns < 0 {
			return fmt.Errorf("postgres connection limits cannot be negative")
		}
	case store.DriverRedis:
		if s.Redis.URL == "" {
			return fmt.Errorf("redis url is required")
		}
		if s.Redis.RetryAttempts < 0 {
			return fmt.Errorf("redis retry_attempts cannot be negative")
		}
	case store.DriverMemory:
	default:
		return fmt.Errorf("driver must be one of: sqlite, postgres, redis, memory")
	}
	return nil
}

// Options converts the section into store options.
func (s *StoreConfig) Options() store.Options {
	return store.Options{
		Driver:      s.Driver,
		SQLitePath:  s.SQLite.Path,
		PostgresDSN: s.Postgres.DSN,
		Postgres: store.PostgresOptions{
			MaxOpenConns:    s.Postgres.MaxOpenConns,
			MaxIdleConns:    s.Postgres.MaxIdleConns,
			ConnMaxLifetime: s.Postgres.ConnMaxLifetime,
			SkipMigrations:  s.Postgres.SkipMigrations,
		},
		Redis: store.RedisOptions{
			URL:            s.Redis.URL,
			KeyPrefix:      s.Redis.KeyPrefix,
			RetryAttempts:  s.Redis.RetryAttempts,
			RetryInterval:  s.Redis.RetryInterval,
			ConnectTimeout: s.Redis.ConnectTimeout,
		},
	}
}

// Validate validates quota configuration and applies defaults.
func (q *QuotaConfig) Validate() error {
	if q.Timezone == "" {
		q.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(q.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", q.Timezone, err)
	}
	if q.WindowRollSchedule == "" {
		q.WindowRollSchedule = window.DefaultRollSchedule
	}
	if _, err := cron.ParseStandard(q.WindowRollSchedule); err != nil {
		return fmt.Errorf("invalid window_roll_schedule %q: %w", q.WindowRollSchedule, err)
	}
	return nil
}

// Validate validates lifecycle configuration and applies defaults.
func (l *LifecycleConfig) Validate() error {
	def := lifecycle.DefaultConfig()
	if l.CompensationAttempts == 0 {
		l.CompensationAttempts = def.CompensationAttempts
	}
	if l.CompensationBackoff < 0 || l.CompensationTimeout < 0 {
		return fmt.Errorf("compensation durations cannot be negative")
	}
	if l.CompensationBackoff == 0 {
		l.CompensationBackoff = def.CompensationBackoff
	}
	if l.CompensationTimeout == 0 {
		l.CompensationTimeout = def.CompensationTimeout
	}
	return nil
}

// Hooks converts the section into lifecycle hook settings.
func (l *LifecycleConfig) Hooks() lifecycle.Config {
	return lifecycle.Config{
		CompensationAttempts: l.CompensationAttempts,
		CompensationBackoff:  l.CompensationBackoff,
		CompensationTimeout:  l.CompensationTimeout,
	}
}

// Validate validates Telegram configuration.
func (t *TelegramConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.BotToken == "" {
		return fmt.Errorf("bot_token is required when telegram is enabled")
	}
	if t.ChatID == 0 {
		return fmt.Errorf("chat_id is required when telegram is enabled")
	}
	return nil
}

// Validate validates alerts configuration and applies defaults.
func (a *AlertsConfig) Validate() error {
	if a.Debounce <= 0 {
		a.Debounce = 30 * time.Minute
	}
	if a.RateLimitPerMinute <= 0 {
		a.RateLimitPerMinute = 30
	}
	if a.QueueSize <= 0 {
		a.QueueSize = 256
	}
	if a.ShutdownTimeout <= 0 {
		a.ShutdownTimeout = 25 * time.Second
	}
	return nil
}

// Service converts the section into alert service settings.
func (a *AlertsConfig) Service() alerts.Config {
	return alerts.Config{
		Enabled:            a.Enabled,
		DedupWindow:        a.Debounce,
		RateLimitPerMinute: a.RateLimitPerMinute,
		QueueSize:          a.QueueSize,
		ShutdownTimeout:    a.ShutdownTimeout,
	}
}
