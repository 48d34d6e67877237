package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server           ServerConfig           `mapstructure:"server"`
	Auth             AuthConfig             `mapstructure:"auth"`
	CORS             CORSConfig             `mapstructure:"cors"`
	RateLimit        RateLimitConfig        `mapstructure:"rate_limit"`
	Redis            RedisConfig            `mapstructure:"redis"`
	Database         DatabaseConfig         `mapstructure:"database"`
	Supabase         SupabaseConfig         `mapstructure:"supabase"`
	Queue            QueueConfig            `mapstructure:"queue"`
	Scheduler        SchedulerConfig        `mapstructure:"scheduler"`
	Dispatch         DispatchConfig         `mapstructure:"dispatch"`
	Cleanup          CleanupConfig          `mapstructure:"cleanup"`
	Email            EmailConfig            `mapstructure:"email"`
	Push             PushConfig             `mapstructure:"push"`
	SMS              SMSConfig              `mapstructure:"sms"`
	Webhook          WebhookConfig          `mapstructure:"webhook"`
	Upstream         UpstreamConfig         `mapstructure:"upstream"`
	ChannelRateLimit ChannelRateLimitConfig `mapstructure:"channel_rate_limit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// CORSConfig holds CORS policy settings.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// RateLimitConfig holds API rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig selects and configures the notification store.
type DatabaseConfig struct {
	// Driver is "postgres" (gorm over pgx) or "supabase" (PostgREST).
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	MaxConns    int    `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
	LogSQL      bool   `mapstructure:"log_sql"`
}

// SupabaseConfig holds Supabase project settings.
type SupabaseConfig struct {
	URL        string `mapstructure:"url"`
	ServiceKey string `mapstructure:"service_key"`
}

// QueueConfig holds async queue settings.
type QueueConfig struct {
	Concurrency   int `mapstructure:"concurrency"`
	MaxRetry      int `mapstructure:"max_retry"`
	RetryDelaySec int `mapstructure:"retry_delay_sec"`
}

// SchedulerConfig holds due-sweep settings.
type SchedulerConfig struct {
	IntervalSec  int `mapstructure:"interval_sec"`
	BatchSize    int `mapstructure:"batch_size"`
	Concurrency  int `mapstructure:"concurrency"`
	MaxBatchSize int `mapstructure:"max_batch_size"`
}

// Interval returns the sweep interval.
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

// DispatchConfig holds delivery defaults.
type DispatchConfig struct {
	ChannelTimeoutSec  int `mapstructure:"channel_timeout_sec"`
	LeaseTTLSec        int `mapstructure:"lease_ttl_sec"`
	MaxRetries         int `mapstructure:"max_retries"`
	RetryIntervalSec   int `mapstructure:"retry_interval_sec"`
	ExpiryWindowHours  int `mapstructure:"expiry_window_hours"`
	RescheduleDelayMin int `mapstructure:"reschedule_delay_min"`
}

// ChannelTimeout returns the per-transport call timeout.
func (d DispatchConfig) ChannelTimeout() time.Duration {
	return time.Duration(d.ChannelTimeoutSec) * time.Second
}

// LeaseTTL returns the configured lease length, zero meaning derived.
func (d DispatchConfig) LeaseTTL() time.Duration {
	return time.Duration(d.LeaseTTLSec) * time.Second
}

// ExpiryWindow returns how long after ScheduledFor a record expires.
func (d DispatchConfig) ExpiryWindow() time.Duration {
	return time.Duration(d.ExpiryWindowHours) * time.Hour
}

// RescheduleDelay returns the fallback delay for rejected preconditions.
func (d DispatchConfig) RescheduleDelay() time.Duration {
	return time.Duration(d.RescheduleDelayMin) * time.Minute
}

// CleanupConfig holds retention settings.
type CleanupConfig struct {
	RetentionDays int    `mapstructure:"retention_days"`
	BatchSize     int    `mapstructure:"batch_size"`
	Cron          string `mapstructure:"cron"`
}

// Retention returns the retention period.
func (c CleanupConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// EmailConfig holds email provider settings.
type EmailConfig struct {
	// Provider is "resend" or "postmark".
	Provider      string `mapstructure:"provider"`
	APIKey        string `mapstructure:"api_key"`
	AccountToken  string `mapstructure:"account_token"`
	FromAddress   string `mapstructure:"from_address"`
	FromName      string `mapstructure:"from_name"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	// TrackDelivery makes email deliveries wait for a provider receipt.
	TrackDelivery bool `mapstructure:"track_delivery"`
}

// PushConfig holds push gateway settings.
type PushConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

// SMSConfig holds SMS gateway settings.
type SMSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	From     string `mapstructure:"from"`
}

// WebhookConfig holds outbound webhook channel settings.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"`
}

// UpstreamConfig points at the user-context and content services.
type UpstreamConfig struct {
	ContextURL  string `mapstructure:"context_url"`
	ContentURL  string `mapstructure:"content_url"`
	APIKey      string `mapstructure:"api_key"`
	CacheTTLSec int    `mapstructure:"cache_ttl_sec"`
}

// CacheTTL returns how long upstream answers may be reused.
func (u UpstreamConfig) CacheTTL() time.Duration {
	return time.Duration(u.CacheTTLSec) * time.Second
}

// ChannelRateLimitConfig holds per-user channel throttling settings.
type ChannelRateLimitConfig struct {
	PushPerHour int `mapstructure:"push_per_hour"`
	SMSPerHour  int `mapstructure:"sms_per_hour"`
}

// Load reads configuration from config.yaml and environment variables.
// Environment variables use the NOTIFLOW_ prefix and underscore separators.
// Example: NOTIFLOW_SERVER_PORT overrides server.port in config.yaml.
func Load() (*Config, error) {
	v := viper.New()

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Load .env file if it exists
	_ = godotenv.Load()

	// Environment variable settings
	v.SetEnvPrefix("NOTIFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional: env vars can provide everything)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Handle comma-separated API keys from env var. A YAML list does not
	// read as a string and is kept as decoded.
	if apiKeysStr := v.GetString("auth.api_keys"); apiKeysStr != "" {
		cfg.Auth.APIKeys = splitList(apiKeysStr)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Content-Type", "X-API-Key", "X-Request-ID"})
	v.SetDefault("rate_limit.requests_per_second", 10)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.max_retry", 5)
	v.SetDefault("queue.retry_delay_sec", 30)
	v.SetDefault("scheduler.interval_sec", 15)
	v.SetDefault("scheduler.batch_size", 200)
	v.SetDefault("scheduler.concurrency", 8)
	v.SetDefault("scheduler.max_batch_size", 10)
	v.SetDefault("dispatch.channel_timeout_sec", 10)
	v.SetDefault("dispatch.lease_ttl_sec", 0) // derived from the channel timeout
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.retry_interval_sec", 300)
	v.SetDefault("dispatch.expiry_window_hours", 24)
	v.SetDefault("dispatch.reschedule_delay_min", 60)
	v.SetDefault("cleanup.retention_days", 30)
	v.SetDefault("cleanup.batch_size", 500)
	v.SetDefault("cleanup.cron", "@daily")
	v.SetDefault("email.provider", "resend")
	v.SetDefault("upstream.cache_ttl_sec", 5)

	// Keys without a useful default are registered so AutomaticEnv can
	// populate them during Unmarshal.
	for _, key := range []string{
		"auth.api_keys",
		"database.dsn",
		"supabase.url", "supabase.service_key",
		"email.api_key", "email.account_token", "email.from_address", "email.from_name",
		"email.webhook_secret",
		"push.endpoint", "push.api_key",
		"sms.endpoint", "sms.api_key", "sms.from",
		"webhook.url", "webhook.secret",
		"upstream.context_url", "upstream.content_url", "upstream.api_key",
	} {
		v.SetDefault(key, "")
	}
	for _, key := range []string{
		"database.log_sql", "email.track_delivery",
		"push.enabled", "sms.enabled", "webhook.enabled",
	} {
		v.SetDefault(key, false)
	}
	v.SetDefault("channel_rate_limit.push_per_hour", 20)
	v.SetDefault("channel_rate_limit.sms_per_hour", 5)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "supabase":
		if c.Supabase.URL == "" || c.Supabase.ServiceKey == "" {
			return fmt.Errorf("supabase.url and supabase.service_key are required for the supabase driver")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	switch c.Email.Provider {
	case "resend", "":
	case "postmark":
		// Only Resend receipts are parsed, so tracked Postmark mail would
		// never leave the sent state.
		if c.Email.TrackDelivery {
			return fmt.Errorf("email.track_delivery is not supported with the postmark provider")
		}
	default:
		return fmt.Errorf("unsupported email.provider %q", c.Email.Provider)
	}
	if c.Push.Enabled && c.Push.Endpoint == "" {
		return fmt.Errorf("push.endpoint is required when push is enabled")
	}
	if c.SMS.Enabled && c.SMS.Endpoint == "" {
		return fmt.Errorf("sms.endpoint is required when sms is enabled")
	}
	if c.Webhook.Enabled && (c.Webhook.URL == "" || c.Webhook.Secret == "") {
		return fmt.Errorf("webhook.url and webhook.secret are required when the webhook channel is enabled")
	}
	if c.Upstream.CacheTTLSec > 10 {
		return fmt.Errorf("upstream.cache_ttl_sec must be at most 10 seconds, got %d", c.Upstream.CacheTTLSec)
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
