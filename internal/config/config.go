// Package config loads and validates aggregator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	DB        DBConfig                  `mapstructure:"db"`
	Redis     RedisConfig               `mapstructure:"redis"`
	PubSub    PubSubConfig              `mapstructure:"pubsub"`
	Archive   ArchiveConfig             `mapstructure:"archive"`
	Quota     QuotaConfig               `mapstructure:"quota"`
	Backfill  BackfillConfig            `mapstructure:"backfill"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Logging   LoggingConfig             `mapstructure:"logging"`
}

// ServerConfig controls the operational HTTP endpoint.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig locates the shared key-value store used for quota counters,
// rate-limit timestamps, and the provider response cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds topic metadata for the job and enrichment queues.
type PubSubConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	JobTopic        string `mapstructure:"job_topic"`
	EnrichmentTopic string `mapstructure:"enrichment_topic"`
}

// ArchiveConfig controls optional raw provider payload archiving.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"` // "gcs" or "noop"
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// QuotaConfig bounds daily paid-provider consumption.
type QuotaConfig struct {
	DailyLimit   int64 `mapstructure:"daily_limit"`
	SafetyBuffer int64 `mapstructure:"safety_buffer"`
}

// BackfillConfig governs the month state machine and scheduler.
type BackfillConfig struct {
	MaxRetries      int    `mapstructure:"max_retries"`
	BatchSize       int    `mapstructure:"batch_size"`
	ScheduleLimit   int    `mapstructure:"schedule_limit"`
	PromptVariant   string `mapstructure:"prompt_variant"`
	LockTimeoutSecs int    `mapstructure:"lock_timeout_seconds"`
	IntervalSecs    int    `mapstructure:"scheduler_interval_seconds"`
	QueueDepth      int    `mapstructure:"queue_depth"`
	Workers         int    `mapstructure:"workers"`
}

// ProviderConfig tunes one upstream integration.
type ProviderConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Priority       int    `mapstructure:"priority"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	CacheTTLSecs   int    `mapstructure:"cache_ttl_seconds"`
	MinDelayMs     int    `mapstructure:"min_delay_ms"`
	Model          string `mapstructure:"model"`
}

// LoggingConfig controls the root logger.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level overrides the mode default when non-empty (debug in
	// development, info in production).
	Level string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AGGREGATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.prefix", "payloads")
	v.SetDefault("quota.daily_limit", 1000)
	v.SetDefault("quota.safety_buffer", 50)
	v.SetDefault("backfill.max_retries", 5)
	v.SetDefault("backfill.batch_size", 20)
	v.SetDefault("backfill.schedule_limit", 3)
	v.SetDefault("backfill.prompt_variant", "standard")
	v.SetDefault("backfill.lock_timeout_seconds", 5)
	v.SetDefault("backfill.scheduler_interval_seconds", 300)
	v.SetDefault("backfill.queue_depth", 64)
	v.SetDefault("backfill.workers", 2)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	// Minimum delays mirror the documented upstream limits with a margin.
	v.SetDefault("providers.openlibrary.enabled", true)
	v.SetDefault("providers.openlibrary.base_url", "https://openlibrary.org")
	v.SetDefault("providers.openlibrary.priority", 1)
	v.SetDefault("providers.openlibrary.timeout_seconds", 15)
	v.SetDefault("providers.openlibrary.cache_ttl_seconds", 86400)
	v.SetDefault("providers.openlibrary.min_delay_ms", 1000)
	v.SetDefault("providers.googlebooks.enabled", true)
	v.SetDefault("providers.googlebooks.base_url", "https://www.googleapis.com/books/v1")
	v.SetDefault("providers.googlebooks.priority", 2)
	v.SetDefault("providers.googlebooks.timeout_seconds", 15)
	v.SetDefault("providers.googlebooks.cache_ttl_seconds", 86400)
	v.SetDefault("providers.googlebooks.min_delay_ms", 500)
	v.SetDefault("providers.bookgen.enabled", true)
	v.SetDefault("providers.bookgen.priority", 1)
	v.SetDefault("providers.bookgen.timeout_seconds", 60)
	v.SetDefault("providers.bookgen.min_delay_ms", 334)
	v.SetDefault("providers.bookgen.model", "gpt-4o-mini")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Quota.DailyLimit <= 0 {
		return fmt.Errorf("quota.daily_limit must be > 0")
	}
	if c.Quota.SafetyBuffer < 0 || c.Quota.SafetyBuffer >= c.Quota.DailyLimit {
		return fmt.Errorf("quota.safety_buffer must be in [0, daily_limit)")
	}
	if c.Backfill.MaxRetries <= 0 {
		return fmt.Errorf("backfill.max_retries must be > 0")
	}
	if c.Backfill.BatchSize <= 0 {
		return fmt.Errorf("backfill.batch_size must be > 0")
	}
	if c.Backfill.Workers <= 0 {
		return fmt.Errorf("backfill.workers must be > 0")
	}
	if c.Archive.Provider == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
	}
	return nil
}

// LockTimeout converts the configured lock wait into a duration.
func (c BackfillConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSecs) * time.Second
}

// SchedulerInterval converts the scheduler tick into a duration.
func (c BackfillConfig) SchedulerInterval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// Timeout converts the provider timeout into a duration.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// CacheTTL converts the cache TTL into a duration.
func (p ProviderConfig) CacheTTL() time.Duration {
	return time.Duration(p.CacheTTLSecs) * time.Second
}

// MinDelay converts the per-provider minimum spacing into a duration.
func (p ProviderConfig) MinDelay() time.Duration {
	return time.Duration(p.MinDelayMs) * time.Millisecond
}
