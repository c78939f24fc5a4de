package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// ENGAGEKIT_SERVER_ADDRESS or ENGAGEKIT_SOURCES_PRIMARY_BEARER_TOKEN.
const EnvPrefix = "ENGAGEKIT"

// Load loads configuration from environment variables and validates it
func Load() (*Config, error) {
	return load("")
}

// LoadFromFile loads configuration from a JSON, YAML or TOML file.
// Environment variables override file values.
func LoadFromFile(path string) (*Config, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config file path: %w", err)
	}
	return load(path)
}

func load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())
	return v
}

// setDefaults registers every key so env overrides apply to values absent
// from the config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("environment", string(d.Environment))

	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.cors_origin", d.Server.CORSOrigin)
	v.SetDefault("server.user_header", d.Server.UserHeader)
	v.SetDefault("server.access_log", d.Server.AccessLog)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("storage.adapter", d.Storage.Adapter)
	v.SetDefault("storage.sql.driver", string(d.Storage.SQL.Driver))
	v.SetDefault("storage.sql.dsn", d.Storage.SQL.DSN)
	v.SetDefault("storage.sql.max_open_conns", d.Storage.SQL.MaxOpenConns)
	v.SetDefault("storage.sql.max_idle_conns", d.Storage.SQL.MaxIdleConns)
	v.SetDefault("storage.sql.conn_max_lifetime", d.Storage.SQL.ConnMaxLifetime)
	v.SetDefault("storage.sql.auto_migrate", d.Storage.SQL.AutoMigrate)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", d.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", d.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", d.Redis.WriteTimeout)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.ttl", d.Cache.TTL)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)

	v.SetDefault("security.enable_rate_limit", d.Security.EnableRateLimit)
	v.SetDefault("security.rate_limit.requests_per_minute", d.Security.RateLimit.RequestsPerMinute)
	v.SetDefault("security.api_keys", orEmpty(d.Security.APIKeys))
	v.SetDefault("security.admin_keys", orEmpty(d.Security.AdminKeys))

	v.SetDefault("sources.order", orEmpty(d.Sources.Order))
	v.SetDefault("sources.timeout", d.Sources.Timeout)
	v.SetDefault("sources.primary.enabled", d.Sources.Primary.Enabled)
	v.SetDefault("sources.primary.base_url", d.Sources.Primary.BaseURL)
	v.SetDefault("sources.primary.bearer_token", d.Sources.Primary.BearerToken)
	v.SetDefault("sources.primary.timeout", d.Sources.Primary.Timeout)
	v.SetDefault("sources.primary.quota.limit", d.Sources.Primary.Quota.Limit)
	v.SetDefault("sources.primary.quota.window", d.Sources.Primary.Quota.Window)
	v.SetDefault("sources.embed.enabled", d.Sources.Embed.Enabled)
	v.SetDefault("sources.embed.base_url", d.Sources.Embed.BaseURL)
	v.SetDefault("sources.embed.timeout", d.Sources.Embed.Timeout)
	v.SetDefault("sources.embed.quota.limit", d.Sources.Embed.Quota.Limit)
	v.SetDefault("sources.embed.quota.window", d.Sources.Embed.Quota.Window)

	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.failure_window", d.Breaker.FailureWindow)
	v.SetDefault("breaker.cooldown", d.Breaker.Cooldown)
	v.SetDefault("breaker.rate_limit_cooldown", d.Breaker.RateLimitCooldown)
	v.SetDefault("breaker.auth_cooldown", d.Breaker.AuthCooldown)

	v.SetDefault("estimation.max_growth", d.Estimation.MaxGrowth)
	v.SetDefault("estimation.tau", d.Estimation.Tau)
	v.SetDefault("estimation.max_absolute_growth", d.Estimation.MaxAbsoluteGrowth)

	v.SetDefault("scoring.base", d.Scoring.Base)
	v.SetDefault("scoring.like", d.Scoring.Like)
	v.SetDefault("scoring.repost", d.Scoring.Repost)
	v.SetDefault("scoring.reply", d.Scoring.Reply)
	v.SetDefault("scoring.like_cap", d.Scoring.LikeCap)
	v.SetDefault("scoring.repost_cap", d.Scoring.RepostCap)
	v.SetDefault("scoring.reply_cap", d.Scoring.ReplyCap)

	v.SetDefault("submission.timeout", d.Submission.Timeout)
	v.SetDefault("submission.require_mention", d.Submission.RequireMention)
	v.SetDefault("submission.mention_keywords", orEmpty(d.Submission.MentionKeywords))
	v.SetDefault("submission.gate.cooldown", d.Submission.Gate.Cooldown)
	v.SetDefault("submission.gate.limit", d.Submission.Gate.Limit)
	v.SetDefault("submission.gate.window", d.Submission.Gate.Window)

	v.SetDefault("reconciliation.enabled", d.Reconciliation.Enabled)
	v.SetDefault("reconciliation.interval", d.Reconciliation.Interval)
	v.SetDefault("reconciliation.batch_size", d.Reconciliation.BatchSize)
	v.SetDefault("reconciliation.stale_after", d.Reconciliation.StaleAfter)
	v.SetDefault("reconciliation.estimated_stale_after", d.Reconciliation.EstimatedStaleAfter)
	v.SetDefault("reconciliation.item_delay", d.Reconciliation.ItemDelay)
	v.SetDefault("reconciliation.item_timeout", d.Reconciliation.ItemTimeout)
	v.SetDefault("reconciliation.run_on_start", d.Reconciliation.RunOnStart)
	v.SetDefault("reconciliation.history_size", d.Reconciliation.HistorySize)

	v.SetDefault("webhooks.endpoints", orEmpty(d.Webhooks.Endpoints))
	v.SetDefault("webhooks.secret", d.Webhooks.Secret)
	v.SetDefault("webhooks.events", orEmpty(d.Webhooks.Events))
	v.SetDefault("webhooks.timeout", d.Webhooks.Timeout)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// validateConfigPath validates that the config file path is safe
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("config file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(cleanPath))
	if !slices.Contains([]string{".json", ".yaml", ".yml", ".toml"}, ext) {
		return errors.New("config file must have .json, .yaml, .yml or .toml extension")
	}

	if _, err := os.Stat(cleanPath); err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}

	return nil
}
