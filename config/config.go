package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"engagekit/adapters/redis"
	"engagekit/adapters/sqlx"
	"engagekit/breaker"
	"engagekit/core"
	"engagekit/fallback"
	"engagekit/ratelimit"
	"engagekit/reconcile"
	"engagekit/sources"
	"engagekit/submission"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds the complete application configuration
type Config struct {
	Environment Environment `json:"environment" mapstructure:"environment"`

	Server         ServerConfig         `json:"server" mapstructure:"server"`
	Storage        StorageConfig        `json:"storage" mapstructure:"storage"`
	Redis          RedisConfig          `json:"redis" mapstructure:"redis"`
	Cache          CacheConfig          `json:"cache" mapstructure:"cache"`
	Logging        LoggingConfig        `json:"logging" mapstructure:"logging"`
	Security       SecurityConfig       `json:"security" mapstructure:"security"`
	Sources        SourcesConfig        `json:"sources" mapstructure:"sources"`
	Breaker        breaker.Policy       `json:"breaker" mapstructure:"breaker"`
	Estimation     fallback.Estimation  `json:"estimation" mapstructure:"estimation"`
	Scoring        core.ScoringWeights  `json:"scoring" mapstructure:"scoring"`
	Submission     SubmissionConfig     `json:"submission" mapstructure:"submission"`
	Reconciliation reconcile.Config     `json:"reconciliation" mapstructure:"reconciliation"`
	Webhooks       WebhookConfig        `json:"webhooks" mapstructure:"webhooks"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address           string        `json:"address" mapstructure:"address"`
	CORSOrigin        string        `json:"cors_origin" mapstructure:"cors_origin"`
	UserHeader        string        `json:"user_header" mapstructure:"user_header"`
	AccessLog         bool          `json:"access_log" mapstructure:"access_log"`
	ReadTimeout       time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// StorageConfig selects the persistent store for posts, ledger and totals.
type StorageConfig struct {
	Adapter string      `json:"adapter" mapstructure:"adapter"`
	SQL     sqlx.Config `json:"sql" mapstructure:"sql"`
}

// RedisConfig enables shared breaker, limiter and cache state.
type RedisConfig struct {
	Enabled      bool `json:"enabled" mapstructure:"enabled"`
	redis.Config `mapstructure:",squash"`
}

// CacheConfig controls short-lived caching of upstream engagement.
type CacheConfig struct {
	Enabled bool          `json:"enabled" mapstructure:"enabled"`
	TTL     time.Duration `json:"ttl" mapstructure:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string            `json:"level" mapstructure:"level"`
	Format     string            `json:"format" mapstructure:"format"`
	Output     string            `json:"output" mapstructure:"output"`
	Attributes map[string]string `json:"attributes,omitempty" mapstructure:"attributes"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	EnableRateLimit bool            `json:"enable_rate_limit" mapstructure:"enable_rate_limit"`
	RateLimit       RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`
	APIKeys         []string        `json:"api_keys,omitempty" mapstructure:"api_keys"`
	AdminKeys       []string        `json:"admin_keys,omitempty" mapstructure:"admin_keys"`
}

// RateLimitConfig holds per-client HTTP request limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// SourcesConfig configures upstream engagement sources.
type SourcesConfig struct {
	Order   []string            `json:"order" mapstructure:"order"`
	Timeout time.Duration       `json:"timeout" mapstructure:"timeout"`
	Primary PrimarySourceConfig `json:"primary" mapstructure:"primary"`
	Embed   EmbedSourceConfig   `json:"embed" mapstructure:"embed"`
}

type PrimarySourceConfig struct {
	Enabled                  bool           `json:"enabled" mapstructure:"enabled"`
	Quota                    fallback.Quota `json:"quota" mapstructure:"quota"`
	sources.PrimaryAPIConfig `mapstructure:",squash"`
}

type EmbedSourceConfig struct {
	Enabled                   bool           `json:"enabled" mapstructure:"enabled"`
	Quota                     fallback.Quota `json:"quota" mapstructure:"quota"`
	sources.PublicEmbedConfig `mapstructure:",squash"`
}

// SubmissionConfig configures the submission endpoint and its gate.
type SubmissionConfig struct {
	submission.Config `mapstructure:",squash"`
	Gate              ratelimit.GateConfig `json:"gate" mapstructure:"gate"`
}

// WebhookConfig lists outbound event receivers.
type WebhookConfig struct {
	Endpoints []string      `json:"endpoints,omitempty" mapstructure:"endpoints"`
	Secret    string        `json:"secret,omitempty" mapstructure:"secret"`
	Events    []string      `json:"events,omitempty" mapstructure:"events"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns a configuration with sensible defaults for development
func DefaultConfig() *Config {
	primary := sources.DefaultPrimaryAPIConfig()
	embed := sources.DefaultPublicEmbedConfig()
	orch := fallback.DefaultConfig()
	return &Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Address:           ":8080",
			CORSOrigin:        "*",
			UserHeader:        "X-User-ID",
			AccessLog:         true,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Adapter: "memory",
			SQL:     sqlx.DefaultConfig(sqlx.DriverSQLite),
		},
		Redis: RedisConfig{Config: redis.DefaultConfig()},
		Cache: CacheConfig{Enabled: true, TTL: time.Minute},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{RequestsPerMinute: 60},
			APIKeys:   []string{},
			AdminKeys: []string{},
		},
		Sources: SourcesConfig{
			Order:   []string{string(core.SourcePrimaryAPI), string(core.SourcePublicEmbed)},
			Timeout: orch.SourceTimeout,
			Primary: PrimarySourceConfig{
				Enabled:          true,
				Quota:            orch.Quotas[core.SourcePrimaryAPI],
				PrimaryAPIConfig: primary,
			},
			Embed: EmbedSourceConfig{
				Enabled:           true,
				PublicEmbedConfig: embed,
			},
		},
		Breaker:        breaker.DefaultPolicy(),
		Estimation:     fallback.DefaultEstimation(),
		Scoring:        core.DefaultScoringWeights(),
		Submission:     SubmissionConfig{Config: submission.DefaultConfig(), Gate: ratelimit.DefaultGateConfig()},
		Reconciliation: reconcile.DefaultConfig(),
		Webhooks:       WebhookConfig{Timeout: 2 * time.Second},
	}
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errs []string

	switch c.Environment {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
	default:
		errs = append(errs, fmt.Sprintf("environment %q is not one of development, testing, staging, production", c.Environment))
	}

	sections := []struct {
		name string
		err  error
	}{
		{"server", c.Server.Validate()},
		{"storage", c.Storage.Validate()},
		{"redis", c.Redis.Validate()},
		{"cache", c.Cache.Validate()},
		{"logging", c.Logging.Validate()},
		{"security", c.Security.Validate(c.Environment)},
		{"sources", c.Sources.Validate()},
		{"breaker", c.Breaker.Validate()},
		{"estimation", c.Estimation.Validate()},
		{"scoring", c.Scoring.Validate()},
		{"submission", c.Submission.Validate()},
		{"reconciliation", c.Reconciliation.Validate()},
		{"webhooks", c.Webhooks.Validate()},
	}
	for _, s := range sections {
		if s.err != nil {
			errs = append(errs, fmt.Sprintf("%s config: %v", s.name, s.err))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// FallbackConfig converts the source settings for the orchestrator.
func (c *Config) FallbackConfig() fallback.Config {
	out := fallback.Config{
		Disabled:      map[core.Source]bool{},
		Quotas:        map[core.Source]fallback.Quota{},
		SourceTimeout: c.Sources.Timeout,
		Estimation:    c.Estimation,
	}
	for _, raw := range c.Sources.Order {
		if src, err := core.ParseSource(raw); err == nil {
			out.Order = append(out.Order, src)
		}
	}
	out.Disabled[core.SourcePrimaryAPI] = !c.Sources.Primary.Enabled
	out.Disabled[core.SourcePublicEmbed] = !c.Sources.Embed.Enabled
	if q := c.Sources.Primary.Quota; q.Limit > 0 {
		out.Quotas[core.SourcePrimaryAPI] = q
	}
	if q := c.Sources.Embed.Quota; q.Limit > 0 {
		out.Quotas[core.SourcePublicEmbed] = q
	}
	return out
}

// WebhookEvents converts configured event names.
func (c *Config) WebhookEvents() []core.EventType {
	out := make([]core.EventType, 0, len(c.Webhooks.Events))
	for _, e := range c.Webhooks.Events {
		out = append(out, core.EventType(strings.TrimSpace(e)))
	}
	return out
}

const redacted = "[REDACTED]"

// String returns a JSON representation of the config (with secrets redacted)
func (c *Config) String() string {
	cfg := *c

	if cfg.Storage.SQL.DSN != "" && cfg.Storage.SQL.Driver != sqlx.DriverSQLite {
		cfg.Storage.SQL.DSN = redacted
	}
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = redacted
	}
	if cfg.Sources.Primary.BearerToken != "" {
		cfg.Sources.Primary.BearerToken = redacted
	}
	if cfg.Webhooks.Secret != "" {
		cfg.Webhooks.Secret = redacted
	}
	cfg.Security.APIKeys = redactAll(cfg.Security.APIKeys)
	cfg.Security.AdminKeys = redactAll(cfg.Security.AdminKeys)

	data, _ := json.MarshalIndent(cfg, "", "  ")
	return string(data)
}

func redactAll(keys []string) []string {
	out := make([]string, len(keys))
	for i := range keys {
		out[i] = redacted
	}
	return out
}
