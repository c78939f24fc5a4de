package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"engagekit/adapters/sqlx"
	"engagekit/core"
)

func joinErrs(errs []string) error {
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	var errs []string

	if s.Address == "" {
		errs = append(errs, "address cannot be empty")
	}
	if s.ReadTimeout <= 0 {
		errs = append(errs, "read_timeout must be positive")
	}
	if s.WriteTimeout <= 0 {
		errs = append(errs, "write_timeout must be positive")
	}
	if s.IdleTimeout <= 0 {
		errs = append(errs, "idle_timeout must be positive")
	}
	if s.ReadHeaderTimeout <= 0 {
		errs = append(errs, "read_header_timeout must be positive")
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "shutdown_timeout must be positive")
	}
	return joinErrs(errs)
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	var errs []string

	validAdapters := []string{"memory", "sql"}
	if !slices.Contains(validAdapters, s.Adapter) {
		errs = append(errs, fmt.Sprintf("adapter must be one of: %s", strings.Join(validAdapters, ", ")))
	}
	if s.Adapter == "sql" {
		validDrivers := []sqlx.Driver{sqlx.DriverPostgres, sqlx.DriverMySQL, sqlx.DriverSQLite}
		if !slices.Contains(validDrivers, s.SQL.Driver) {
			errs = append(errs, "sql.driver must be one of: postgres, mysql, sqlite")
		}
		if s.SQL.DSN == "" {
			errs = append(errs, "sql.dsn cannot be empty")
		}
		if s.SQL.MaxOpenConns < 0 || s.SQL.MaxIdleConns < 0 {
			errs = append(errs, "sql connection limits cannot be negative")
		}
	}
	return joinErrs(errs)
}

// Validate validates redis configuration
func (r *RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	var errs []string
	if r.Addr == "" {
		errs = append(errs, "addr cannot be empty when redis is enabled")
	}
	if r.DB < 0 {
		errs = append(errs, "db cannot be negative")
	}
	if r.PoolSize <= 0 {
		errs = append(errs, "pool_size must be positive")
	}
	return joinErrs(errs)
}

// Validate validates cache configuration
func (c *CacheConfig) Validate() error {
	if c.Enabled && c.TTL <= 0 {
		return errors.New("ttl must be positive when caching is enabled")
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	var errs []string

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, l.Level) {
		errs = append(errs, fmt.Sprintf("level must be one of: %s", strings.Join(validLevels, ", ")))
	}
	validFormats := []string{"json", "text"}
	if !slices.Contains(validFormats, l.Format) {
		errs = append(errs, fmt.Sprintf("format must be one of: %s", strings.Join(validFormats, ", ")))
	}
	validOutputs := []string{"stdout", "stderr"}
	if !slices.Contains(validOutputs, l.Output) {
		errs = append(errs, fmt.Sprintf("output must be one of: %s", strings.Join(validOutputs, ", ")))
	}
	return joinErrs(errs)
}

// Validate validates security settings. Production requires admin keys.
func (s SecurityConfig) Validate(env Environment) error {
	var errs []string
	if s.EnableRateLimit && s.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, "rate_limit.requests_per_minute must be > 0 when rate limiting is enabled")
	}
	for i, key := range s.APIKeys {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Sprintf("api_keys[%d] is empty", i))
		}
	}
	for i, key := range s.AdminKeys {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Sprintf("admin_keys[%d] is empty", i))
		}
	}
	if env == EnvProduction && len(s.AdminKeys) == 0 {
		errs = append(errs, "admin_keys are required in production")
	}
	return joinErrs(errs)
}

// Validate validates upstream source configuration
func (s *SourcesConfig) Validate() error {
	var errs []string
	if len(s.Order) == 0 {
		errs = append(errs, "order cannot be empty")
	}
	seen := map[core.Source]bool{}
	for _, raw := range s.Order {
		src, err := core.ParseSource(raw)
		if err != nil || src == core.SourceEstimated {
			errs = append(errs, fmt.Sprintf("order: %q is not a fetchable source", raw))
			continue
		}
		if seen[src] {
			errs = append(errs, fmt.Sprintf("order: %q listed twice", raw))
		}
		seen[src] = true
	}
	if s.Timeout <= 0 {
		errs = append(errs, "timeout must be positive")
	}
	if s.Primary.Enabled {
		if _, err := url.ParseRequestURI(s.Primary.BaseURL); err != nil {
			errs = append(errs, "primary.base_url must be an absolute URL")
		}
	}
	if s.Embed.Enabled {
		if _, err := url.ParseRequestURI(s.Embed.BaseURL); err != nil {
			errs = append(errs, "embed.base_url must be an absolute URL")
		}
	}
	if s.Primary.Quota.Limit < 0 || s.Embed.Quota.Limit < 0 {
		errs = append(errs, "quota limits cannot be negative")
	}
	if (s.Primary.Quota.Limit > 0 && s.Primary.Quota.Window <= 0) || (s.Embed.Quota.Limit > 0 && s.Embed.Quota.Window <= 0) {
		errs = append(errs, "quota window must be positive when a limit is set")
	}
	return joinErrs(errs)
}

// Validate validates the submission endpoint configuration
func (s *SubmissionConfig) Validate() error {
	var errs []string
	if s.Timeout <= 0 {
		errs = append(errs, "timeout must be positive")
	}
	if s.RequireMention && len(s.MentionKeywords) == 0 {
		errs = append(errs, "mention_keywords cannot be empty when require_mention is set")
	}
	if s.Gate.Cooldown < 0 {
		errs = append(errs, "gate.cooldown cannot be negative")
	}
	if s.Gate.Limit > 0 && s.Gate.Window <= 0 {
		errs = append(errs, "gate.window must be positive when gate.limit is set")
	}
	return joinErrs(errs)
}

// Validate validates webhook configuration
func (w *WebhookConfig) Validate() error {
	var errs []string
	for i, ep := range w.Endpoints {
		u, err := url.ParseRequestURI(ep)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("endpoints[%d] must be an http(s) URL", i))
		}
	}
	for _, e := range w.Events {
		switch core.EventType(strings.TrimSpace(e)) {
		case core.EventPostSubmitted, core.EventPointsAwarded, core.EventPostReconciled:
		default:
			errs = append(errs, fmt.Sprintf("events: unknown event type %q", e))
		}
	}
	if len(w.Endpoints) > 0 && w.Timeout <= 0 {
		errs = append(errs, "timeout must be positive")
	}
	return joinErrs(errs)
}
