package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engagekit/core"
)

func TestLoad(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Adapter)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Reconciliation.Interval)
	assert.Equal(t, 50, cfg.Reconciliation.BatchSize)
	assert.Equal(t, core.DefaultScoringWeights(), cfg.Scoring)
	assert.Equal(t, []string{"primary_api", "public_embed"}, cfg.Sources.Order)
	assert.Equal(t, "https://api.twitter.com", cfg.Sources.Primary.BaseURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENGAGEKIT_SERVER_ADDRESS", ":9999")
	t.Setenv("ENGAGEKIT_RECONCILIATION_INTERVAL", "5m")
	t.Setenv("ENGAGEKIT_RECONCILIATION_BATCH_SIZE", "7")
	t.Setenv("ENGAGEKIT_BREAKER_FAILURE_THRESHOLD", "5")
	t.Setenv("ENGAGEKIT_SOURCES_PRIMARY_BEARER_TOKEN", "tok")
	t.Setenv("ENGAGEKIT_SOURCES_PRIMARY_ENABLED", "false")
	t.Setenv("ENGAGEKIT_SECURITY_API_KEYS", "k1,k2")
	t.Setenv("ENGAGEKIT_SCORING_LIKE", "1.5")
	t.Setenv("ENGAGEKIT_REDIS_ADDR", "cache:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, 5*time.Minute, cfg.Reconciliation.Interval)
	assert.Equal(t, 7, cfg.Reconciliation.BatchSize)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "tok", cfg.Sources.Primary.BearerToken)
	assert.False(t, cfg.Sources.Primary.Enabled)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Security.APIKeys)
	assert.Equal(t, 1.5, cfg.Scoring.Like)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)

	fb := cfg.FallbackConfig()
	assert.True(t, fb.Disabled[core.SourcePrimaryAPI])
	assert.False(t, fb.Disabled[core.SourcePublicEmbed])
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "engagekit.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{
		"environment": "testing",
		"server": {"address": ":9090"},
		"storage": {"adapter": "sql", "sql": {"driver": "sqlite", "dsn": "file:test.db"}},
		"sources": {"order": ["public_embed", "primary_api"], "embed": {"quota": {"limit": 50, "window": "1m"}}},
		"reconciliation": {"stale_after": "3h"}
	}`), 0o600))

	cfg, err := LoadFromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, EnvTesting, cfg.Environment)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "sql", cfg.Storage.Adapter)
	assert.Equal(t, "file:test.db", cfg.Storage.SQL.DSN)
	assert.Equal(t, 3*time.Hour, cfg.Reconciliation.StaleAfter)
	assert.Equal(t, 30*time.Minute, cfg.Reconciliation.EstimatedStaleAfter)

	fb := cfg.FallbackConfig()
	assert.Equal(t, []core.Source{core.SourcePublicEmbed, core.SourcePrimaryAPI}, fb.Order)
	assert.Equal(t, int64(50), fb.Quotas[core.SourcePublicEmbed].Limit)
	assert.Equal(t, time.Minute, fb.Quotas[core.SourcePublicEmbed].Window)

	yamlPath := filepath.Join(dir, "engagekit.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("submission:\n  require_mention: true\n  mention_keywords: ['@brand']\nwebhooks:\n  endpoints: ['https://hooks.example/engage']\n"), 0o600))
	cfg, err = LoadFromFile(yamlPath)
	require.NoError(t, err)
	assert.True(t, cfg.Submission.RequireMention)
	assert.Equal(t, []string{"@brand"}, cfg.Submission.MentionKeywords)
	assert.Equal(t, []string{"https://hooks.example/engage"}, cfg.Webhooks.Endpoints)
}

func TestLoadFromFileRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sources": {"order": ["estimated"]}, "logging": {"level": "loud"}}`), 0o600))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sources config: order: \"estimated\" is not a fetchable source")
	assert.Contains(t, err.Error(), "logging config: level must be one of")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad environment", mutate: func(c *Config) { c.Environment = "moon" }, wantErr: "environment"},
		{name: "unknown adapter", mutate: func(c *Config) { c.Storage.Adapter = "file" }, wantErr: "storage config: adapter must be one of"},
		{name: "sql without dsn", mutate: func(c *Config) {
			c.Storage.Adapter = "sql"
			c.Storage.SQL.DSN = ""
		}, wantErr: "sql.dsn cannot be empty"},
		{name: "zero threshold", mutate: func(c *Config) { c.Breaker.FailureThreshold = 0 }, wantErr: "breaker config"},
		{name: "negative weight", mutate: func(c *Config) { c.Scoring.Like = -1 }, wantErr: "scoring config"},
		{name: "zero batch", mutate: func(c *Config) { c.Reconciliation.BatchSize = 0 }, wantErr: "reconciliation config: batch_size must be positive"},
		{name: "mention without keywords", mutate: func(c *Config) { c.Submission.RequireMention = true }, wantErr: "mention_keywords cannot be empty"},
		{name: "bad webhook", mutate: func(c *Config) { c.Webhooks.Endpoints = []string{"ftp://x"} }, wantErr: "webhooks config"},
		{name: "unknown webhook event", mutate: func(c *Config) { c.Webhooks.Events = []string{"badge_awarded"} }, wantErr: "unknown event type"},
		{name: "production without admin keys", mutate: func(c *Config) { c.Environment = EnvProduction }, wantErr: "admin_keys are required in production"},
		{name: "redis without addr", mutate: func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Addr = ""
		}, wantErr: "redis config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.SQL.Driver = "postgres"
	cfg.Storage.SQL.DSN = "postgres://user:pw@db/engage"
	cfg.Redis.Password = "redispw"
	cfg.Sources.Primary.BearerToken = "bearer"
	cfg.Security.APIKeys = []string{"k1"}
	cfg.Webhooks.Secret = "hook"

	out := cfg.String()
	for _, secret := range []string{"user:pw", "redispw", "bearer\"", "\"k1\"", "\"hook\""} {
		assert.NotContains(t, out, secret)
	}
	assert.Contains(t, out, redacted)
	assert.Equal(t, []string{"k1"}, cfg.Security.APIKeys)
}

func TestValidateConfigPath(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "c.json")
	txtPath := filepath.Join(dir, "c.txt")
	require.NoError(t, os.WriteFile(jsonPath, []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(txtPath, []byte("{}"), 0o600))

	tests := []struct {
		name        string
		path        string
		expectError bool
	}{
		{"valid json file", jsonPath, false},
		{"empty path", "", true},
		{"path traversal", "../../../etc/passwd", true},
		{"non-config extension", txtPath, true},
		{"nonexistent file", filepath.Join(dir, "missing.yaml"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfigPath(tt.path)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
