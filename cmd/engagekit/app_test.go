package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engagekit/config"
	"engagekit/core"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), "level %q", in)
	}
}

func TestConvertAttributes(t *testing.T) {
	attrs := convertAttributes(map[string]string{"service": "engagekit"})
	require.Len(t, attrs, 1)
	assert.Equal(t, "service", attrs[0].Key)
	assert.Equal(t, "engagekit", attrs[0].Value.String())
	assert.Empty(t, convertAttributes(nil))
}

func TestSetupStorageUnknownAdapter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Adapter = "bolt"
	_, err := setupStorage(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown storage adapter")
}

func TestBuildAppMemory(t *testing.T) {
	t.Setenv("ENGAGEKIT_LOGGING_LEVEL", "error")

	app, cleanup, err := BuildApp(context.Background(), Options{})
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, app.Webhooks)
	assert.Equal(t, ":8080", app.Server.Addr)
	assert.Same(t, app.Handler, app.Server.Handler)

	statuses, err := app.Breakers.Statuses(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, s.Source)
	}
	assert.ElementsMatch(t, []string{string(core.SourcePrimaryAPI), string(core.SourcePublicEmbed)}, names)
}

func TestBuildAppWithWebhooks(t *testing.T) {
	t.Setenv("ENGAGEKIT_LOGGING_LEVEL", "error")
	t.Setenv("ENGAGEKIT_WEBHOOKS_ENDPOINTS", "http://hooks.internal/engagekit")

	app, cleanup, err := BuildApp(context.Background(), Options{})
	require.NoError(t, err)
	defer cleanup()
	assert.NotNil(t, app.Webhooks)
}

func TestRootCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "reconcile", "reset", "config"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigCommandRedacts(t *testing.T) {
	t.Setenv("ENGAGEKIT_SOURCES_PRIMARY_BEARER_TOKEN", "very-secret")

	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "very-secret")
}

func TestReconcileCommandSQLite(t *testing.T) {
	t.Setenv("ENGAGEKIT_LOGGING_LEVEL", "error")
	t.Setenv("ENGAGEKIT_STORAGE_ADAPTER", "sql")
	t.Setenv("ENGAGEKIT_STORAGE_SQL_DRIVER", "sqlite")
	t.Setenv("ENGAGEKIT_STORAGE_SQL_DSN", filepath.Join(t.TempDir(), "nested", "engagekit"))

	out, err := execute(t, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "selected=0 processed=0")
}

func TestResetCommand(t *testing.T) {
	t.Setenv("ENGAGEKIT_LOGGING_LEVEL", "error")

	out, err := execute(t, "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "reset complete")
}

func TestConfigCommandRejectsUnknownExtension(t *testing.T) {
	_, err := execute(t, "--config", "settings.ini", "config")
	assert.ErrorContains(t, err, "invalid config file path")
}
