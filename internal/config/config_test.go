package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseFlags(t *testing.T, dir string, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := Flags()
	base := []string{"--config-dir", dir, "--env-file", filepath.Join(dir, ".env")}
	require.NoError(t, fs.Parse(append(base, args...)))
	return fs
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(parseFlags(t, t.TempDir()))
	require.NoError(t, err)

	assert.Equal(t, "badger", cfg.Storage.Driver)
	assert.Equal(t, "./badger_data", cfg.Storage.BadgerPath)
	assert.Equal(t, []string{"localhost"}, cfg.Bridge.DashboardHosts)
	assert.Equal(t, 150*time.Millisecond, cfg.Bridge.RetryDelay)
	assert.Equal(t, time.Second, cfg.Bridge.AuthTimeout)
	assert.Equal(t, 2000, cfg.Bridge.PageTextMax)
	assert.Equal(t, 1500*time.Millisecond, cfg.Capture.SuccessDismiss)
	assert.Empty(t, cfg.Telegram.BotToken, "the bot token is optional")
}

func TestLoadConfig_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), `
storage:
  driver: sqlite
  sqlite_path: /tmp/links.db
bridge:
  dashboard_hosts: [app.smartrack.test, staging.smartrack.test]
  retry_delay: 200ms
  dashboard_url: https://app.smartrack.test/dashboard
backend:
  base_url: https://api.from.file
log:
  level: warn
`)
	t.Setenv("SMARTRACK_NOTIFY_EXCHANGE", "links")

	cfg, err := LoadConfig(parseFlags(t, dir, "--backend-url", "https://api.from.flag"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/links.db", cfg.Storage.SQLitePath)
	assert.Equal(t, []string{"app.smartrack.test", "staging.smartrack.test"}, cfg.Bridge.DashboardHosts)
	assert.Equal(t, 200*time.Millisecond, cfg.Bridge.RetryDelay)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "links", cfg.Notify.Exchange)
	assert.Equal(t, "https://api.from.flag", cfg.Backend.BaseURL, "flags override the file")
	assert.Equal(t, "https://app.smartrack.test/dashboard", cfg.Bridge.DashboardURL)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".env"), "SMARTRACK_TELEGRAM_BOT_TOKEN=from-dotenv\n")
	t.Cleanup(func() { os.Unsetenv("SMARTRACK_TELEGRAM_BOT_TOKEN") })

	cfg, err := LoadConfig(parseFlags(t, dir))
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Telegram.BotToken)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"driver", "storage:\n  driver: postgres\n"},
		{"log level", "log:\n  level: loud\n"},
		{"log format", "log:\n  format: xml\n"},
		{"retry delay", "bridge:\n  retry_delay: 0s\n"},
		{"page text", "bridge:\n  page_text_max: 0\n"},
		{"dashboard url off host list", "bridge:\n  dashboard_url: https://other.test/\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "config.yaml"), tt.yaml)
			_, err := LoadConfig(parseFlags(t, dir))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), "storage: [unclosed\n")
	_, err := LoadConfig(parseFlags(t, dir))
	assert.Error(t, err)
}
