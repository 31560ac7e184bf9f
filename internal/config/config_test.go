package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "covenant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// clearEnv blanks the overrides so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvAddr, EnvRegistryDir, EnvDatabaseURL, EnvLogLevel} {
		t.Setenv(k, "")
	}
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
service:
  addr: ":9090"
registry:
  dir: registry
storage:
  sqlite_path: data/covenant.db
limits:
  max_iterations: 10
  max_runtime_seconds: 600
  currency: EUR
  max_cost: 50
  max_expires_in: 72h
execution:
  deferred: false
engine:
  commit_attempts: 3
logging:
  level: debug
  format: text
`)
	clearEnv(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, ":9090", cfg.Service.Addr)
	assert.Equal(t, 15*time.Second, cfg.Service.ReadTimeout, "unset keys keep defaults")
	assert.Equal(t, filepath.Join(dir, "registry"), cfg.Registry.Dir)
	assert.Equal(t, filepath.Join(dir, "data/covenant.db"), cfg.Storage.SQLitePath)
	assert.Equal(t, "EUR", cfg.Limits.Currency)
	assert.Equal(t, 72*time.Hour, cfg.Limits.MaxExpiresIn)
	assert.False(t, cfg.Execution.Deferred)
	assert.Equal(t, 3, cfg.Engine.CommitAttempts)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "service:\n  addr: \":9090\"\n")
	t.Setenv(EnvAddr, ":7070")
	t.Setenv(EnvRegistryDir, "/etc/covenant/registry")
	t.Setenv(EnvDatabaseURL, "postgres://covenant@localhost/covenant")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Service.Addr)
	assert.Equal(t, "/etc/covenant/registry", cfg.Registry.Dir)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://covenant@localhost/covenant", cfg.Storage.PostgresDSN)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_FailsClosed(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "servce:\n  addr: x\n", "servce"},
		{"bad driver", "storage:\n  driver: mysql\n", "storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "postgres_dsn"},
		{"zero attempts", "engine:\n  commit_attempts: 0\n", "commit_attempts"},
		{"bad level", "logging:\n  level: loud\n", "logging.level"},
		{"bad format", "logging:\n  format: xml\n", "logging.format"},
		{"bad currency", "limits:\n  currency: dollars\n", "currency"},
		{"negative timeout", "service:\n  read_timeout: -1s\n", "read_timeout"},
		{"not yaml", "service: [", "config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Logging{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "job_id", "J1")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"job_id":"J1"`)

	_, err = NewLogger(Logging{Level: "chatty"}, &buf)
	assert.Error(t, err)
}
