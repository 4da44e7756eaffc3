package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 25, cfg.Driver.BatchWriteSize)
	assert.Equal(t, 100, cfg.Driver.BatchGetSize)
	assert.Equal(t, 20, cfg.Driver.MaxRetry)
	assert.Equal(t, 100*time.Millisecond, cfg.Driver.RetryBase)
	assert.True(t, cfg.Driver.GlobalEnabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "cassandra" }, wantErr: "store.backend"},
		{name: "bolt without path", mutate: func(c *Config) { c.Store.Backend = "bolt"; c.Store.Bolt.Path = "" }, wantErr: "store.bolt.path"},
		{name: "no tables", mutate: func(c *Config) { c.Store.Tables = nil }, wantErr: "store.tables"},
		{name: "duplicate table", mutate: func(c *Config) { c.Store.Tables = []string{"a", "a"} }, wantErr: "twice"},
		{name: "zero write batch", mutate: func(c *Config) { c.Driver.BatchWriteSize = 0 }, wantErr: "batch_write_size"},
		{name: "zero retries", mutate: func(c *Config) { c.Driver.MaxRetry = 0 }, wantErr: "max_retry"},
		{name: "no workers", mutate: func(c *Config) { c.Executor.Workers = 0 }, wantErr: "executor.workers"},
		{name: "bucket type without buckets", mutate: func(c *Config) {
			c.Types["event"] = TypeConfig{Hash: "bucket"}
		}, wantErr: "types.event.buckets"},
		{name: "unknown hash", mutate: func(c *Config) {
			c.Types["event"] = TypeConfig{Hash: "ring"}
		}, wantErr: "types.event.hash"},
		{name: "history without table", mutate: func(c *Config) {
			c.Store.HistoryTable = ""
			c.Types["user"] = TypeConfig{History: true}
		}, wantErr: "history_table"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging = LoggingConfig{}
	cfg.Metrics.Path = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: bolt
  tables: [base, overrides]
  history_table: history
  bolt:
    path: /tmp/entities.db
driver:
  global_enabled: false
  batch_get_size: 50
  batch_write_size: 10
  max_retry: 5
  retry_base: 20ms
executor:
  workers: 4
  queue_size: 64
types:
  ticket:
    hash: delimiter
  event:
    hash: bucket
    buckets: 8
  budget:
    children: [ticket]
  user:
    history: true
logging:
  level: debug
  format: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bolt", cfg.Store.Backend)
	assert.Equal(t, []string{"base", "overrides"}, cfg.Store.Tables)
	assert.Equal(t, "/tmp/entities.db", cfg.Store.Bolt.Path)
	assert.False(t, cfg.Driver.GlobalEnabled)
	assert.Equal(t, 20*time.Millisecond, cfg.Driver.RetryBase)
	assert.Equal(t, 4, cfg.Executor.Workers)
	assert.Equal(t, "console", cfg.Logging.Format)

	drv := cfg.KVDriver()
	assert.Equal(t, "overrides", drv.Tables[len(drv.Tables)-1])
	assert.Equal(t, 10, drv.BatchWriteSize)

	registry := cfg.Registry()
	assert.True(t, registry.Hashed("ticket"))
	assert.True(t, registry.Hashed("event"))
	assert.False(t, registry.Hashed("user"))
	assert.True(t, registry.HasHistory("user"))
	_, ok := registry.QueryBuilder("budget")
	assert.True(t, ok)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Store, cfg.Store)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ENTITYSTORE_STORE_BACKEND", "dynamodb")
	t.Setenv("ENTITYSTORE_STORE_TABLES", "base, tenant ,")
	t.Setenv("ENTITYSTORE_DYNAMODB_ENDPOINT", "http://localhost:8000")
	t.Setenv("ENTITYSTORE_GLOBAL_ENABLED", "false")
	t.Setenv("ENTITYSTORE_RETRY_BASE", "5ms")
	t.Setenv("ENTITYSTORE_LOG_LEVEL", "warn")
	t.Setenv("ENTITYSTORE_HEALTH_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dynamodb", cfg.Store.Backend)
	assert.Equal(t, []string{"base", "tenant"}, cfg.Store.Tables)
	assert.Equal(t, "http://localhost:8000", cfg.Store.DynamoDB.Endpoint)
	assert.False(t, cfg.Driver.GlobalEnabled)
	assert.Equal(t, 5*time.Millisecond, cfg.Driver.RetryBase)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 8080, cfg.Health.Port)
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("ENTITYSTORE_STORE_BACKEND", "cassandra")
	_, err := Load("")
	assert.Error(t, err)
}
