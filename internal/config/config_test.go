package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "national", cfg.Engine.Level)
	assert.Equal(t, "columns.yaml", cfg.Engine.Columns)
	assert.Equal(t, 4, cfg.Engine.Concurrency)
	assert.Equal(t, ",", cfg.Input.Delimiter)
	assert.Equal(t, 30, cfg.Input.TimeoutSecs)
	assert.Equal(t, 3, cfg.Input.Retries)
	assert.Equal(t, "out", cfg.Output.Dir)
	assert.Equal(t, "xlsx", cfg.Output.LookupFormat)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "ejscreen.db", cfg.Store.Path)
	assert.Equal(t, "replace", cfg.Postgres.Mode)
	assert.Equal(t, "ejscreen", cfg.Publish.Prefix)
	assert.True(t, cfg.Publish.Secure)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
engine:
  level: state
  concurrency: 8
input:
  encoding: windows-1252
output:
  lookup_format: both
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "state", cfg.Engine.Level)
	assert.Equal(t, 8, cfg.Engine.Concurrency)
	assert.Equal(t, "windows-1252", cfg.Input.Encoding)
	assert.Equal(t, "both", cfg.Output.LookupFormat)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, "columns.yaml", cfg.Engine.Columns)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("EJSCREEN_STORE_DRIVER", "none")
	t.Setenv("EJSCREEN_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "none", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("EJSCREEN_ENGINE_CONCURRENCY", "2")
	t.Setenv("EJSCREEN_POSTGRES_DATABASE_URL", "postgres://localhost/ejscreen")
	t.Setenv("EJSCREEN_PUBLISH_BUCKET", "artifacts")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.Concurrency)
	assert.Equal(t, "postgres://localhost/ejscreen", cfg.Postgres.DatabaseURL)
	assert.Equal(t, "artifacts", cfg.Publish.Bucket)
}

func TestLoadBadYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("engine: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Engine.Level = "national"
	cfg.Engine.Columns = "columns.yaml"
	cfg.Engine.Concurrency = 4
	cfg.Input.Delimiter = ","
	cfg.Input.TimeoutSecs = 30
	cfg.Input.Retries = 3
	cfg.Output.Dir = "out"
	cfg.Output.LookupFormat = "xlsx"
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = "ejscreen.db"
	cfg.Postgres.Mode = "replace"
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"concurrency zero", func(c *Config) { c.Engine.Concurrency = 0 }, "engine.concurrency fails min=1"},
		{"concurrency too high", func(c *Config) { c.Engine.Concurrency = 65 }, "engine.concurrency fails max=64"},
		{"no columns file", func(c *Config) { c.Engine.Columns = "" }, "engine.columns fails required"},
		{"long delimiter", func(c *Config) { c.Input.Delimiter = "||" }, "input.delimiter fails max=1"},
		{"lookup format", func(c *Config) { c.Output.LookupFormat = "json" }, "output.lookup_format fails oneof"},
		{"store driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver fails oneof"},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "store.path fails required_if"},
		{"postgres store without url", func(c *Config) { c.Store.Driver = "postgres" }, "store.database_url fails required_if"},
		{"postgres publish without table", func(c *Config) { c.Postgres.DatabaseURL = "postgres://x" }, "postgres.table fails required_with"},
		{"postgres mode", func(c *Config) { c.Postgres.Mode = "append" }, "postgres.mode fails oneof"},
		{"bucket missing", func(c *Config) { c.Publish.Endpoint = "localhost:9000" }, "publish.bucket fails required_with"},
		{"log format", func(c *Config) { c.Log.Format = "text" }, "log.format fails oneof"},
		{"store none", func(c *Config) { c.Store.Driver = "none"; c.Store.Path = "" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ReportsEveryField(t *testing.T) {
	cfg := validDefaults()
	cfg.Engine.Concurrency = 0
	cfg.Log.Format = "text"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.concurrency")
	assert.Contains(t, err.Error(), "log.format")
}
