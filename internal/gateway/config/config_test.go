package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadWith(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	return load(flag.NewFlagSet("test", flag.ContinueOnError), args)
}

func TestLoadLocalDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("PORT", "")
	cfg, err := loadWith(t)
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.Port)
	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, "fs", cfg.ModelStore.Backend)
	assert.Equal(t, "starlark", cfg.Exec.DefaultLanguage)
	assert.True(t, cfg.Codec.ValidateSchema)
	assert.Zero(t, cfg.Exec.Timeout)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("PORT", "9000")
	t.Setenv("MODEL_STORE_BACKEND", "redis")
	t.Setenv("MODEL_STORE_REDIS_ADDR", "cache:6379")
	t.Setenv("MODEL_STORE_REDIS_DB", "2")
	t.Setenv("MODEL_STORE_HASH", "md5")
	t.Setenv("UDF_EXEC_TIMEOUT", "30s")
	t.Setenv("UDF_SHUTDOWN_TIMEOUT", "45s")
	t.Setenv("UDF_MAX_STEPS", "1000000")
	t.Setenv("UDF_PACK_COMPRESSION", "zstd")
	t.Setenv("UDF_VALIDATE_SCHEMA", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://editor.openeo.org,https://hub.example")

	cfg, err := loadWith(t)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Port)
	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, "redis", cfg.ModelStore.Backend)
	assert.Equal(t, "cache:6379", cfg.ModelStore.Redis.Address)
	assert.Equal(t, 2, cfg.ModelStore.Redis.DB)
	assert.Equal(t, "md5", cfg.ModelStore.Hash)
	assert.Equal(t, 30*time.Second, cfg.Exec.Timeout)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, uint64(1000000), cfg.Exec.MaxSteps)
	assert.Equal(t, "zstd", cfg.Codec.PackCompression)
	assert.False(t, cfg.Codec.ValidateSchema)
	assert.Empty(t, cfg.ModelPathRoot)
	assert.Equal(t, []string{"https://editor.openeo.org", "https://hub.example"}, cfg.AllowedOrigins)
}

func TestLoadFlagBeatsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	cfg, err := loadWith(t, "-port", "127.0.0.1:7000")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Port)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "udf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model_store:
  backend: sqlite
  sqlite_path: /var/lib/udf/models.db
  cache_entries: 16
exec:
  timeout: 2m
  max_steps: 500
`), 0o644))
	t.Setenv("APP_ENV", "staging")
	t.Setenv("PORT", "")
	t.Setenv("UDF_CONFIG_FILE", path)
	t.Setenv("UDF_MAX_STEPS", "900")

	cfg, err := loadWith(t)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.ModelStore.Backend)
	assert.Equal(t, "/var/lib/udf/models.db", cfg.ModelStore.SQLitePath)
	assert.Equal(t, 16, cfg.ModelStore.CacheEntries)
	assert.Equal(t, 2*time.Minute, cfg.Exec.Timeout)
	assert.Equal(t, uint64(900), cfg.Exec.MaxSteps, "environment wins over the file")
	assert.Equal(t, 256, cfg.Exec.ProgramCacheSize, "defaults survive the overlay")
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	for key, val := range map[string]string{
		"UDF_EXEC_TIMEOUT":       "soon",
		"UDF_SHUTDOWN_TIMEOUT":   "later",
		"UDF_MAX_STEPS":          "-1",
		"MODEL_STORE_REDIS_DB":   "zero",
		"MODEL_STORE_S3_USE_SSL": "maybe",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := loadWith(t)
			assert.ErrorContains(t, err, key)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		t.Setenv("UDF_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := loadWith(t)
		assert.Error(t, err)
	})
}

func TestFromEnvIgnoresCommandLine(t *testing.T) {
	t.Setenv("PORT", "7100")
	t.Setenv("UDF_DEFAULT_LANGUAGE", "cel")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":7100", cfg.Port)
	assert.Equal(t, "cel", cfg.Exec.DefaultLanguage)
}
