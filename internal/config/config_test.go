package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"AI_PROVIDER", "GEMINI_API_KEY", "GEMINI_MODEL", "GEMINI_BASE_URL", "GEMINI_CAPTURE_AUDIT",
		"OPENAI_BASE_URL", "OPENAI_API_KEY", "OPENAI_MODEL", "STORE_DRIVER", "DATABASE_URL",
		"BADGER_DIR", "SERVER_ADDR", "SHUTDOWN_TIMEOUT", "SESSION_IDLE_TTL", "REQUEST_TIMEOUT", "RATE_LIMIT_RPS",
		"MAX_RETRIES", "RUN_POOL_SIZE", "LOG_LEVEL", "SCORING_RUBRIC", "EXPORT_S3_ENDPOINT", "EXPORT_S3_ACCESS_KEY",
		"EXPORT_S3_SECRET_KEY", "EXPORT_S3_BUCKET", "EXPORT_S3_REGION", "EXPORT_S3_USE_SSL",
		"EXPORT_S3_PREFIX",
	} {
		t.Setenv(name, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leadgen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, 60*time.Second, cfg.Pipeline.RequestTimeout)
	assert.Zero(t, cfg.Pipeline.MaxRetries, "items fail on their first error unless retries are configured")
	assert.Equal(t, time.Hour, cfg.Server.SessionIdleTTL)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
provider: openai
openai:
  base_url: http://localhost:11434/v1
  model: llama3
store:
  driver: postgres
  database_url: postgres://leads@db/leads
pipeline:
  request_timeout: 45s
  rate_limit_rps: 2.5
  max_retries: 5
  run_pool_size: 8
log_level: debug
`)
	t.Setenv("OPENAI_MODEL", "qwen2.5")
	t.Setenv("RUN_POOL_SIZE", "3")
	t.Setenv("EXPORT_S3_USE_SSL", "true")
	t.Setenv("SESSION_IDLE_TTL", "20m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, cfg.Provider)
	assert.Equal(t, "http://localhost:11434/v1", cfg.OpenAI.BaseURL)
	assert.Equal(t, "qwen2.5", cfg.OpenAI.Model, "env wins over file")
	assert.Equal(t, StorePostgres, cfg.Store.Driver)
	assert.Equal(t, 45*time.Second, cfg.Pipeline.RequestTimeout)
	assert.InDelta(t, 2.5, cfg.Pipeline.RateLimitRPS, 0.0001)
	assert.Equal(t, 5, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 3, cfg.Pipeline.RunPoolSize)
	assert.True(t, cfg.Export.S3.UseSSL)
	assert.Equal(t, 20*time.Minute, cfg.Server.SessionIdleTTL)
	assert.Equal(t, ":8080", cfg.Server.Addr, "unset keys keep defaults")
	require.NoError(t, cfg.Validate())

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("REQUEST_TIMEOUT", "soon")
	t.Setenv("RUN_POOL_SIZE", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid REQUEST_TIMEOUT="soon"`)
	assert.Contains(t, err.Error(), `invalid RUN_POOL_SIZE="many"`)
}

func TestLoadRejectsUnknownYAMLKeys(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeFile(t, "provder: gemini\n"))
	assert.Error(t, err)

	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err, "empty file is fine")
	assert.Equal(t, ProviderGemini, cfg.Provider)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GEMINI_API_KEY is required")

	cfg.Gemini.APIKey = "k"
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Store.Driver = StorePostgres
	assert.ErrorContains(t, bad.Validate(), "DATABASE_URL")

	bad = cfg
	bad.Store.Driver = StoreBadger
	assert.ErrorContains(t, bad.Validate(), "BADGER_DIR")

	bad = cfg
	bad.Provider = "bedrock"
	assert.ErrorContains(t, bad.Validate(), "unknown provider")

	bad = cfg
	bad.Pipeline.RunPoolSize = 0
	bad.LogLevel = "loud"
	err = bad.Validate()
	assert.ErrorContains(t, err, "run pool size")
	assert.ErrorContains(t, err, "invalid log level")

	bad = cfg
	bad.Server.SessionIdleTTL = -time.Minute
	assert.ErrorContains(t, bad.Validate(), "session idle TTL")

	bad = cfg
	bad.Export.S3.Bucket = "exports"
	assert.ErrorContains(t, bad.Validate(), "EXPORT_S3_ENDPOINT")
}
