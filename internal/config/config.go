// Package config loads settings from an optional YAML file, a .env file, and the
// environment, in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	StoreBadger   = "badger"
	StorePostgres = "postgres"
	// StoreMemory is badger without a directory.
	StoreMemory = "memory"
)

type Config struct {
	Provider string       `yaml:"provider"`
	Gemini   GeminiConfig `yaml:"gemini"`
	OpenAI   OpenAIConfig `yaml:"openai"`
	Store    StoreConfig  `yaml:"store"`
	Server   ServerConfig `yaml:"server"`
	Pipeline Pipeline     `yaml:"pipeline"`
	Export   ExportConfig `yaml:"export"`
	LogLevel string       `yaml:"log_level"`
}

type GeminiConfig struct {
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	BaseURL      string `yaml:"base_url"`
	CaptureAudit bool   `yaml:"capture_audit"`
}

type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	BadgerDir   string `yaml:"badger_dir"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SessionIdleTTL  time.Duration `yaml:"session_idle_ttl"`
}

type Pipeline struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	MaxRetries     int           `yaml:"max_retries"`
	RunPoolSize    int           `yaml:"run_pool_size"`
	ScoringRubric  string        `yaml:"scoring_rubric"`
}

type ExportConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Provider: ProviderGemini,
		Gemini:   GeminiConfig{Model: "gemini-2.5-flash"},
		Store:    StoreConfig{Driver: StoreMemory},
		Server:   ServerConfig{Addr: ":8080", ShutdownTimeout: 15 * time.Second, SessionIdleTTL: time.Hour},
		Pipeline: Pipeline{RequestTimeout: 60 * time.Second, RunPoolSize: 4},
		LogLevel: "info",
	}
}

// Load reads .env (if present), then the YAML file at path (if non-empty), then applies
// environment overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	envString("AI_PROVIDER", &c.Provider)
	envString("GEMINI_API_KEY", &c.Gemini.APIKey)
	envString("GEMINI_MODEL", &c.Gemini.Model)
	envString("GEMINI_BASE_URL", &c.Gemini.BaseURL)
	envString("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	envString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	envString("OPENAI_MODEL", &c.OpenAI.Model)
	envString("STORE_DRIVER", &c.Store.Driver)
	envString("DATABASE_URL", &c.Store.DatabaseURL)
	envString("BADGER_DIR", &c.Store.BadgerDir)
	envString("SERVER_ADDR", &c.Server.Addr)
	envString("SCORING_RUBRIC", &c.Pipeline.ScoringRubric)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("EXPORT_S3_ENDPOINT", &c.Export.S3.Endpoint)
	envString("EXPORT_S3_ACCESS_KEY", &c.Export.S3.AccessKey)
	envString("EXPORT_S3_SECRET_KEY", &c.Export.S3.SecretKey)
	envString("EXPORT_S3_BUCKET", &c.Export.S3.Bucket)
	envString("EXPORT_S3_REGION", &c.Export.S3.Region)
	envString("EXPORT_S3_PREFIX", &c.Export.S3.Prefix)

	return errors.Join(
		envBool("GEMINI_CAPTURE_AUDIT", &c.Gemini.CaptureAudit),
		envBool("EXPORT_S3_USE_SSL", &c.Export.S3.UseSSL),
		envDuration("REQUEST_TIMEOUT", &c.Pipeline.RequestTimeout),
		envDuration("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout),
		envDuration("SESSION_IDLE_TTL", &c.Server.SessionIdleTTL),
		envFloat("RATE_LIMIT_RPS", &c.Pipeline.RateLimitRPS),
		envInt("MAX_RETRIES", &c.Pipeline.MaxRetries),
		envInt("RUN_POOL_SIZE", &c.Pipeline.RunPoolSize),
	)
}

// Validate checks that the selected provider and store have what they need.
func (c Config) Validate() error {
	errs := []error{c.ValidateProvider(), c.ValidateStore()}
	if c.Pipeline.RequestTimeout < 0 {
		errs = append(errs, errors.New("request timeout must not be negative"))
	}
	if c.Pipeline.RateLimitRPS < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	if c.Pipeline.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries must not be negative"))
	}
	if c.Server.SessionIdleTTL < 0 {
		errs = append(errs, errors.New("session idle TTL must not be negative"))
	}
	if c.Pipeline.RunPoolSize < 1 {
		errs = append(errs, errors.New("run pool size must be at least 1"))
	}
	if c.Export.S3.Bucket != "" && c.Export.S3.Endpoint == "" {
		errs = append(errs, errors.New("EXPORT_S3_ENDPOINT is required when a bucket is set"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) ValidateProvider() error {
	switch c.Provider {
	case ProviderGemini:
		var errs []error
		if strings.TrimSpace(c.Gemini.APIKey) == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required"))
		}
		if strings.TrimSpace(c.Gemini.Model) == "" {
			errs = append(errs, errors.New("GEMINI_MODEL is required"))
		}
		return errors.Join(errs...)
	case ProviderOpenAI:
		if strings.TrimSpace(c.OpenAI.Model) == "" {
			return errors.New("OPENAI_MODEL is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown provider %q (want %s or %s)", c.Provider, ProviderGemini, ProviderOpenAI)
	}
}

func (c Config) ValidateStore() error {
	switch c.Store.Driver {
	case StoreMemory:
		return nil
	case StoreBadger:
		if strings.TrimSpace(c.Store.BadgerDir) == "" {
			return errors.New("BADGER_DIR is required for the badger store")
		}
		return nil
	case StorePostgres:
		if strings.TrimSpace(c.Store.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
		return nil
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
}

func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return lvl, nil
}

func envString(varName string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(varName)); v != "" {
		*dst = v
	}
}

func envInt(varName string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	*dst = out
	return nil
}

func envFloat(varName string, dst *float64) error {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	*dst = out
	return nil
}

func envDuration(varName string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	*dst = out
	return nil
}

func envBool(varName string, dst *bool) error {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	*dst = out
	return nil
}
