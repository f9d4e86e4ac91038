package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scholarlab/lectern/internal/notify"
)

// Config holds all configuration for Lectern. Values are read from
// lectern.yaml when present, then overridden by environment variables.
type Config struct {
	Port        int    `yaml:"port"`
	Version     string `yaml:"version"`
	DataDir     string `yaml:"data_dir"`
	PersonasDir string `yaml:"personas_dir"`

	Guard     GuardConfig     `yaml:"guard"`
	LLM       LLMConfig       `yaml:"llm"`
	Database  DatabaseConfig  `yaml:"database"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`

	Channels []notify.Channel `yaml:"channels"`
}

// GuardConfig bounds cumulative token spend per run.
type GuardConfig struct {
	MaxTokens            int    `yaml:"max_tokens"`
	PerCallTokenEstimate int    `yaml:"per_call_token_estimate"`
	BreachPolicy         string `yaml:"breach_policy"`
}

type LLMConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxTokens      int `yaml:"max_tokens"`
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DatabaseConfig selects the pattern store backend. An empty URL keeps
// patterns in the in-memory store with a JSON snapshot under DataDir.
type DatabaseConfig struct {
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
}

type RetentionConfig struct {
	Enabled bool `yaml:"enabled"`
	Days    int  `yaml:"days"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type AuthConfig struct {
	// Comma-separated static API keys. Empty disables auth on the HTTP API.
	APIKeys string `yaml:"api_keys"`
}

// Load reads lectern.yaml from the working directory (or LECTERN_CONFIG)
// when present, then applies environment overrides on top.
func Load() (*Config, error) {
	cfg := defaults()

	path := envStr("LECTERN_CONFIG", "lectern.yaml")
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Port:        8080,
		Version:     "0.4.0",
		DataDir:     filepath.Join(home, ".lectern"),
		PersonasDir: "personas",
		Guard: GuardConfig{
			MaxTokens:            100000,
			PerCallTokenEstimate: 1000,
			BreachPolicy:         "pause",
		},
		LLM: LLMConfig{
			TimeoutSeconds: 120,
			MaxTokens:      4096,
		},
		Database: DatabaseConfig{
			MaxConnections: 10,
		},
		Retention: RetentionConfig{
			Enabled: true,
			Days:    30,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "lectern",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Port = envInt("LECTERN_PORT", cfg.Port)
	cfg.DataDir = envStr("LECTERN_DATA_DIR", cfg.DataDir)
	cfg.PersonasDir = envStr("LECTERN_PERSONAS_DIR", cfg.PersonasDir)

	cfg.Guard.MaxTokens = envInt("LECTERN_MAX_TOKENS", cfg.Guard.MaxTokens)
	cfg.Guard.PerCallTokenEstimate = envInt("LECTERN_PER_CALL_ESTIMATE", cfg.Guard.PerCallTokenEstimate)
	cfg.Guard.BreachPolicy = envStr("LECTERN_BREACH_POLICY", cfg.Guard.BreachPolicy)

	cfg.LLM.TimeoutSeconds = envInt("LECTERN_LLM_TIMEOUT", cfg.LLM.TimeoutSeconds)
	cfg.LLM.MaxTokens = envInt("LECTERN_LLM_MAX_TOKENS", cfg.LLM.MaxTokens)

	cfg.Database.URL = envStr("LECTERN_DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxConnections = envInt("LECTERN_DATABASE_MAX_CONNECTIONS", cfg.Database.MaxConnections)

	cfg.Retention.Enabled = envBool("LECTERN_RETENTION_ENABLED", cfg.Retention.Enabled)
	cfg.Retention.Days = envInt("LECTERN_RETENTION_DAYS", cfg.Retention.Days)

	cfg.Telemetry.Enabled = envBool("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)

	cfg.Auth.APIKeys = envStr("LECTERN_API_KEYS", cfg.Auth.APIKeys)
}

// HistoryPath is the run ledger location under the data directory.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.jsonl")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
