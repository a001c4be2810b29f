// Package config loads runtime settings from ~/.majordomo/config.yaml,
// with environment variables taking precedence over the file.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/majordomo/internal/otel"
)

// ProviderConfig holds per-provider LLM settings.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LLMConfig selects the provider backing routing arbitration.
type LLMConfig struct {
	// Provider is "google", "anthropic", "openai", or "openai_compatible".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount             int    `yaml:"worker_count"`
	PollIntervalMillis      int    `yaml:"poll_interval_ms"`
	TaskTimeoutSeconds      int    `yaml:"task_timeout_seconds"`
	CronSyncIntervalSeconds int    `yaml:"cron_sync_interval_seconds"`
	DrainTimeoutSeconds     int    `yaml:"drain_timeout_seconds"`
	MaxQueueDepth           int    `yaml:"max_queue_depth"`
	LogLevel                string `yaml:"log_level"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	Otel otel.Config `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		WorkerCount:             4,
		PollIntervalMillis:      500,
		TaskTimeoutSeconds:      int((5 * time.Minute).Seconds()),
		CronSyncIntervalSeconds: 30,
		DrainTimeoutSeconds:     5,
		MaxQueueDepth:           100,
		LogLevel:                "info",
	}
}

// HomeDir returns the data directory, honoring the MAJORDOMO_HOME
// override.
func HomeDir() string {
	if override := os.Getenv("MAJORDOMO_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".majordomo")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home directory, creating the directory
// if needed. A missing file yields defaults; a malformed one is an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create majordomo home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollIntervalMillis <= 0 {
		cfg.PollIntervalMillis = 500
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.CronSyncIntervalSeconds <= 0 {
		cfg.CronSyncIntervalSeconds = 30
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	// Legacy provider name.
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MAJORDOMO_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("MAJORDOMO_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("MAJORDOMO_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("MAJORDOMO_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxQueueDepth = v
		}
	}
	if raw := os.Getenv("MAJORDOMO_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MAJORDOMO_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("MAJORDOMO_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
}

// LLMProviderAPIKey returns the API key for the given provider, checking
// env vars first and the providers block second.
func (c Config) LLMProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if provider == "google" {
		if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// ResolveLLMConfig returns the effective provider, model, and API key.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	return provider, c.LLM.Model, c.LLMProviderAPIKey(provider)
}

// PollInterval returns the worker poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// TaskTimeout returns the per-task execution timeout as a duration.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// CronSyncInterval returns the schedule reconciliation interval.
func (c Config) CronSyncInterval() time.Duration {
	return time.Duration(c.CronSyncIntervalSeconds) * time.Second
}

// DrainTimeout returns the shutdown drain timeout.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, logged at
// startup so deployments can tell which settings a process runs with.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|poll=%d|timeout=%d|cron=%d|drain=%d|depth=%d|log=%s|llm=%s/%s",
		c.WorkerCount, c.PollIntervalMillis, c.TaskTimeoutSeconds, c.CronSyncIntervalSeconds,
		c.DrainTimeoutSeconds, c.MaxQueueDepth, c.LogLevel, c.LLM.Provider, c.LLM.Model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// LoadDotEnv reads KEY=VALUE lines from <homeDir>/.env into the process
// environment without overriding already-set variables.
func LoadDotEnv(homeDir string) {
	data, err := os.ReadFile(filepath.Join(homeDir, ".env"))
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
