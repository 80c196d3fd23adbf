package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/personadrift/internal/retry"
)

// Config holds all configuration for a personadrift run.
// It is loaded from a YAML file and can be overridden by environment variables.
type Config struct {
	Providers    map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Models       ModelsConfig              `mapstructure:"models" yaml:"models"`
	Embedding    EmbeddingConfig           `mapstructure:"embedding" yaml:"embedding"`
	Classifier   ClassifierConfig          `mapstructure:"classifier" yaml:"classifier"`
	Conversation ConversationConfig        `mapstructure:"conversation" yaml:"conversation"`
	Monitor      MonitorConfig             `mapstructure:"monitor" yaml:"monitor"`
	IGRC         IGRCConfig                `mapstructure:"igrc" yaml:"igrc"`
	Retry        RetryConfig               `mapstructure:"retry" yaml:"retry"`
	Paths        PathsConfig               `mapstructure:"paths" yaml:"paths"`
	Logging      LoggingConfig             `mapstructure:"logging" yaml:"logging"`
	Metrics      MetricsConfig             `mapstructure:"metrics" yaml:"metrics"`
}

// ProviderConfig binds a backend slot ("primary", "secondary") to a concrete
// completion backend.
type ProviderConfig struct {
	// Kind selects the backend implementation: "openai", "anthropic" or "replicate"
	Kind string `mapstructure:"kind" yaml:"kind"`
	// Endpoint overrides the backend's default API base URL
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// APIKey authenticates against the backend; falls back to the backend's env var
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// TimeoutSec bounds a single request
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	// MaxTokens caps response length
	MaxTokens int `mapstructure:"max_tokens" yaml:"max_tokens"`
	// RequestsPerMinute rate-limits calls to this backend (0 = unlimited)
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// ModelRef names a model and the backend slot serving it.
type ModelRef struct {
	Model    string `mapstructure:"model" yaml:"model"`
	Provider string `mapstructure:"provider" yaml:"provider"`
}

// ModelsConfig assigns models to the three conversational roles.
type ModelsConfig struct {
	Persona   ModelRef `mapstructure:"persona" yaml:"persona"`
	Simulator ModelRef `mapstructure:"simulator" yaml:"simulator"`
	Judge     ModelRef `mapstructure:"judge" yaml:"judge"`
}

// EmbeddingConfig configures the embedding backend.
type EmbeddingConfig struct {
	// Kind is "openai" or "ollama"
	Kind     string `mapstructure:"kind" yaml:"kind"`
	Model    string `mapstructure:"model" yaml:"model"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key,omitempty"`
}

// ClassifierConfig configures the entailment/contradiction classifier used by
// the divergence monitor.
type ClassifierConfig struct {
	// Kind is "http" (hosted cross-encoder) or "judge" (completion model)
	Kind     string `mapstructure:"kind" yaml:"kind"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// Model and Provider are used by the judge classifier
	Model    string `mapstructure:"model" yaml:"model,omitempty"`
	Provider string `mapstructure:"provider" yaml:"provider,omitempty"`
}

// ConversationConfig controls the outer conversation loop.
type ConversationConfig struct {
	Turns       int     `mapstructure:"turns" yaml:"turns"`
	WindowSize  int     `mapstructure:"window_size" yaml:"window_size"`
	Workers     int     `mapstructure:"workers" yaml:"workers"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	Seed        uint64  `mapstructure:"seed" yaml:"seed"`
}

// MonitorConfig controls drift scoring.
type MonitorConfig struct {
	// SimilarityThreshold is the cosine floor below which a draft counts as stylistic drift
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	// HypocrisyCadence runs the judge every Nth persona turn (and on the final turn)
	HypocrisyCadence int `mapstructure:"hypocrisy_cadence" yaml:"hypocrisy_cadence"`
}

// IGRCConfig controls the critique-and-regenerate loop.
type IGRCConfig struct {
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// RetryConfig controls provider-level retries with exponential backoff.
type RetryConfig struct {
	MaxTries          int `mapstructure:"max_tries" yaml:"max_tries"`
	InitialIntervalMs int `mapstructure:"initial_interval_ms" yaml:"initial_interval_ms"`
	MaxIntervalMs     int `mapstructure:"max_interval_ms" yaml:"max_interval_ms"`
}

// Policy converts the settings to a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxTries:        r.MaxTries,
		InitialInterval: time.Duration(r.InitialIntervalMs) * time.Millisecond,
		MaxInterval:     time.Duration(r.MaxIntervalMs) * time.Millisecond,
	}
}

// PathsConfig locates inputs and outputs.
type PathsConfig struct {
	ProfileDir string `mapstructure:"profile_dir" yaml:"profile_dir"`
	Dataset    string `mapstructure:"dataset" yaml:"dataset"`
	OutputDir  string `mapstructure:"output_dir" yaml:"output_dir"`
	ResultsDB  string `mapstructure:"results_db" yaml:"results_db"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file
	File string `mapstructure:"file" yaml:"file"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables the endpoint
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"primary": {
				Kind:              "openai",
				TimeoutSec:        120,
				MaxTokens:         1024,
				RequestsPerMinute: 60,
			},
			"secondary": {
				Kind:              "replicate",
				TimeoutSec:        300,
				MaxTokens:         512,
				RequestsPerMinute: 30,
			},
		},
		Models: ModelsConfig{
			Persona:   ModelRef{Model: "gpt-4o", Provider: "primary"},
			Simulator: ModelRef{Model: "gpt-4o-mini", Provider: "primary"},
			Judge:     ModelRef{Model: "gpt-4o-mini", Provider: "primary"},
		},
		Embedding: EmbeddingConfig{
			Kind:  "openai",
			Model: "text-embedding-3-small",
		},
		Classifier: ClassifierConfig{
			Kind:     "judge",
			Model:    "gpt-4o-mini",
			Provider: "primary",
		},
		Conversation: ConversationConfig{
			Turns:       20,
			WindowSize:  11,
			Workers:     4,
			Temperature: 0.7,
			Seed:        42,
		},
		Monitor: MonitorConfig{
			SimilarityThreshold: 0.4,
			HypocrisyCadence:    5,
		},
		IGRC: IGRCConfig{
			MaxRetries: 2,
		},
		Retry: RetryConfig{
			MaxTries:          3,
			InitialIntervalMs: 500,
			MaxIntervalMs:     10000,
		},
		Paths: PathsConfig{
			ProfileDir: "data/profiles/profiles-eng",
			Dataset:    "data/rolebench/test.jsonl",
			OutputDir:  "out",
			ResultsDB:  "out/results.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromPath reads configuration from path and merges environment variable
// overrides (prefix PERSONADRIFT_, e.g. PERSONADRIFT_CONVERSATION_TURNS).
// If the file doesn't exist, it is created with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v, Default())

	v.SetEnvPrefix("PERSONADRIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Paths.ProfileDir = expandPath(cfg.Paths.ProfileDir)
	cfg.Paths.Dataset = expandPath(cfg.Paths.Dataset)
	cfg.Paths.OutputDir = expandPath(cfg.Paths.OutputDir)
	cfg.Paths.ResultsDB = expandPath(cfg.Paths.ResultsDB)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	return &cfg, nil
}

// setDefaults registers scalar defaults so partial files and env overrides
// still yield a complete configuration.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("embedding.kind", d.Embedding.Kind)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("classifier.kind", d.Classifier.Kind)
	v.SetDefault("classifier.model", d.Classifier.Model)
	v.SetDefault("classifier.provider", d.Classifier.Provider)
	v.SetDefault("models.persona.model", d.Models.Persona.Model)
	v.SetDefault("models.persona.provider", d.Models.Persona.Provider)
	v.SetDefault("models.simulator.model", d.Models.Simulator.Model)
	v.SetDefault("models.simulator.provider", d.Models.Simulator.Provider)
	v.SetDefault("models.judge.model", d.Models.Judge.Model)
	v.SetDefault("models.judge.provider", d.Models.Judge.Provider)
	v.SetDefault("conversation.turns", d.Conversation.Turns)
	v.SetDefault("conversation.window_size", d.Conversation.WindowSize)
	v.SetDefault("conversation.workers", d.Conversation.Workers)
	v.SetDefault("conversation.temperature", d.Conversation.Temperature)
	v.SetDefault("conversation.seed", d.Conversation.Seed)
	v.SetDefault("monitor.similarity_threshold", d.Monitor.SimilarityThreshold)
	v.SetDefault("monitor.hypocrisy_cadence", d.Monitor.HypocrisyCadence)
	v.SetDefault("igrc.max_retries", d.IGRC.MaxRetries)
	v.SetDefault("retry.max_tries", d.Retry.MaxTries)
	v.SetDefault("retry.initial_interval_ms", d.Retry.InitialIntervalMs)
	v.SetDefault("retry.max_interval_ms", d.Retry.MaxIntervalMs)
	v.SetDefault("paths.profile_dir", d.Paths.ProfileDir)
	v.SetDefault("paths.dataset", d.Paths.Dataset)
	v.SetDefault("paths.output_dir", d.Paths.OutputDir)
	v.SetDefault("paths.results_db", d.Paths.ResultsDB)
	v.SetDefault("logging.level", d.Logging.Level)
}

// SaveToPath writes the configuration to a YAML file.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// OutputPath returns the JSONL output file for a run mode.
func (c *Config) OutputPath(mode string) string {
	return filepath.Join(c.Paths.OutputDir, "rolebench_"+mode+".jsonl")
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	validKinds := map[string]bool{"openai": true, "anthropic": true, "replicate": true}
	for slot, p := range c.Providers {
		if slot != "primary" && slot != "secondary" {
			return fmt.Errorf("invalid provider slot '%s', must be 'primary' or 'secondary'", slot)
		}
		if !validKinds[p.Kind] {
			return fmt.Errorf("provider '%s' has invalid kind '%s', must be one of: openai, anthropic, replicate", slot, p.Kind)
		}
	}

	for name, ref := range map[string]ModelRef{
		"persona":   c.Models.Persona,
		"simulator": c.Models.Simulator,
		"judge":     c.Models.Judge,
	} {
		if ref.Model == "" {
			return fmt.Errorf("models.%s.model cannot be empty", name)
		}
		if _, ok := c.Providers[ref.Provider]; !ok {
			return fmt.Errorf("models.%s.provider '%s' not found in providers map", name, ref.Provider)
		}
	}

	if c.Embedding.Kind != "openai" && c.Embedding.Kind != "ollama" {
		return fmt.Errorf("invalid embedding kind '%s', must be 'openai' or 'ollama'", c.Embedding.Kind)
	}

	switch c.Classifier.Kind {
	case "http":
		if c.Classifier.Endpoint == "" {
			return fmt.Errorf("classifier.endpoint is required for the http classifier")
		}
	case "judge":
		if _, ok := c.Providers[c.Classifier.Provider]; !ok {
			return fmt.Errorf("classifier.provider '%s' not found in providers map", c.Classifier.Provider)
		}
	default:
		return fmt.Errorf("invalid classifier kind '%s', must be 'http' or 'judge'", c.Classifier.Kind)
	}

	if c.Conversation.Turns < 1 {
		return fmt.Errorf("conversation.turns must be at least 1")
	}
	if c.Conversation.WindowSize < 2 {
		return fmt.Errorf("conversation.window_size must be at least 2")
	}
	if c.Conversation.Workers < 1 {
		return fmt.Errorf("conversation.workers must be at least 1")
	}
	if c.Monitor.HypocrisyCadence < 1 {
		return fmt.Errorf("monitor.hypocrisy_cadence must be at least 1")
	}
	if c.IGRC.MaxRetries < 0 {
		return fmt.Errorf("igrc.max_retries cannot be negative")
	}
	if c.Retry.MaxTries < 1 {
		return fmt.Errorf("retry.max_tries must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
