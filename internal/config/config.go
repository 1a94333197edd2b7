// Package config loads engine configuration: defaults -> TOML file -> env
// vars, with the environment winning. Env keys match the ones the CLI
// documents (DEFAULT_MAX_TURNS, TEMPERATURE, ...), so a .env file loaded
// before Load applies cleanly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Conversation ConversationConfig `toml:"conversation"`
	Generation   GenerationConfig   `toml:"generation"`
	Retry        RetryConfig        `toml:"retry"`
	Storage      StorageConfig      `toml:"storage"`
	Observer     ObserverConfig     `toml:"observer"`
}

type ConversationConfig struct {
	MaxTurns              int      `toml:"max_turns"`
	TimeoutMinutes        int      `toml:"timeout_minutes"`
	ContextMessages       int      `toml:"context_messages"`
	MaxMessageLength      int      `toml:"max_message_length"`
	SimilarityThreshold   float64  `toml:"similarity_threshold"`
	MaxConsecutiveSimilar int      `toml:"max_consecutive_similar"`
	TerminationPhrases    []string `toml:"termination_phrases"`
}

type GenerationConfig struct {
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
}

type RetryConfig struct {
	MaxRetries        int     `toml:"max_retries"`
	InitialBackoff    float64 `toml:"initial_backoff"` // seconds
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	MaxBackoff        float64 `toml:"max_backoff"` // seconds
	FailureThreshold  int     `toml:"failure_threshold"`
	CooldownSeconds   int     `toml:"cooldown_seconds"`
}

type StorageConfig struct {
	DataDir     string `toml:"data_dir"`
	PostgresURL string `toml:"postgres_url"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Conversation: ConversationConfig{
			MaxTurns:              50,
			TimeoutMinutes:        30,
			ContextMessages:       10,
			MaxMessageLength:      100000,
			SimilarityThreshold:   0.85,
			MaxConsecutiveSimilar: 2,
		},
		Generation: GenerationConfig{
			Temperature: 0.7,
			MaxTokens:   1024,
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialBackoff:    2.0,
			BackoffMultiplier: 2.0,
			MaxBackoff:        120.0,
			FailureThreshold:  5,
			CooldownSeconds:   60,
		},
		Storage: StorageConfig{DataDir: "./data"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). A missing
// file is fine (defaults apply); an unreadable or malformed one is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "parley.toml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	envInt("DEFAULT_MAX_TURNS", &cfg.Conversation.MaxTurns)
	envInt("DEFAULT_TIMEOUT_MINUTES", &cfg.Conversation.TimeoutMinutes)
	envInt("MAX_CONTEXT_MSGS", &cfg.Conversation.ContextMessages)
	envInt("MAX_MESSAGE_LENGTH", &cfg.Conversation.MaxMessageLength)
	envFloat("SIMILARITY_THRESHOLD", &cfg.Conversation.SimilarityThreshold)
	envInt("MAX_CONSECUTIVE_SIMILAR", &cfg.Conversation.MaxConsecutiveSimilar)
	if v := os.Getenv("TERMINATION_PHRASES"); v != "" {
		var phrases []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				phrases = append(phrases, p)
			}
		}
		cfg.Conversation.TerminationPhrases = phrases
	}

	envFloat("TEMPERATURE", &cfg.Generation.Temperature)
	envInt("MAX_TOKENS", &cfg.Generation.MaxTokens)

	envInt("MAX_RETRIES", &cfg.Retry.MaxRetries)
	envFloat("INITIAL_BACKOFF", &cfg.Retry.InitialBackoff)
	envFloat("BACKOFF_MULTIPLIER", &cfg.Retry.BackoffMultiplier)
	envFloat("MAX_BACKOFF", &cfg.Retry.MaxBackoff)
	envInt("FAILURE_THRESHOLD", &cfg.Retry.FailureThreshold)
	envInt("COOLDOWN_SECONDS", &cfg.Retry.CooldownSeconds)

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		cfg.Storage.PostgresURL = v
	}
	if v := os.Getenv("OBSERVER_ENABLED"); v != "" {
		cfg.Observer.Enabled = v == "true" || v == "1"
	}

	return cfg, nil
}

// Validate checks value ranges and reports the first violation.
func (c Config) Validate() error {
	if c.Conversation.MaxTurns < 1 {
		return fmt.Errorf("max_turns must be >= 1, got %d", c.Conversation.MaxTurns)
	}
	if c.Conversation.TimeoutMinutes < 1 {
		return fmt.Errorf("timeout_minutes must be >= 1, got %d", c.Conversation.TimeoutMinutes)
	}
	if c.Conversation.ContextMessages < 1 {
		return fmt.Errorf("context_messages must be >= 1, got %d", c.Conversation.ContextMessages)
	}
	if c.Conversation.MaxMessageLength < 1 {
		return fmt.Errorf("max_message_length must be >= 1, got %d", c.Conversation.MaxMessageLength)
	}
	if t := c.Conversation.SimilarityThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("similarity_threshold must be in (0, 1], got %v", t)
	}
	if c.Conversation.MaxConsecutiveSimilar < 1 {
		return fmt.Errorf("max_consecutive_similar must be >= 1, got %d", c.Conversation.MaxConsecutiveSimilar)
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0, 2], got %v", c.Generation.Temperature)
	}
	if c.Generation.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be >= 1, got %d", c.Generation.MaxTokens)
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.InitialBackoff <= 0 {
		return fmt.Errorf("initial_backoff must be > 0, got %v", c.Retry.InitialBackoff)
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1, got %v", c.Retry.BackoffMultiplier)
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("max_backoff must be >= initial_backoff, got %v", c.Retry.MaxBackoff)
	}
	if c.Retry.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1, got %d", c.Retry.FailureThreshold)
	}
	return nil
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
