package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if cfg.Conversation.MaxTurns != 50 {
		t.Errorf("max_turns = %d, want 50", cfg.Conversation.MaxTurns)
	}
	if cfg.Generation.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", cfg.Generation.Temperature)
	}
	if cfg.Retry.InitialBackoff != 2.0 {
		t.Errorf("initial_backoff = %v, want 2.0", cfg.Retry.InitialBackoff)
	}
	if cfg.Storage.DataDir != "./data" {
		t.Errorf("data_dir = %q", cfg.Storage.DataDir)
	}
}

func TestLoadTOMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.toml")
	toml := `
[conversation]
max_turns = 12
similarity_threshold = 0.9
termination_phrases = ["farewell", "the end"]

[retry]
failure_threshold = 7
`
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Conversation.MaxTurns != 12 {
		t.Errorf("max_turns = %d, want 12", cfg.Conversation.MaxTurns)
	}
	if cfg.Conversation.SimilarityThreshold != 0.9 {
		t.Errorf("similarity_threshold = %v", cfg.Conversation.SimilarityThreshold)
	}
	if len(cfg.Conversation.TerminationPhrases) != 2 {
		t.Errorf("phrases = %v", cfg.Conversation.TerminationPhrases)
	}
	if cfg.Retry.FailureThreshold != 7 {
		t.Errorf("failure_threshold = %d", cfg.Retry.FailureThreshold)
	}
	// Untouched sections keep defaults.
	if cfg.Generation.MaxTokens != 1024 {
		t.Errorf("max_tokens = %d, want 1024", cfg.Generation.MaxTokens)
	}
}

func TestEnvWinsOverTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.toml")
	if err := os.WriteFile(path, []byte("[conversation]\nmax_turns = 12\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DEFAULT_MAX_TURNS", "99")
	t.Setenv("SIMILARITY_THRESHOLD", "0.5")
	t.Setenv("TERMINATION_PHRASES", "bye, so long , ")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Conversation.MaxTurns != 99 {
		t.Errorf("max_turns = %d, want env 99", cfg.Conversation.MaxTurns)
	}
	if cfg.Conversation.SimilarityThreshold != 0.5 {
		t.Errorf("similarity_threshold = %v", cfg.Conversation.SimilarityThreshold)
	}
	want := []string{"bye", "so long"}
	if len(cfg.Conversation.TerminationPhrases) != len(want) {
		t.Fatalf("phrases = %v", cfg.Conversation.TerminationPhrases)
	}
	for i := range want {
		if cfg.Conversation.TerminationPhrases[i] != want[i] {
			t.Errorf("phrase %d = %q, want %q", i, cfg.Conversation.TerminationPhrases[i], want[i])
		}
	}
}

func TestEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("DEFAULT_MAX_TURNS", "not a number")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Conversation.MaxTurns != 50 {
		t.Errorf("garbage env applied: %d", cfg.Conversation.MaxTurns)
	}
}

func TestLoadMalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.toml")
	if err := os.WriteFile(path, []byte("[conversation\nmax_turns = "), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed file must not silently fall back to defaults")
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max_turns", func(c *Config) { c.Conversation.MaxTurns = 0 }},
		{"zero timeout", func(c *Config) { c.Conversation.TimeoutMinutes = 0 }},
		{"threshold over 1", func(c *Config) { c.Conversation.SimilarityThreshold = 1.5 }},
		{"threshold zero", func(c *Config) { c.Conversation.SimilarityThreshold = 0 }},
		{"negative temperature", func(c *Config) { c.Generation.Temperature = -0.1 }},
		{"temperature over 2", func(c *Config) { c.Generation.Temperature = 2.5 }},
		{"zero retries", func(c *Config) { c.Retry.MaxRetries = 0 }},
		{"multiplier below 1", func(c *Config) { c.Retry.BackoffMultiplier = 0.5 }},
		{"max below initial", func(c *Config) { c.Retry.MaxBackoff = 1; c.Retry.InitialBackoff = 2 }},
		{"zero failure threshold", func(c *Config) { c.Retry.FailureThreshold = 0 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
