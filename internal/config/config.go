package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the config file looked up inside the data directory.
const DefaultFileName = "storyloom.yaml"

// Config holds all storyloom configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir is the root of the story storage tree.
	DataDir string `yaml:"data_dir"`

	// Model capability
	LLM LLMConfig `yaml:"llm"`

	// Context assembly defaults
	Context ContextConfig `yaml:"context"`

	// Agent orchestration limits
	Agents AgentsConfig `yaml:"agents"`

	// Fragment store backend
	Store StoreConfig `yaml:"store"`

	// Script block sandbox
	Scripts ScriptsConfig `yaml:"scripts"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the model capability.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
	MaxSteps int    `yaml:"max_steps"` // tool-call round trips per generation
}

// ContextConfig configures default prose windows and prompt post-processing.
type ContextConfig struct {
	// Exactly one budget is used; prose_limit is the fallback when none of the
	// others are set here or in the story settings.
	ProseLimit    int `yaml:"prose_limit"`
	MaxCharacters int `yaml:"max_characters"`
	MaxTokens     int `yaml:"max_tokens"`

	// ExpandDepth bounds recursive <@id> expansion (0 = top-level tags only).
	ExpandDepth int `yaml:"expand_depth"`

	// CacheBreakpoints annotates the stable prompt prefix for provider caching.
	CacheBreakpoints bool `yaml:"cache_breakpoints"`
}

// AgentsConfig configures the agent runner.
type AgentsConfig struct {
	MaxCallDepth int `yaml:"max_call_depth"`
}

// StoreConfig selects the fragment store backend.
type StoreConfig struct {
	Backend    string `yaml:"backend"` // file, sqlite
	SQLitePath string `yaml:"sqlite_path"`
}

// ScriptsConfig configures script block evaluation.
type ScriptsConfig struct {
	Timeout         string   `yaml:"timeout"`
	AllowedPackages []string `yaml:"allowed_packages,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "storyloom",
		Version: "0.1.0",
		DataDir: "data",
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			Timeout:  "120s",
			MaxSteps: 8,
		},
		Context: ContextConfig{
			ProseLimit:       10,
			ExpandDepth:      0,
			CacheBreakpoints: true,
		},
		Agents: AgentsConfig{
			MaxCallDepth: 8,
		},
		Store: StoreConfig{
			Backend: "file",
		},
		Scripts: ScriptsConfig{
			Timeout: "2s",
		},
		Logging: LoggingConfig{
			Level:     "info",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	} else if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("STORYLOOM_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if dir := os.Getenv("STORYLOOM_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
}

// GetLLMTimeout returns the model call timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetScriptTimeout returns the script block evaluation timeout.
func (c *Config) GetScriptTimeout() time.Duration {
	d, err := time.ParseDuration(c.Scripts.Timeout)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// ValidBackends lists the supported fragment store backends.
var ValidBackends = []string{"file", "sqlite"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Context.ProseLimit < 0 || c.Context.MaxCharacters < 0 || c.Context.MaxTokens < 0 {
		return fmt.Errorf("context budgets must be non-negative")
	}
	if c.Context.ExpandDepth < 0 {
		return fmt.Errorf("context.expand_depth must be non-negative, got %d", c.Context.ExpandDepth)
	}
	if c.Agents.MaxCallDepth < 1 {
		return fmt.Errorf("agents.max_call_depth must be at least 1, got %d", c.Agents.MaxCallDepth)
	}

	validBackend := false
	for _, b := range ValidBackends {
		if c.Store.Backend == b {
			validBackend = true
			break
		}
	}
	if !validBackend {
		return fmt.Errorf("invalid store backend: %s (valid: %v)", c.Store.Backend, ValidBackends)
	}
	if c.Store.Backend == "sqlite" && c.Store.SQLitePath == "" {
		return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
	}

	if c.LLM.Timeout != "" {
		if _, err := time.ParseDuration(c.LLM.Timeout); err != nil {
			return fmt.Errorf("invalid llm.timeout %q: %w", c.LLM.Timeout, err)
		}
	}
	if c.Scripts.Timeout != "" {
		if _, err := time.ParseDuration(c.Scripts.Timeout); err != nil {
			return fmt.Errorf("invalid scripts.timeout %q: %w", c.Scripts.Timeout, err)
		}
	}
	return nil
}

// SQLitePath resolves the sqlite database path relative to the data directory.
func (c *Config) SQLitePath() string {
	if filepath.IsAbs(c.Store.SQLitePath) {
		return c.Store.SQLitePath
	}
	return filepath.Join(c.DataDir, c.Store.SQLitePath)
}

// LogsDir is where category log files are written.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// DefaultBudget returns the fallback prose budget as a compaction mode and
// value. max_characters wins over max_tokens, which wins over prose_limit.
func (c *Config) DefaultBudget() (string, int) {
	switch {
	case c.Context.MaxCharacters > 0:
		return "maxCharacters", c.Context.MaxCharacters
	case c.Context.MaxTokens > 0:
		return "maxTokens", c.Context.MaxTokens
	}
	return "proseLimit", c.Context.ProseLimit
}
