// Package config handles Tracewise configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/tracewise/config.yaml, /etc/tracewise/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tracewise", "config.yaml"))
	}

	paths = append(paths, "/etc/tracewise/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Tracewise configuration.
type Config struct {
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Agent     AgentConfig     `yaml:"agent"`
	Condense  CondenseConfig  `yaml:"condense"`
	Session   SessionConfig   `yaml:"session"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	GitHub    GitHubConfig    `yaml:"github"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	// Default is used when a request does not name a model.
	Default string `yaml:"default"`
	// Summary is the model used for prior-summary condensation calls.
	// Falls back to Default.
	Summary   string        `yaml:"summary"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // anthropic, openai, gemini, ollama
	ContextWindow int    `yaml:"context_window"`

	// Prices in USD per million tokens. Zero for local models.
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines OpenAI-compatible chat completions settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // default https://api.openai.com/v1
}

// GeminiConfig defines Google Gemini API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// OllamaConfig defines the local Ollama endpoint.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// AgentConfig bounds a single agent run.
type AgentConfig struct {
	// MaxIterations caps assistant turns per run. The last one is
	// always a forced-final call with tools disabled.
	MaxIterations int `yaml:"max_iterations"`
	// ChatMaxIterations is the cap used for chat sessions.
	ChatMaxIterations int `yaml:"chat_max_iterations"`
	// ModelTimeout bounds a single model call.
	ModelTimeout time.Duration `yaml:"model_timeout"`
	// ToolTimeout bounds a single tool call.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
	// ToolConcurrency limits parallel tool calls from one model turn.
	ToolConcurrency int `yaml:"tool_concurrency"`
	// ContextBudget is the character budget handed to the condenser
	// before every model call. Zero means unbounded.
	ContextBudget int `yaml:"context_budget"`
}

// CondenseConfig holds context condensation knobs.
type CondenseConfig struct {
	ToolResultCeiling  int    `yaml:"tool_result_ceiling"`
	KeepRecent         int    `yaml:"keep_recent"`
	SummarizeThreshold int    `yaml:"summarize_threshold"`
	Mode               string `yaml:"mode"` // elide or summarize
}

// SessionConfig selects and tunes the session store.
type SessionConfig struct {
	Driver       string        `yaml:"driver"` // sqlite (default) or memory
	Path         string        `yaml:"path"`   // default <data_dir>/sessions.db
	TTL          time.Duration `yaml:"ttl"`
	HistoryLimit int           `yaml:"history_limit"`
	SingleFlight bool          `yaml:"single_flight"`
}

// WorkspaceConfig defines the roots file tools may read.
type WorkspaceConfig struct {
	// Path is the root directory for file operations. Relative tool
	// paths resolve against it. If empty, file tools are disabled.
	Path string `yaml:"path"`
	// ReadOnlyDirs are additional directories the agent can read.
	ReadOnlyDirs []string `yaml:"read_only_dirs"`
}

// GitHubConfig enables the repository browsing tools.
type GitHubConfig struct {
	Token        string `yaml:"token"`
	DefaultOwner string `yaml:"default_owner"`
	BaseURL      string `yaml:"base_url"` // GitHub Enterprise API URL
}

// Configured reports whether repository tools should be registered.
func (g GitHubConfig) Configured() bool {
	return g.Token != ""
}

// MQTTConfig enables forwarding of run events to an MQTT broker.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"` // default derived from the instance id
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Configured reports whether an MQTT broker was provided.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing and defaults are applied to any
// unset field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Models.Default == "" {
		c.Models.Default = "gpt-4.1-mini"
	}
	if c.Models.Summary == "" {
		c.Models.Summary = c.Models.Default
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 8
	}
	if c.Agent.ChatMaxIterations <= 0 {
		c.Agent.ChatMaxIterations = 5
	}
	if c.Agent.ModelTimeout <= 0 {
		c.Agent.ModelTimeout = 2 * time.Minute
	}
	if c.Agent.ToolTimeout <= 0 {
		c.Agent.ToolTimeout = 30 * time.Second
	}
	if c.Agent.ToolConcurrency <= 0 {
		c.Agent.ToolConcurrency = 4
	}
	if c.Condense.ToolResultCeiling <= 0 {
		c.Condense.ToolResultCeiling = 3000
	}
	if c.Condense.KeepRecent <= 0 {
		c.Condense.KeepRecent = 6
	}
	if c.Condense.SummarizeThreshold <= 0 {
		c.Condense.SummarizeThreshold = 20
	}
	if c.Condense.Mode == "" {
		c.Condense.Mode = "summarize"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Session.Driver == "" {
		c.Session.Driver = "sqlite"
	}
	if c.Session.Path == "" {
		c.Session.Path = filepath.Join(c.DataDir, "sessions.db")
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 24 * time.Hour
	}
	if c.Session.HistoryLimit <= 0 {
		c.Session.HistoryLimit = 40
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "tracewise/events"
	}
}

// Validate checks for configuration combinations that cannot work.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	switch c.Condense.Mode {
	case "elide", "summarize":
	default:
		errs = append(errs, fmt.Errorf("condense.mode %q must be elide or summarize", c.Condense.Mode))
	}
	switch c.Session.Driver {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("session.driver %q must be sqlite or memory", c.Session.Driver))
	}
	if c.Agent.MaxIterations < 1 || c.Agent.ChatMaxIterations < 1 {
		errs = append(errs, errors.New("agent iteration caps must be at least 1"))
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "anthropic", "openai", "gemini", "ollama":
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}

	return errors.Join(errs...)
}

// Model returns the entry for a configured model.
func (c *Config) Model(name string) (ModelConfig, bool) {
	for _, m := range c.Models.Available {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// ContextWindow returns the configured context window for a model, or
// zero when the model is not listed.
func (c *Config) ContextWindow(model string) int {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.ContextWindow
		}
	}
	return 0
}
