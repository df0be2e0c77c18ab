// Package config handles backlog assistant configuration loading.
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
// An explicit path (from the --config flag) is checked first.
// Then: ./config.yaml, ~/.config/backlog/config.yaml, /etc/backlog/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "backlog", "config.yaml"))
	}

	paths = append(paths, "/etc/backlog/config.yaml")
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

// Config holds all backlog assistant configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	Anthropic AnthropicConfig         `yaml:"anthropic"`
	Chat      ChatConfig              `yaml:"chat"`
	Sessions  SessionsConfig          `yaml:"sessions"`
	Backlog   BacklogConfig           `yaml:"backlog"`
	Usage     UsageConfig             `yaml:"usage"`
	Steam     SteamConfig             `yaml:"steam"`
	Policy    PolicyConfig            `yaml:"policy"`
	MQTT      MQTTConfig              `yaml:"mqtt"`
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	DataDir   string                  `yaml:"data_dir"`
	LogLevel  string                  `yaml:"log_level"`
	LogFormat string                  `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	BaseURL   string `yaml:"base_url"` // Override for proxies and tests
}

// ChatConfig bounds the orchestration of a single user message.
type ChatConfig struct {
	// MaxToolDepth is the number of tool-driven follow-up model
	// invocations allowed per user message.
	MaxToolDepth int           `yaml:"max_tool_depth"`
	ModelTimeout time.Duration `yaml:"model_timeout"`
	ToolTimeout  time.Duration `yaml:"tool_timeout"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
}

// RequestBudget is how long one user message may run: every model
// invocation up to the depth ceiling plus one tool per round at its
// timeout.
func (c ChatConfig) RequestBudget() time.Duration {
	depth := time.Duration(c.MaxToolDepth)
	return (depth+1)*c.ModelTimeout + depth*c.ToolTimeout
}

// SessionsConfig selects the session store.
type SessionsConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite or postgres
	Path   string `yaml:"path"`   // sqlite database file
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// BacklogConfig locates the backlog database.
type BacklogConfig struct {
	Path string `yaml:"path"`
}

// UsageConfig locates the token usage ledger. Empty disables recording.
type UsageConfig struct {
	Path string `yaml:"path"`
}

// SteamConfig enables profile visibility lookups against the Steam Web
// API. Without an API key every profile is treated as unknown.
type SteamConfig struct {
	APIKey   string        `yaml:"api_key"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// PolicyConfig points at an optional rego file that replaces the
// built-in tool policy.
type PolicyConfig struct {
	File string `yaml:"file"`
}

// MQTTConfig enables forwarding of operational events to a broker.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883; empty disables
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// PricingEntry is the cost per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file. Values not present in the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDataDir()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a runnable configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-5-20250929",
			MaxTokens: 4096,
		},
		Chat: ChatConfig{
			MaxToolDepth: 5,
			ModelTimeout: 60 * time.Second,
			ToolTimeout:  15 * time.Second,
			SessionTTL:   24 * time.Hour,
			LeaseTTL:     10 * time.Minute,
		},
		Sessions: SessionsConfig{Driver: "memory"},
		Steam:    SteamConfig{CacheTTL: time.Hour},
		MQTT:     MQTTConfig{TopicPrefix: "backlog", ClientID: "backlog-assistant"},
		Pricing: map[string]PricingEntry{
			"claude-sonnet-4-5-20250929": {InputPerMillion: 3, OutputPerMillion: 15},
			"claude-opus-4-1-20250805":   {InputPerMillion: 15, OutputPerMillion: 75},
			"claude-haiku-4-5-20251001":  {InputPerMillion: 1, OutputPerMillion: 5},
		},
		DataDir:   "./db",
		LogFormat: "text",
	}
}

// applyDataDir fills unset database paths from DataDir.
func (c *Config) applyDataDir() {
	if c.DataDir == "" {
		return
	}
	if c.Backlog.Path == "" {
		c.Backlog.Path = filepath.Join(c.DataDir, "backlog.db")
	}
	if c.Sessions.Driver == "sqlite" && c.Sessions.Path == "" {
		c.Sessions.Path = filepath.Join(c.DataDir, "sessions.db")
	}
}

// Validate reports configuration values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Anthropic.Model == "" {
		errs = append(errs, errors.New("anthropic.model is required"))
	}
	if c.Anthropic.MaxTokens <= 0 {
		errs = append(errs, errors.New("anthropic.max_tokens must be positive"))
	}
	if c.Chat.MaxToolDepth < 0 {
		errs = append(errs, errors.New("chat.max_tool_depth must not be negative"))
	}
	if c.Chat.ModelTimeout <= 0 || c.Chat.ToolTimeout <= 0 {
		errs = append(errs, errors.New("chat timeouts must be positive"))
	}
	if c.Chat.SessionTTL <= 0 || c.Chat.LeaseTTL <= 0 {
		errs = append(errs, errors.New("chat.session_ttl and chat.lease_ttl must be positive"))
	} else if budget := c.Chat.RequestBudget(); c.Chat.LeaseTTL < budget {
		errs = append(errs, fmt.Errorf("chat.lease_ttl %s is shorter than the longest request (%s)", c.Chat.LeaseTTL, budget))
	}

	switch c.Sessions.Driver {
	case "memory":
	case "sqlite":
		if c.Sessions.Path == "" {
			errs = append(errs, errors.New("sessions.path is required for the sqlite driver"))
		}
	case "postgres":
		if c.Sessions.DSN == "" {
			errs = append(errs, errors.New("sessions.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sessions.driver %q (valid: memory, sqlite, postgres)", c.Sessions.Driver))
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ListenAddr returns the host:port the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}
