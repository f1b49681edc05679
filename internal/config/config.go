// Package config loads the orchestrator configuration from YAML with
// environment variable expansion and defaulting.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LLM      LLMConfig      `yaml:"llm"`
	Agents   AgentsConfig   `yaml:"agents"`
	Prompts  PromptsConfig  `yaml:"prompts"`
	Paths    PathsConfig    `yaml:"paths"`
	Session  SessionConfig  `yaml:"session"`
	Observer ObserverConfig `yaml:"observer"`
	MCP      MCPConfig      `yaml:"mcp"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LLMConfig struct {
	DefaultProvider string                    `yaml:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type AgentsConfig struct {
	CatalogPath  string `yaml:"catalog_path"`
	DefaultAgent string `yaml:"default_agent"`
}

type PromptsConfig struct {
	SystemDir string `yaml:"system_dir"`
	UserDir   string `yaml:"user_dir"`
	Watch     bool   `yaml:"watch"`
}

type PathsConfig struct {
	Workspace string `yaml:"workspace"`
	Output    string `yaml:"output"`
}

type SessionConfig struct {
	TurnTimeout  time.Duration `yaml:"turn_timeout"`
	QueueSize    int           `yaml:"queue_size"`
	Store        string        `yaml:"store"` // "memory" or "sqlite"
	SQLitePath   string        `yaml:"sqlite_path"`
	IdleTTL      time.Duration `yaml:"idle_ttl"`
	ReapSchedule string        `yaml:"reap_schedule"`
}

type ObserverConfig struct {
	Enabled            bool    `yaml:"enabled"`
	Mode               string  `yaml:"mode"` // "passive" or "active"
	StallSeconds       int     `yaml:"stall_seconds"`
	ErrorThreshold     int     `yaml:"error_threshold"`
	ErrorWindowSeconds int     `yaml:"error_window_seconds"`
	LoopThreshold      int     `yaml:"loop_threshold"`
	LoopWindowSeconds  int     `yaml:"loop_window_seconds"`
	RegressionFactor   float64 `yaml:"regression_factor"`
	BaselineSamples    int     `yaml:"baseline_samples"`
	MaxInterventions   int     `yaml:"max_interventions"`
	AlertLogPath       string  `yaml:"alert_log_path"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one external MCP server. Transport selects
// which connection fields apply: stdio uses Command/Args/Env, websocket
// and sse use URL/Headers.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
	AutoStart bool              `yaml:"auto_start"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Load reads, env-expands, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied, used by
// tests and by commands that can run without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8765
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "openai"
	}
	if cfg.Agents.CatalogPath == "" {
		cfg.Agents.CatalogPath = "config/agents.yaml"
	}
	if cfg.Agents.DefaultAgent == "" {
		cfg.Agents.DefaultAgent = "a"
	}
	if cfg.Prompts.SystemDir == "" {
		cfg.Prompts.SystemDir = "prompts"
	}
	if cfg.Paths.Workspace == "" {
		cfg.Paths.Workspace = "."
	}
	if cfg.Paths.Output == "" {
		cfg.Paths.Output = ".aiwhisperer/output"
	}
	if cfg.Session.TurnTimeout == 0 {
		cfg.Session.TurnTimeout = 300 * time.Second
	}
	if cfg.Session.QueueSize == 0 {
		cfg.Session.QueueSize = 64
	}
	if cfg.Session.Store == "" {
		cfg.Session.Store = "memory"
	}
	if cfg.Session.SQLitePath == "" {
		cfg.Session.SQLitePath = ".aiwhisperer/sessions.db"
	}
	if cfg.Session.IdleTTL == 0 {
		cfg.Session.IdleTTL = 30 * time.Minute
	}
	if cfg.Session.ReapSchedule == "" {
		cfg.Session.ReapSchedule = "@every 1m"
	}
	if cfg.Observer.Mode == "" {
		cfg.Observer.Mode = "passive"
	}
	if cfg.Observer.StallSeconds == 0 {
		cfg.Observer.StallSeconds = 30
	}
	if cfg.Observer.ErrorThreshold == 0 {
		cfg.Observer.ErrorThreshold = 5
	}
	if cfg.Observer.ErrorWindowSeconds == 0 {
		cfg.Observer.ErrorWindowSeconds = 60
	}
	if cfg.Observer.LoopThreshold == 0 {
		cfg.Observer.LoopThreshold = 5
	}
	if cfg.Observer.LoopWindowSeconds == 0 {
		cfg.Observer.LoopWindowSeconds = 60
	}
	if cfg.Observer.RegressionFactor == 0 {
		cfg.Observer.RegressionFactor = 2.0
	}
	if cfg.Observer.BaselineSamples == 0 {
		cfg.Observer.BaselineSamples = 10
	}
	if cfg.Observer.MaxInterventions == 0 {
		cfg.Observer.MaxInterventions = 10
	}
	for i := range cfg.MCP.Servers {
		if cfg.MCP.Servers[i].Timeout == 0 {
			cfg.MCP.Servers[i].Timeout = 30 * time.Second
		}
		if cfg.MCP.Servers[i].Transport == "" {
			cfg.MCP.Servers[i].Transport = "stdio"
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "aiwhisperer"
	}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	switch c.Session.Store {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("session.store: unknown store %q", c.Session.Store)
	}
	switch c.Observer.Mode {
	case "passive", "active":
	default:
		return fmt.Errorf("observer.mode: must be passive or active, got %q", c.Observer.Mode)
	}
	seen := map[string]bool{}
	for _, s := range c.MCP.Servers {
		if s.Name == "" {
			return errors.New("mcp.servers: server name is required")
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp.servers: duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("mcp.servers[%s]: stdio transport requires command", s.Name)
			}
		case "websocket", "sse":
			if s.URL == "" {
				return fmt.Errorf("mcp.servers[%s]: %s transport requires url", s.Name, s.Transport)
			}
		default:
			return fmt.Errorf("mcp.servers[%s]: unknown transport %q", s.Name, s.Transport)
		}
	}
	return nil
}
