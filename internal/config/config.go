package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main webpilot configuration
type Config struct {
	// Server holds gateway server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Providers lists model provider profiles in priority order
	Providers []ProviderProfile `json:"providers" mapstructure:"providers"`

	// ToolServers lists external tool server definitions
	ToolServers []ToolServerConfig `json:"tool_servers" mapstructure:"tool_servers"`

	// Session holds session registry settings
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Turn holds orchestrator turn-loop settings
	Turn TurnConfig `json:"turn" mapstructure:"turn"`

	// SubAgents holds per-capability sub-agent settings
	SubAgents SubAgentsConfig `json:"sub_agents" mapstructure:"sub_agents"`

	// Memory holds persistent memory store settings
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// Artifacts holds screenshot artifact settings
	Artifacts ArtifactConfig `json:"artifacts" mapstructure:"artifacts"`

	// Logging holds logging configuration
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds gateway server configuration
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// ProviderProfile represents a model provider profile
type ProviderProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ToolServerConfig defines one external tool server process
type ToolServerConfig struct {
	Name    string   `json:"name" mapstructure:"name"`
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args" mapstructure:"args"`
	Tools   []string `json:"tools" mapstructure:"tools"`

	// StartupTimeoutSecs bounds the wait for the server to become ready
	StartupTimeoutSecs int `json:"startup_timeout_secs" mapstructure:"startup_timeout_secs"`
}

// SessionConfig holds session registry configuration
type SessionConfig struct {
	Dir             string `json:"dir" mapstructure:"dir"`
	IdleTimeoutSecs int    `json:"idle_timeout_secs" mapstructure:"idle_timeout_secs"`
	SweepSchedule   string `json:"sweep_schedule" mapstructure:"sweep_schedule"` // cron expression
	MaxHistory      int    `json:"max_history" mapstructure:"max_history"`
}

// IdleTimeout returns the idle timeout as a duration
func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSecs) * time.Second
}

// TurnConfig holds orchestrator turn-loop configuration
type TurnConfig struct {
	// MaxSteps bounds provider round-trips per turn
	MaxSteps int `json:"max_steps" mapstructure:"max_steps"`

	// ToolTimeoutSecs bounds a single tool call
	ToolTimeoutSecs int `json:"tool_timeout_secs" mapstructure:"tool_timeout_secs"`

	// MaxToolRetries is how many times a failed tool server is restarted
	// before the call is considered fatal
	MaxToolRetries int `json:"max_tool_retries" mapstructure:"max_tool_retries"`
}

// ToolTimeout returns the tool call timeout as a duration
func (c TurnConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSecs) * time.Second
}

// SubAgentsConfig holds sub-agent configuration. Sub-agent budgets are
// configured independently from the turn-level step limit.
type SubAgentsConfig struct {
	Browser      BrowserAgentConfig `json:"browser" mapstructure:"browser"`
	PageAnalysis PageAnalysisConfig `json:"page_analysis" mapstructure:"page_analysis"`
}

// BrowserAgentConfig holds the browser interaction sub-agent budget
type BrowserAgentConfig struct {
	MaxSteps    int `json:"max_steps" mapstructure:"max_steps"`
	TimeoutSecs int `json:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the browser task budget as a duration
func (c BrowserAgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// PageAnalysisConfig holds the page analysis sub-agent settings
type PageAnalysisConfig struct {
	// MaxElements caps the filtered element summary size
	MaxElements int `json:"max_elements" mapstructure:"max_elements"`
}

// MemoryConfig holds persistent memory store configuration
type MemoryConfig struct {
	DBPath string `json:"db_path" mapstructure:"db_path"`
}

// ArtifactConfig holds screenshot artifact configuration
type ArtifactConfig struct {
	Dir string `json:"dir" mapstructure:"dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Providers: []ProviderProfile{},
		ToolServers: []ToolServerConfig{
			{
				Name:    "playwright",
				Command: "npx",
				Args:    []string{"@playwright/mcp@latest", "--image-responses", "omit"},
				Tools: []string{
					"browser_navigate",
					"browser_click",
					"browser_type",
					"browser_take_screenshot",
					"browser_snapshot",
				},
				StartupTimeoutSecs: 30,
			},
			{
				Name:               "calculator",
				Command:            "uvx",
				Args:               []string{"mcp-server-calculator"},
				Tools:              []string{"calculate"},
				StartupTimeoutSecs: 15,
			},
			{
				Name:               "pdf",
				Command:            "uvx",
				Args:               []string{"pdf-mcp-server"},
				Tools:              []string{"read_pdf"},
				StartupTimeoutSecs: 15,
			},
		},
		Session: SessionConfig{
			IdleTimeoutSecs: 1800,
			SweepSchedule:   "@every 1m",
			MaxHistory:      500,
		},
		Turn: TurnConfig{
			MaxSteps:        20,
			ToolTimeoutSecs: 60,
			MaxToolRetries:  3,
		},
		SubAgents: SubAgentsConfig{
			Browser: BrowserAgentConfig{
				MaxSteps:    10,
				TimeoutSecs: 120,
			},
			PageAnalysis: PageAnalysisConfig{
				MaxElements: 25,
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no model provider configured: at least one provider profile is required")
	}

	for i, profile := range c.Providers {
		if profile.ID == "" {
			return fmt.Errorf("provider profile %d: ID is required", i)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("provider profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("provider profile %s: api_key is required", profile.ID)
		}
		if profile.Model == "" {
			return fmt.Errorf("provider profile %s: model is required", profile.ID)
		}
	}

	seen := map[string]bool{}
	toolOwner := map[string]string{}
	for i, ts := range c.ToolServers {
		if ts.Name == "" {
			return fmt.Errorf("tool server %d: name is required", i)
		}
		if seen[ts.Name] {
			return fmt.Errorf("tool server %s: duplicate name", ts.Name)
		}
		seen[ts.Name] = true
		if ts.Command == "" {
			return fmt.Errorf("tool server %s: command is required", ts.Name)
		}
		if len(ts.Tools) == 0 {
			return fmt.Errorf("tool server %s: at least one tool is required", ts.Name)
		}
		for _, tool := range ts.Tools {
			if owner, ok := toolOwner[tool]; ok {
				return fmt.Errorf("tool %s: served by both %s and %s", tool, owner, ts.Name)
			}
			toolOwner[tool] = ts.Name
		}
	}

	if c.Session.IdleTimeoutSecs <= 0 {
		return fmt.Errorf("session idle timeout must be positive")
	}
	if c.Turn.MaxSteps <= 0 {
		return fmt.Errorf("turn max steps must be positive")
	}
	if c.Turn.MaxToolRetries < 0 {
		return fmt.Errorf("turn max tool retries cannot be negative")
	}
	if c.SubAgents.Browser.MaxSteps <= 0 {
		return fmt.Errorf("browser sub-agent max steps must be positive")
	}
	if c.SubAgents.PageAnalysis.MaxElements <= 0 {
		return fmt.Errorf("page analysis max elements must be positive")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	return nil
}
