package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderProfile{
		{ID: "main", Provider: "anthropic", APIKey: "sk-ant-test", Model: "claude-sonnet-4-20250514", Priority: 1},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 1800, cfg.Session.IdleTimeoutSecs)
	assert.Equal(t, 20, cfg.Turn.MaxSteps)
	assert.Equal(t, 10, cfg.SubAgents.Browser.MaxSteps)
	assert.Equal(t, 25, cfg.SubAgents.PageAnalysis.MaxElements)
	assert.NotEmpty(t, cfg.ToolServers)
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_NoProviders(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")
}

func TestValidate_BadProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Providers[0].Provider = "gemini"
	assert.Error(t, cfg.Validate())
}

func TestValidate_MissingAPIKey(t *testing.T) {
	cfg := validConfig()
	cfg.Providers[0].APIKey = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_DuplicateToolServerName(t *testing.T) {
	cfg := validConfig()
	cfg.ToolServers = append(cfg.ToolServers, ToolServerConfig{
		Name:    cfg.ToolServers[0].Name,
		Command: "npx",
		Tools:   []string{"other_tool"},
	})
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidate_ToolServedTwice(t *testing.T) {
	cfg := validConfig()
	cfg.ToolServers = append(cfg.ToolServers, ToolServerConfig{
		Name:    "shadow",
		Command: "npx",
		Tools:   []string{"browser_click"},
	})
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser_click")
}

func TestValidate_ToolServerWithoutTools(t *testing.T) {
	cfg := validConfig()
	cfg.ToolServers = append(cfg.ToolServers, ToolServerConfig{
		Name:    "empty",
		Command: "npx",
	})
	assert.Error(t, cfg.Validate())
}

func TestValidate_NonPositiveBudgets(t *testing.T) {
	cfg := validConfig()
	cfg.Turn.MaxSteps = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.SubAgents.Browser.MaxSteps = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Session.IdleTimeoutSecs = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_BadPort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 70000
	assert.Error(t, cfg.Validate())
}
