package provider

import (
	"context"
	"fmt"

	"github.com/webpilot-ai/webpilot/internal/config"
)

// StepType identifies what a provider stream yielded
type StepType string

const (
	StepTextDelta StepType = "text_delta"
	StepToolCall  StepType = "tool_call"
	StepDone      StepType = "done"
)

// Step is one pulled element of a model response
type Step struct {
	Type     StepType
	Text     string
	ToolCall *ToolCall
	Usage    *TokenUsage
}

// ToolCall is a model-requested tool invocation
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// TokenUsage reports token consumption
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Message is one conversation history entry. Role is one of user,
// assistant, tool. Tool results carry ToolCallID and use role tool.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// ToolDefinition describes a tool offered to the model
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request contains the parameters for a streamed model call
type Request struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	MaxTokens    int
	Temperature  float64
}

// Stream yields response steps on demand. Next blocks until the next
// step is available; after the done step (or an error) it returns
// io.EOF. Callers must Close the stream when abandoning it early.
type Stream interface {
	Next(ctx context.Context) (Step, error)
	Close() error
}

// Provider is a streaming model API client
type Provider interface {
	// Stream starts a model call and returns a pull-based stream
	Stream(ctx context.Context, request Request) (Stream, error)

	// Name returns the provider name
	Name() string
}

// New creates a provider from a configured profile
func New(profile config.ProviderProfile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.Model), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.Model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
