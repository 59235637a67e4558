package toolserver

import (
	"context"
	"fmt"

	"github.com/webpilot-ai/webpilot/internal/config"
)

// State is the lifecycle state of a tool server handle
type State string

const (
	// StateStarting means the process is launching or handshaking
	StateStarting State = "starting"
	// StateReady means the server accepts tool calls
	StateReady State = "ready"
	// StateFailed means the server is unusable and must be replaced
	StateFailed State = "failed"
	// StateClosed is terminal; a closed handle is never reused
	StateClosed State = "closed"
)

// ToolDefinition describes one tool exposed by a server
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Result is the outcome of a tool call. IsError marks a tool-level
// failure reported by the server itself; the transport stayed healthy.
type Result struct {
	Text    string
	Images  []ImageContent
	IsError bool
}

// ImageContent is an inline image returned by a tool
type ImageContent struct {
	Data     string `json:"data"` // base64
	MimeType string `json:"mime_type"`
}

// CallError is a tool invocation failure. Recoverable errors justify
// restarting the server and retrying; non-recoverable ones are the
// caller's fault or a permanent condition.
type CallError struct {
	Code        string
	Message     string
	Recoverable bool
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FatalError means a tool's server could not be kept alive: its restart
// budget is exhausted and the turn cannot continue with this tool.
type FatalError struct {
	Tool     string
	Server   string
	Restarts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("tool %s failed after %d restarts of server %s: %v",
		e.Tool, e.Restarts, e.Server, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Conn is an open transport to a running tool server
type Conn interface {
	// Call invokes a tool and returns its result
	Call(ctx context.Context, name string, args map[string]any) (*Result, error)

	// ListTools fetches the server's tool definitions
	ListTools(ctx context.Context) ([]ToolDefinition, error)

	// Close terminates the server process
	Close() error
}

// Launcher starts tool server processes. Tests substitute fakes so
// pool and handle behavior can be exercised without real processes.
type Launcher interface {
	Launch(ctx context.Context, spec config.ToolServerConfig) (Conn, error)
}
