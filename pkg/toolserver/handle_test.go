package toolserver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot-ai/webpilot/internal/config"
)

func newReadyHandle(t *testing.T, conn *fakeConn) *Handle {
	t.Helper()
	launcher := &fakeLauncher{makeConn: func() *fakeConn { return conn }}
	h := NewHandle(browserSpec(), launcher)
	require.NoError(t, h.Start(context.Background()))
	require.Equal(t, StateReady, h.State())
	return h
}

func TestHandle_StartTransitions(t *testing.T) {
	h := NewHandle(browserSpec(), &fakeLauncher{})
	assert.Equal(t, StateStarting, h.State())

	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, StateReady, h.State())
}

func TestHandle_StartFailureTransitionsToFailed(t *testing.T) {
	h := NewHandle(browserSpec(), &fakeLauncher{failures: 1})

	require.Error(t, h.Start(context.Background()))
	assert.Equal(t, StateFailed, h.State())

	// The launch outcome is sticky
	require.Error(t, h.Start(context.Background()))
}

func TestHandle_TransportFailureTransitionsToFailed(t *testing.T) {
	conn := &fakeConn{callErr: &CallError{Code: "server_exited", Message: "died", Recoverable: true}}
	h := newReadyHandle(t, conn)

	_, err := h.Call(context.Background(), "browser_navigate", nil)
	require.Error(t, err)
	assert.Equal(t, StateFailed, h.State())

	// A failed handle refuses further calls
	_, err = h.Call(context.Background(), "browser_navigate", nil)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "server_not_ready", callErr.Code)
}

func TestHandle_CloseIsTerminal(t *testing.T) {
	conn := &fakeConn{}
	h := newReadyHandle(t, conn)

	require.NoError(t, h.Close())
	assert.Equal(t, StateClosed, h.State())
	assert.True(t, conn.closed)

	// Idempotent, and closed stays closed
	require.NoError(t, h.Close())
	assert.Equal(t, StateClosed, h.State())

	_, err := h.Call(context.Background(), "browser_navigate", nil)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "server_not_ready", callErr.Code)
	assert.False(t, callErr.Recoverable)
}

func TestHandle_CloseBeforeStart(t *testing.T) {
	h := NewHandle(browserSpec(), &fakeLauncher{})
	require.NoError(t, h.Close())
	assert.Equal(t, StateClosed, h.State())

	require.Error(t, h.Start(context.Background()))
	assert.Equal(t, StateClosed, h.State())
}

func TestHandle_ValidatesArguments(t *testing.T) {
	conn := &fakeConn{tools: []ToolDefinition{
		{
			Name:        "browser_navigate",
			Description: "Navigate to a URL",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"url": map[string]any{"type": "string"}},
				"required":   []any{"url"},
			},
		},
	}}
	h := newReadyHandle(t, conn)

	// Missing required argument is rejected before reaching the server
	_, err := h.Call(context.Background(), "browser_navigate", map[string]any{})
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "invalid_arguments", callErr.Code)
	assert.False(t, callErr.Recoverable)
	assert.Equal(t, 0, conn.calls)

	// Valid arguments pass through
	_, err = h.Call(context.Background(), "browser_navigate", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, conn.calls)

	// Validation failure did not damage the server
	assert.Equal(t, StateReady, h.State())
}

func TestHandle_ContextCancellationIsNotServerDamage(t *testing.T) {
	conn := &fakeConn{callErr: context.Canceled}
	h := newReadyHandle(t, conn)

	_, err := h.Call(context.Background(), "browser_navigate", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateReady, h.State())
}

func TestCallError_Error(t *testing.T) {
	err := &CallError{Code: "unknown_tool", Message: "no server provides tool x"}
	assert.Equal(t, "unknown_tool: no server provides tool x", err.Error())
	assert.False(t, errors.Is(err, context.Canceled))
}

func TestStdioLauncher_ImplementsLauncher(t *testing.T) {
	var _ Launcher = (*StdioLauncher)(nil)

	// Launching a nonexistent binary fails cleanly
	_, err := (&StdioLauncher{}).Launch(context.Background(), config.ToolServerConfig{
		Name:    "ghost",
		Command: "/nonexistent/binary",
		Tools:   []string{"t"},
	})
	assert.Error(t, err)
}
