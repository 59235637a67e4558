package toolserver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot-ai/webpilot/internal/config"
)

// fakeConn scripts a tool server connection
type fakeConn struct {
	mu       sync.Mutex
	tools    []ToolDefinition
	results  map[string]*Result
	callErr  error
	closeErr error
	calls    int
	closed   bool
}

func (c *fakeConn) Call(ctx context.Context, name string, args map[string]any) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.callErr != nil {
		return nil, c.callErr
	}
	if r, ok := c.results[name]; ok {
		return r, nil
	}
	return &Result{Text: "ok"}, nil
}

func (c *fakeConn) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	return c.tools, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

// fakeLauncher fails a set number of launches before succeeding
type fakeLauncher struct {
	mu          sync.Mutex
	failures    int
	launches    int
	conns       []*fakeConn
	makeConn    func() *fakeConn
	launchDelay time.Duration
}

func (l *fakeLauncher) Launch(ctx context.Context, spec config.ToolServerConfig) (Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.launchDelay > 0 {
		time.Sleep(l.launchDelay)
	}
	if l.launches <= l.failures {
		return nil, errors.New("spawn failed")
	}
	conn := &fakeConn{}
	if l.makeConn != nil {
		conn = l.makeConn()
	}
	l.conns = append(l.conns, conn)
	return conn, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func browserSpec() config.ToolServerConfig {
	return config.ToolServerConfig{
		Name:    "playwright",
		Command: "npx",
		Tools:   []string{"browser_navigate", "browser_click"},
	}
}

func newTestPool(launcher Launcher, maxRetries int) *Pool {
	p := NewPool([]config.ToolServerConfig{browserSpec()}, launcher, maxRetries)
	p.backoff = time.Millisecond
	return p
}

func TestPool_LazyStart(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := newTestPool(launcher, 3)

	assert.Equal(t, 0, launcher.launchCount())

	result, err := pool.Call(context.Background(), "browser_navigate", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, 1, launcher.launchCount())

	// Second call reuses the running server
	_, err = pool.Call(context.Background(), "browser_click", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, launcher.launchCount())
}

func TestPool_RetriesStartupFailures(t *testing.T) {
	launcher := &fakeLauncher{failures: 2}
	pool := newTestPool(launcher, 3)

	result, err := pool.Call(context.Background(), "browser_navigate", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, 3, launcher.launchCount())
}

func TestPool_FatalAfterExhaustedRetries(t *testing.T) {
	launcher := &fakeLauncher{failures: 100}
	pool := newTestPool(launcher, 2)

	_, err := pool.Call(context.Background(), "browser_navigate", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 restarts")
	assert.Equal(t, 3, launcher.launchCount()) // initial try plus two retries

	// The exhausted-restarts failure is typed so callers can end the turn
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "browser_navigate", fatal.Tool)
	assert.Equal(t, "playwright", fatal.Server)
	assert.Equal(t, 2, fatal.Restarts)
}

func TestPool_ReplacesFailedServerWithFreshHandle(t *testing.T) {
	first := true
	launcher := &fakeLauncher{}
	launcher.makeConn = func() *fakeConn {
		if first {
			first = false
			return &fakeConn{callErr: &CallError{Code: "server_exited", Message: "died", Recoverable: true}}
		}
		return &fakeConn{}
	}
	pool := newTestPool(launcher, 3)

	result, err := pool.Call(context.Background(), "browser_navigate", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, 2, launcher.launchCount())

	// The damaged connection was closed, not reused
	assert.True(t, launcher.conns[0].closed)
}

func TestPool_NonRecoverableErrorDoesNotRetry(t *testing.T) {
	launcher := &fakeLauncher{}
	launcher.makeConn = func() *fakeConn {
		return &fakeConn{callErr: &CallError{Code: "invalid_arguments", Message: "bad", Recoverable: false}}
	}
	pool := newTestPool(launcher, 3)

	_, err := pool.Call(context.Background(), "browser_navigate", nil)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.False(t, callErr.Recoverable)
	assert.Equal(t, 1, launcher.launchCount())
}

func TestPool_UnknownTool(t *testing.T) {
	pool := newTestPool(&fakeLauncher{}, 3)

	_, err := pool.Call(context.Background(), "read_pdf", nil)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "unknown_tool", callErr.Code)
}

func TestPool_ToolLevelErrorIsNotServerDamage(t *testing.T) {
	launcher := &fakeLauncher{}
	launcher.makeConn = func() *fakeConn {
		return &fakeConn{results: map[string]*Result{
			"browser_navigate": {Text: "timeout navigating", IsError: true},
		}}
	}
	pool := newTestPool(launcher, 3)

	result, err := pool.Call(context.Background(), "browser_navigate", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, 1, launcher.launchCount())

	// Server survives the tool-level error
	_, err = pool.Call(context.Background(), "browser_click", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, launcher.launchCount())
}

func TestPool_CloseAll(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := newTestPool(launcher, 3)

	_, err := pool.Call(context.Background(), "browser_navigate", nil)
	require.NoError(t, err)

	require.NoError(t, pool.CloseAll())
	assert.True(t, launcher.conns[0].closed)

	// The pool refuses calls after shutdown
	_, err = pool.Call(context.Background(), "browser_navigate", nil)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "pool_closed", callErr.Code)
}

func TestPool_CloseAllBestEffort(t *testing.T) {
	launcher := &fakeLauncher{}
	launcher.makeConn = func() *fakeConn {
		return &fakeConn{closeErr: errors.New("kill failed")}
	}
	pool := NewPool([]config.ToolServerConfig{
		browserSpec(),
		{Name: "calculator", Command: "uvx", Tools: []string{"calculate"}},
	}, launcher, 3)
	pool.backoff = time.Millisecond

	_, err := pool.Call(context.Background(), "browser_navigate", nil)
	require.NoError(t, err)
	_, err = pool.Call(context.Background(), "calculate", nil)
	require.NoError(t, err)

	err = pool.CloseAll()
	require.Error(t, err)
	// Both servers were attempted despite the first failure
	for _, conn := range launcher.conns {
		assert.True(t, conn.closed)
	}
}

func TestPool_Definitions(t *testing.T) {
	launcher := &fakeLauncher{}
	launcher.makeConn = func() *fakeConn {
		return &fakeConn{tools: []ToolDefinition{
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
	}
	pool := newTestPool(launcher, 3)

	// Before any start, placeholders are offered
	defs := pool.Definitions()
	require.Len(t, defs, 2)

	_, err := pool.Call(context.Background(), "browser_navigate", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)

	// After start, the live definition replaces the placeholder
	defs = pool.Definitions()
	byName := map[string]ToolDefinition{}
	for _, def := range defs {
		byName[def.Name] = def
	}
	assert.Equal(t, "Navigate to a URL", byName["browser_navigate"].Description)
}

func TestPool_DefinitionsStableOrder(t *testing.T) {
	pool := NewPool([]config.ToolServerConfig{
		{Name: "playwright", Command: "npx", Tools: []string{"browser_navigate", "browser_click"}},
		{Name: "calculator", Command: "uvx", Tools: []string{"calculate"}},
		{Name: "pdf", Command: "uvx", Tools: []string{"read_pdf"}},
	}, &fakeLauncher{}, 3)

	names := func() []string {
		var got []string
		for _, def := range pool.Definitions() {
			got = append(got, def.Name)
		}
		return got
	}

	first := names()
	assert.Equal(t, []string{"calculate", "read_pdf", "browser_navigate", "browser_click"}, first)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, names())
	}
}

func TestPool_Owns(t *testing.T) {
	pool := newTestPool(&fakeLauncher{}, 3)
	assert.True(t, pool.Owns("browser_click"))
	assert.False(t, pool.Owns("memory_get"))
}
