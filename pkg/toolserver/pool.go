package toolserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/webpilot-ai/webpilot/internal/config"
)

// Pool routes tool calls to their owning servers, starting each server
// lazily on first use. A failed server is replaced with a fresh handle
// and the call retried with exponential backoff; after maxRetries
// replacements the call fails for good.
type Pool struct {
	launcher   Launcher
	maxRetries int
	backoff    time.Duration

	mu      sync.Mutex
	specs   map[string]config.ToolServerConfig
	routes  map[string]string // tool name -> server name
	handles map[string]*Handle
	closed  bool
}

// NewPool creates a pool over the configured servers. Nothing is
// started until a tool is first called.
func NewPool(servers []config.ToolServerConfig, launcher Launcher, maxRetries int) *Pool {
	p := &Pool{
		launcher:   launcher,
		maxRetries: maxRetries,
		backoff:    time.Second,
		specs:      make(map[string]config.ToolServerConfig),
		routes:     make(map[string]string),
		handles:    make(map[string]*Handle),
	}
	for _, spec := range servers {
		p.specs[spec.Name] = spec
		for _, tool := range spec.Tools {
			p.routes[tool] = spec.Name
		}
	}
	return p
}

// Owns reports whether some configured server serves the tool
func (p *Pool) Owns(tool string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.routes[tool]
	return ok
}

// Definitions returns tool definitions for the model, in a stable
// order so the catalog offered across calls is identical. Servers that
// have started contribute their fetched catalogs; unstarted servers
// contribute permissive name-only definitions so the model can reach
// them and trigger a lazy start.
func (p *Pool) Definitions() []ToolDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.specs))
	for name := range p.specs {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := []ToolDefinition{}
	for _, name := range names {
		spec := p.specs[name]
		handle, started := p.handles[name]
		if started && handle.State() == StateReady {
			live := map[string]ToolDefinition{}
			for _, def := range handle.Tools() {
				live[def.Name] = def
			}
			for _, tool := range spec.Tools {
				if def, ok := live[tool]; ok {
					defs = append(defs, def)
					continue
				}
				defs = append(defs, placeholderDefinition(tool, name))
			}
			continue
		}
		for _, tool := range spec.Tools {
			defs = append(defs, placeholderDefinition(tool, name))
		}
	}
	return defs
}

func placeholderDefinition(tool, server string) ToolDefinition {
	return ToolDefinition{
		Name:        tool,
		Description: fmt.Sprintf("Tool %s provided by the %s server", tool, server),
		InputSchema: map[string]any{"type": "object"},
	}
}

// Call routes the tool to its server, starting it if needed. Server
// failures are retried on fresh handles; tool-level errors and
// argument validation failures are returned as-is.
func (p *Pool) Call(ctx context.Context, tool string, args map[string]any) (*Result, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &CallError{Code: "pool_closed", Message: "tool server pool is closed", Recoverable: false}
	}
	serverName, ok := p.routes[tool]
	p.mu.Unlock()
	if !ok {
		return nil, &CallError{
			Code:        "unknown_tool",
			Message:     fmt.Sprintf("no server provides tool %s", tool),
			Recoverable: false,
		}
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.backoff * time.Duration(1<<(attempt-1))
			log.Warn().
				Err(lastErr).
				Str("server", serverName).
				Str("tool", tool).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("retrying tool call on fresh server")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		handle, err := p.getOrStart(ctx, serverName)
		if err != nil {
			lastErr = err
			continue
		}

		result, err := handle.Call(ctx, tool, args)
		if err == nil {
			return result, nil
		}

		var callErr *CallError
		if errors.As(err, &callErr) && !callErr.Recoverable {
			return nil, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		// Server damage: retire this handle before retrying
		p.retire(serverName, handle)
		lastErr = err
	}

	return nil, &FatalError{Tool: tool, Server: serverName, Restarts: p.maxRetries, Err: lastErr}
}

// getOrStart returns the server's ready handle, creating and starting
// a fresh one if there is none or the current one is dead.
func (p *Pool) getOrStart(ctx context.Context, serverName string) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &CallError{Code: "pool_closed", Message: "tool server pool is closed", Recoverable: false}
	}
	handle, exists := p.handles[serverName]
	if exists {
		switch handle.State() {
		case StateReady, StateStarting:
			p.mu.Unlock()
			if handle.State() == StateStarting {
				if err := handle.Start(ctx); err != nil {
					p.retire(serverName, handle)
					return nil, err
				}
			}
			return handle, nil
		default:
			// Failed or closed handles are never reused
			delete(p.handles, serverName)
		}
	}

	spec := p.specs[serverName]
	handle = NewHandle(spec, p.launcher)
	p.handles[serverName] = handle
	p.mu.Unlock()

	if err := handle.Start(ctx); err != nil {
		p.retire(serverName, handle)
		return nil, err
	}
	return handle, nil
}

// retire closes a handle and forgets it if it is still the current one
func (p *Pool) retire(serverName string, handle *Handle) {
	handle.Close()
	p.mu.Lock()
	if p.handles[serverName] == handle {
		delete(p.handles, serverName)
	}
	p.mu.Unlock()
}

// CloseAll shuts down every running server. Best effort: a failure to
// close one server does not stop the others; errors are joined.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	p.closed = true
	handles := make([]*Handle, 0, len(p.handles))
	for name, handle := range p.handles {
		handles = append(handles, handle)
		delete(p.handles, name)
	}
	p.mu.Unlock()

	var errs []error
	for _, handle := range handles {
		if err := handle.Close(); err != nil {
			log.Warn().Err(err).Str("server", handle.Name()).Msg("failed to close tool server")
			errs = append(errs, fmt.Errorf("close %s: %w", handle.Name(), err))
		}
	}
	return errors.Join(errs...)
}
