package toolserver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/webpilot-ai/webpilot/internal/config"
)

// Handle owns one tool server instance and enforces its lifecycle:
// starting to ready or failed, ready to failed, and any state to
// closed. Closed is terminal; the pool replaces closed handles with
// fresh ones.
type Handle struct {
	spec     config.ToolServerConfig
	launcher Launcher

	startOnce sync.Once
	startErr  error

	mu    sync.Mutex
	state State
	conn  Conn
	tools map[string]ToolDefinition
}

// NewHandle creates a handle in the starting state
func NewHandle(spec config.ToolServerConfig, launcher Launcher) *Handle {
	return &Handle{
		spec:     spec,
		launcher: launcher,
		state:    StateStarting,
		tools:    make(map[string]ToolDefinition),
	}
}

// State returns the current lifecycle state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Name returns the configured server name
func (h *Handle) Name() string {
	return h.spec.Name
}

// Start launches the server and fetches its tool catalog. Concurrent
// callers share a single launch attempt and its outcome.
func (h *Handle) Start(ctx context.Context) error {
	h.startOnce.Do(func() {
		h.startErr = h.start(ctx)
	})
	return h.startErr
}

func (h *Handle) start(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateStarting {
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("cannot start server %s in state %s", h.spec.Name, state)
	}
	h.mu.Unlock()

	conn, err := h.launcher.Launch(ctx, h.spec)
	if err != nil {
		h.mu.Lock()
		if h.state == StateStarting {
			h.state = StateFailed
		}
		h.mu.Unlock()
		return fmt.Errorf("failed to launch server %s: %w", h.spec.Name, err)
	}

	tools, err := conn.ListTools(ctx)
	if err != nil {
		conn.Close()
		h.mu.Lock()
		if h.state == StateStarting {
			h.state = StateFailed
		}
		h.mu.Unlock()
		return fmt.Errorf("failed to list tools on server %s: %w", h.spec.Name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		// Closed while launching: discard the connection.
		conn.Close()
		return fmt.Errorf("server %s closed during startup", h.spec.Name)
	}

	h.conn = conn
	for _, def := range tools {
		h.tools[def.Name] = def
	}
	h.state = StateReady

	log.Info().
		Str("server", h.spec.Name).
		Int("tools", len(tools)).
		Msg("tool server ready")

	return nil
}

// Tools returns the fetched tool catalog. Empty before Start succeeds.
func (h *Handle) Tools() []ToolDefinition {
	h.mu.Lock()
	defer h.mu.Unlock()
	defs := make([]ToolDefinition, 0, len(h.tools))
	for _, def := range h.tools {
		defs = append(defs, def)
	}
	return defs
}

// Call validates arguments against the tool's declared schema and
// invokes it. A transport failure moves the handle to failed; a
// tool-level error result does not.
func (h *Handle) Call(ctx context.Context, name string, args map[string]any) (*Result, error) {
	h.mu.Lock()
	if h.state != StateReady {
		state := h.state
		h.mu.Unlock()
		return nil, &CallError{
			Code:        "server_not_ready",
			Message:     fmt.Sprintf("server %s is %s", h.spec.Name, state),
			Recoverable: state != StateClosed,
		}
	}
	conn := h.conn
	def, known := h.tools[name]
	h.mu.Unlock()

	if known && def.InputSchema != nil {
		if err := validateArguments(def.InputSchema, args); err != nil {
			return nil, err
		}
	}

	result, err := conn.Call(ctx, name, args)
	if err != nil {
		var callErr *CallError
		if isRecoverable(err, &callErr) {
			h.mu.Lock()
			if h.state == StateReady {
				h.state = StateFailed
			}
			h.mu.Unlock()
			log.Warn().
				Err(err).
				Str("server", h.spec.Name).
				Str("tool", name).
				Msg("tool server transport failed")
		}
		return nil, err
	}

	return result, nil
}

// Close moves the handle to its terminal state and kills the process.
// Safe to call from any state and idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return nil
	}
	h.state = StateClosed
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func isRecoverable(err error, target **CallError) bool {
	if errors.As(err, target) {
		return (*target).Recoverable
	}
	// Context errors are the caller's cancellation, not server damage
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Unknown transport errors are treated as server damage
	return true
}

func validateArguments(schema map[string]any, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		// A broken schema is the server's problem, not the caller's;
		// skip validation rather than reject the call.
		return nil
	}
	if !result.Valid() {
		msg := "invalid arguments"
		if len(result.Errors()) > 0 {
			msg = result.Errors()[0].String()
		}
		return &CallError{Code: "invalid_arguments", Message: msg, Recoverable: false}
	}
	return nil
}
