package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/webpilot-ai/webpilot/internal/config"
)

// MCP JSON-RPC messages
type mcpRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type mcpError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// mcpContent is one entry of a tools/call result content array
type mcpContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// StdioLauncher launches Model Context Protocol servers as child
// processes speaking JSON-RPC over stdin/stdout.
type StdioLauncher struct{}

// Launch starts the server process and performs the initialize
// handshake within the configured startup timeout.
func (l *StdioLauncher) Launch(ctx context.Context, spec config.ToolServerConfig) (Conn, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	conn := &stdioConn{
		serverName: spec.Name,
		process:    cmd,
		stdin:      stdin,
		stdout:     bufio.NewScanner(stdout),
		pending:    make(map[int]chan *mcpResponse),
	}
	conn.stdout.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	go conn.listen()

	startupTimeout := time.Duration(spec.StartupTimeoutSecs) * time.Second
	if startupTimeout == 0 {
		startupTimeout = 30 * time.Second
	}
	initCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := conn.initialize(initCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize handshake failed for %s: %w", spec.Name, err)
	}

	return conn, nil
}

// stdioConn is an open stdio transport to one MCP server
type stdioConn struct {
	serverName string
	process    *exec.Cmd
	stdin      io.WriteCloser
	stdout     *bufio.Scanner

	mu      sync.Mutex
	id      int
	pending map[int]chan *mcpResponse
	closed  bool
}

func (c *stdioConn) listen() {
	for c.stdout.Scan() {
		var resp mcpResponse
		if err := json.Unmarshal(c.stdout.Bytes(), &resp); err != nil {
			log.Error().Err(err).Str("server", c.serverName).Msg("Failed to unmarshal MCP response")
			continue
		}

		if id, ok := resp.ID.(float64); ok {
			c.mu.Lock()
			ch, exists := c.pending[int(id)]
			if exists {
				delete(c.pending, int(id))
				ch <- &resp
			}
			c.mu.Unlock()
		}
	}

	// Stdout closed: the process died. Fail every waiter.
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- &mcpResponse{Error: &mcpError{Code: -1, Message: "server process exited"}}
	}
	c.mu.Unlock()
}

func (c *stdioConn) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "webpilot",
			"version": "0.1.0",
		},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return err
	}

	// notifications/initialized completes the handshake
	note := mcpRequest{JSONRPC: "2.0", Method: "notifications/initialized"}
	data, err := json.Marshal(note)
	if err != nil {
		return err
	}
	_, err = io.WriteString(c.stdin, string(data)+"\n")
	return err
}

func (c *stdioConn) call(ctx context.Context, method string, params interface{}) (*mcpResponse, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &CallError{Code: "server_closed", Message: "connection is closed", Recoverable: true}
	}
	c.id++
	id := c.id
	ch := make(chan *mcpResponse, 1)
	c.pending[id] = ch
	stdin := c.stdin
	c.mu.Unlock()

	req := mcpRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	if _, err := io.WriteString(stdin, string(data)+"\n"); err != nil {
		return nil, &CallError{Code: "transport_failed", Message: err.Error(), Recoverable: true}
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			if resp.Error.Code == -1 {
				return nil, &CallError{Code: "server_exited", Message: resp.Error.Message, Recoverable: true}
			}
			return nil, fmt.Errorf("MCP error (%d): %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Call invokes tools/call and flattens the content array
func (c *stdioConn) Call(ctx context.Context, name string, args map[string]any) (*Result, error) {
	resp, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var callResult struct {
		Content []mcpContent `json:"content"`
		IsError bool         `json:"isError"`
	}
	if err := json.Unmarshal(resp.Result, &callResult); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}

	result := &Result{IsError: callResult.IsError}
	for _, content := range callResult.Content {
		switch content.Type {
		case "text":
			if result.Text != "" {
				result.Text += "\n"
			}
			result.Text += content.Text
		case "image":
			result.Images = append(result.Images, ImageContent{
				Data:     content.Data,
				MimeType: content.MimeType,
			})
		}
	}

	return result, nil
}

// ListTools invokes tools/list
func (c *stdioConn) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listResult struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listResult); err != nil {
		return nil, err
	}

	defs := make([]ToolDefinition, 0, len(listResult.Tools))
	for _, t := range listResult.Tools {
		defs = append(defs, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	return defs, nil
}

// Close kills the server process
func (c *stdioConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stdin.Close()
	if c.process != nil && c.process.Process != nil {
		if err := c.process.Process.Kill(); err != nil {
			return err
		}
		go c.process.Wait()
	}
	return nil
}
