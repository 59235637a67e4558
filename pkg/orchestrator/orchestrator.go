package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/tracing"
	"github.com/webpilot-ai/webpilot/pkg/memory"
	"github.com/webpilot-ai/webpilot/pkg/provider"
	"github.com/webpilot-ai/webpilot/pkg/session"
	"github.com/webpilot-ai/webpilot/pkg/stream"
	"github.com/webpilot-ai/webpilot/pkg/subagent"
	"github.com/webpilot-ai/webpilot/pkg/toolserver"
)

const systemPrompt = `You are a browsing copilot. You help the user research, compare, and act on the web.

You can delegate work to specialists: browser_interaction operates a live browser toward a goal, and page_analysis inspects the current page without changing it. You can also call browser and utility tools directly, and store durable user facts with memory_set and recall them with memory_get.

Delegate multi-step page work to browser_interaction rather than driving the browser click by click yourself. Keep answers grounded in what the tools actually returned.`

// ArtifactStore persists binary tool output
type ArtifactStore interface {
	SaveBase64(encoded, mimeType string) (string, error)
}

// Orchestrator runs turns: it owns the model loop, routes tool calls
// to sub-agents, builtins, and the session's own tool server pool, and
// produces each turn's response node sequence.
type Orchestrator struct {
	sessions  *session.Manager
	provider  provider.Provider
	registry  *subagent.Registry
	memory    *memory.Store
	artifacts ArtifactStore
	cfg       config.TurnConfig
}

// New creates an orchestrator. Tool calls go to each session's own
// pool, resolved per turn.
func New(
	sessions *session.Manager,
	p provider.Provider,
	registry *subagent.Registry,
	mem *memory.Store,
	artifacts ArtifactStore,
	cfg config.TurnConfig,
) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		provider:  p,
		registry:  registry,
		memory:    mem,
		artifacts: artifacts,
		cfg:       cfg,
	}
}

// RunTurn starts a turn on the session and returns its response node
// sequence. The channel is unbuffered: each node is produced only
// after the consumer took the previous one, so a slow client throttles
// the whole turn. A busy session fails immediately with ErrSessionBusy
// and produces no nodes.
func (o *Orchestrator) RunTurn(ctx context.Context, sessionID, userMessage string) (<-chan stream.Node, error) {
	s, err := o.sessions.CreateOrGet(sessionID)
	if err != nil {
		return nil, err
	}

	if !s.TryAcquireTurn() {
		return nil, ErrSessionBusy
	}

	ctx = tracing.NewTurnContext(ctx, sessionID)
	turnID := tracing.GetTurnID(ctx)

	nodes := make(chan stream.Node)
	go func() {
		defer close(nodes)
		defer s.ReleaseTurn()
		o.runTurn(ctx, s, turnID, userMessage, nodes)
	}()

	return nodes, nil
}

// emit sends a node, stamping the turn ID. Returns false when the
// consumer is gone and the node could not be handed over.
func emit(ctx context.Context, nodes chan<- stream.Node, turnID string, node stream.Node) bool {
	node.TurnID = turnID
	select {
	case nodes <- node:
		return true
	case <-ctx.Done():
		// The sink keeps draining after cancellation, so the node
		// still lands unless the consumer is fully gone.
		select {
		case nodes <- node:
			return true
		case <-time.After(time.Second):
			return false
		}
	}
}

func (o *Orchestrator) runTurn(ctx context.Context, s *session.Session, turnID, userMessage string, nodes chan<- stream.Node) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Msg("turn started")

	if err := s.Append(provider.Message{Role: "user", Content: userMessage}); err != nil {
		emit(ctx, nodes, turnID, stream.ErrorNode(CodeInternal, err.Error()))
		return
	}

	usage := &stream.Usage{}

	for step := 0; step < o.cfg.MaxSteps; step++ {
		text, toolCalls, stepUsage, err := o.callModel(ctx, s, turnID, nodes)
		if stepUsage != nil {
			usage.InputTokens += stepUsage.InputTokens
			usage.OutputTokens += stepUsage.OutputTokens
		}
		if err != nil {
			if text != "" {
				// Partial output still becomes history
				s.Append(provider.Message{Role: "assistant", Content: text})
			}
			if errors.Is(err, context.Canceled) {
				logger.Info().Msg("turn cancelled by client")
				emit(ctx, nodes, turnID, stream.ErrorNode(CodeClientDisconnected, "client disconnected"))
				return
			}
			logger.Error().Err(err).Msg("provider call failed")
			emit(ctx, nodes, turnID, stream.ErrorNode(CodeProviderError, err.Error()))
			return
		}

		if len(toolCalls) == 0 {
			if err := s.Append(provider.Message{Role: "assistant", Content: text}); err != nil {
				emit(ctx, nodes, turnID, stream.ErrorNode(CodeInternal, err.Error()))
				return
			}
			logger.Info().
				Int("steps", step+1).
				Int("output_tokens", usage.OutputTokens).
				Msg("turn finished")
			emit(ctx, nodes, turnID, stream.Done(usage))
			return
		}

		if err := s.Append(provider.Message{
			Role: "assistant", Content: text, ToolCalls: toolCalls,
		}); err != nil {
			emit(ctx, nodes, turnID, stream.ErrorNode(CodeInternal, err.Error()))
			return
		}

		for _, call := range toolCalls {
			emit(ctx, nodes, turnID, stream.ToolCallRequest(call.ID, call.Name, call.Arguments))

			// Tool calls run on a detached context: a client
			// disconnect lets the in-flight call finish so its result
			// still lands in history.
			execCtx := tracing.CloneContext(ctx)
			cancel := context.CancelFunc(func() {})
			if o.cfg.ToolTimeout() > 0 {
				execCtx, cancel = context.WithTimeout(execCtx, o.cfg.ToolTimeout())
			}

			resultText, isError, artifacts, fatalErr := o.dispatch(execCtx, s, call)
			cancel()

			s.Append(provider.Message{
				Role: "tool", ToolCallID: call.ID,
				Content: resultText, IsError: isError,
			})

			if fatalErr != nil {
				logger.Error().Err(fatalErr).Str("tool", call.Name).Msg("tool unavailable, ending turn")
				emit(ctx, nodes, turnID, stream.ErrorNode(CodeFatalToolError, fatalErr.Error()))
				return
			}

			emit(ctx, nodes, turnID, stream.ToolCallResult(call.ID, call.Name, resultText, isError))
			if isError {
				// Recoverable failure: the model sees it in history and
				// the client sees it on the stream, but the turn goes on
				emit(ctx, nodes, turnID, stream.RecoverableErrorNode(CodeToolError, resultText))
			}
			for _, a := range artifacts {
				emit(ctx, nodes, turnID, stream.ImageArtifact(a.Ref, a.MimeType, a.Caption))
			}
		}

		// Client gone: the finished tool results are in history, so a
		// later turn can pick up where this one stopped.
		if ctx.Err() != nil {
			logger.Info().Msg("turn cancelled by client after tool calls")
			emit(ctx, nodes, turnID, stream.ErrorNode(CodeClientDisconnected, "client disconnected"))
			return
		}
	}

	logger.Warn().Int("max_steps", o.cfg.MaxSteps).Msg("turn exceeded step limit")
	emit(ctx, nodes, turnID, stream.ErrorNode(CodeStepLimit,
		fmt.Sprintf("turn exceeded %d steps", o.cfg.MaxSteps)))
}

// callModel streams one model response, emitting text deltas as they
// arrive and collecting tool calls
func (o *Orchestrator) callModel(ctx context.Context, s *session.Session, turnID string, nodes chan<- stream.Node) (string, []provider.ToolCall, *stream.Usage, error) {
	modelStream, err := o.provider.Stream(ctx, provider.Request{
		SystemPrompt: systemPrompt,
		Messages:     s.Messages(),
		Tools:        o.toolDefinitions(s.Pool()),
	})
	if err != nil {
		return "", nil, nil, err
	}
	defer modelStream.Close()

	var text strings.Builder
	var toolCalls []provider.ToolCall
	var usage *stream.Usage

	for {
		step, err := modelStream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return text.String(), nil, usage, err
		}

		switch step.Type {
		case provider.StepTextDelta:
			text.WriteString(step.Text)
			emit(ctx, nodes, turnID, stream.TextDelta(step.Text))
		case provider.StepToolCall:
			toolCalls = append(toolCalls, *step.ToolCall)
		case provider.StepDone:
			if step.Usage != nil {
				usage = &stream.Usage{
					InputTokens:  step.Usage.InputTokens,
					OutputTokens: step.Usage.OutputTokens,
				}
			}
		}
	}

	return text.String(), toolCalls, usage, nil
}

// dispatch routes one tool call to a sub-agent, a builtin, or the
// session's pool. A non-nil error is fatal: the tool's server is gone
// for good and the turn cannot continue.
func (o *Orchestrator) dispatch(ctx context.Context, s *session.Session, call provider.ToolCall) (string, bool, []subagent.ArtifactRef, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	pool := s.Pool()

	if capability, ok := o.registry.Lookup(call.Name); ok {
		goal, _ := call.Arguments["goal"].(string)
		pageContext, _ := call.Arguments["context"].(string)
		if goal == "" {
			return "delegation requires a goal", true, nil, nil
		}

		subCtx := tracing.PropagateToSubAgent(ctx, call.Name)
		started := time.Now()
		outcome, err := capability.Run(subCtx, subagent.Task{
			Goal:      goal,
			Context:   pageContext,
			SessionID: s.ID(),
			Tools:     pool,
		})
		if err != nil {
			var fatal *toolserver.FatalError
			if errors.As(err, &fatal) {
				return fmt.Sprintf("%s failed: %v", call.Name, err), true, nil, err
			}
			logger.Error().Err(err).Str("capability", call.Name).Msg("sub-agent failed")
			return fmt.Sprintf("%s failed: %v", call.Name, err), true, nil, nil
		}
		logger.Info().
			Str("capability", call.Name).
			Dur("duration", time.Since(started)).
			Int("steps", len(outcome.Steps)).
			Msg("sub-agent finished")
		return outcome.Summary, false, outcome.Artifacts, nil
	}

	switch call.Name {
	case "memory_get":
		key, _ := call.Arguments["key"].(string)
		value, err := o.memory.Get(ctx, key)
		if errors.Is(err, memory.ErrNotFound) {
			return fmt.Sprintf("no value stored under %q", key), false, nil, nil
		}
		if err != nil {
			return err.Error(), true, nil, nil
		}
		return value, false, nil, nil
	case "memory_set":
		key, _ := call.Arguments["key"].(string)
		value, _ := call.Arguments["value"].(string)
		if err := o.memory.Set(ctx, key, value); err != nil {
			return err.Error(), true, nil, nil
		}
		return fmt.Sprintf("stored %q", key), false, nil, nil
	}

	if pool != nil && pool.Owns(call.Name) {
		result, err := pool.Call(ctx, call.Name, call.Arguments)
		if err != nil {
			var fatal *toolserver.FatalError
			if errors.As(err, &fatal) {
				return fmt.Sprintf("tool %s failed: %v", call.Name, err), true, nil, err
			}
			return fmt.Sprintf("tool %s failed: %v", call.Name, err), true, nil, nil
		}
		var artifacts []subagent.ArtifactRef
		for _, img := range result.Images {
			ref, saveErr := o.artifacts.SaveBase64(img.Data, img.MimeType)
			if saveErr != nil {
				logger.Warn().Err(saveErr).Msg("failed to store tool artifact")
				continue
			}
			artifacts = append(artifacts, subagent.ArtifactRef{
				Ref: ref, MimeType: img.MimeType,
				Caption: fmt.Sprintf("%s output", call.Name),
			})
		}
		text := result.Text
		if text == "" && len(artifacts) > 0 {
			text = fmt.Sprintf("produced %d artifact(s)", len(artifacts))
		}
		return text, result.IsError, artifacts, nil
	}

	return fmt.Sprintf("unknown tool: %s", call.Name), true, nil, nil
}

// toolDefinitions assembles the full catalog offered to the model:
// the session pool's tools, delegation tools for each registered
// capability, and the memory builtins
func (o *Orchestrator) toolDefinitions(pool session.ToolPool) []provider.ToolDefinition {
	var defs []provider.ToolDefinition

	if pool != nil {
		for _, def := range pool.Definitions() {
			defs = append(defs, provider.ToolDefinition{
				Name:        def.Name,
				Description: def.Description,
				InputSchema: def.InputSchema,
			})
		}
	}

	delegationSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"goal":    map[string]any{"type": "string", "description": "What the specialist should accomplish"},
			"context": map[string]any{"type": "string", "description": "Optional supporting material such as a page snapshot"},
		},
		"required": []any{"goal"},
	}
	for _, tag := range o.registry.Tags() {
		description := "Delegate a task to the " + tag + " specialist"
		switch tag {
		case subagent.TagBrowserInteraction:
			description = "Delegate a multi-step browser task to the browser operation specialist"
		case subagent.TagPageAnalysis:
			description = "Ask the page analyst for the interactable elements relevant to a goal; never changes the page"
		}
		defs = append(defs, provider.ToolDefinition{
			Name:        tag,
			Description: description,
			InputSchema: delegationSchema,
		})
	}

	defs = append(defs,
		provider.ToolDefinition{
			Name:        "memory_get",
			Description: "Recall a durable user fact stored under a key",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key": map[string]any{"type": "string"},
				},
				"required": []any{"key"},
			},
		},
		provider.ToolDefinition{
			Name:        "memory_set",
			Description: "Store a durable user fact under a key; survives session eviction",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key":   map[string]any{"type": "string"},
					"value": map[string]any{"type": "string"},
				},
				"required": []any{"key", "value"},
			},
		},
	)

	return defs
}
