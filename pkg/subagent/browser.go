package subagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/tracing"
	"github.com/webpilot-ai/webpilot/pkg/provider"
	"github.com/webpilot-ai/webpilot/pkg/toolserver"
)

// TagBrowserInteraction routes tasks that operate a live browser
const TagBrowserInteraction = "browser_interaction"

const browserSystemPrompt = `You are a browser operation specialist. You are given a goal and must accomplish it by driving a web browser with the available tools.

Work step by step: navigate, inspect the page with browser_snapshot, then interact. Prefer element refs from the most recent snapshot. When the goal is accomplished, respond with a concise summary of what you did and what you found, without calling further tools.`

// ArtifactSaver stores binary tool output and returns a ref
type ArtifactSaver interface {
	SaveBase64(encoded, mimeType string) (string, error)
}

// idempotentBrowserTools are safe to replay after a browser restart
var idempotentBrowserTools = map[string]bool{
	"browser_navigate":        true,
	"browser_snapshot":        true,
	"browser_take_screenshot": true,
}

// BrowserAgent accomplishes page interaction goals with its own
// bounded model loop over the delegating session's browser tools. If
// the browser dies mid-task it is respawned once, resuming from the
// last idempotent step; a second loss fails the task.
type BrowserAgent struct {
	provider  provider.Provider
	artifacts ArtifactSaver
	cfg       config.BrowserAgentConfig
}

// NewBrowserAgent creates the browser interaction capability. The tool
// pool arrives with each task, since every session owns its own.
func NewBrowserAgent(p provider.Provider, artifacts ArtifactSaver, cfg config.BrowserAgentConfig) *BrowserAgent {
	return &BrowserAgent{
		provider:  p,
		artifacts: artifacts,
		cfg:       cfg,
	}
}

// Tag returns the capability's routing tag
func (a *BrowserAgent) Tag() string {
	return TagBrowserInteraction
}

// Run drives the browser toward the task goal
func (a *BrowserAgent) Run(ctx context.Context, task Task) (*Outcome, error) {
	if task.Tools == nil {
		return nil, fmt.Errorf("browser task has no tool pool")
	}
	if a.cfg.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout())
		defer cancel()
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().
		Str("capability", TagBrowserInteraction).
		Logger()
	logger.Info().Str("goal", task.Goal).Msg("browser task started")

	prompt := task.Goal
	if task.Context != "" {
		prompt = fmt.Sprintf("%s\n\nContext:\n%s", task.Goal, task.Context)
	}
	messages := []provider.Message{{Role: "user", Content: prompt}}

	outcome := &Outcome{}
	var lastIdempotent *StepRecord
	respawned := false

	for step := 0; step < a.cfg.MaxSteps; step++ {
		text, toolCalls, err := a.callModel(ctx, task.Tools, messages)
		if err != nil {
			return nil, fmt.Errorf("browser model call failed: %w", err)
		}

		if len(toolCalls) == 0 {
			logger.Info().Int("steps", len(outcome.Steps)).Msg("browser task finished")
			outcome.Summary = text
			return outcome, nil
		}

		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   text,
			ToolCalls: toolCalls,
		})

		for _, call := range toolCalls {
			result, callErr := task.Tools.Call(ctx, call.Name, call.Arguments)
			if callErr != nil {
				var ce *toolserver.CallError
				if errors.As(callErr, &ce) && !ce.Recoverable {
					// The call itself was wrong; tell the model and move on
					outcome.Steps = append(outcome.Steps, StepRecord{
						Tool: call.Name, Args: call.Arguments,
						Result: ce.Message, IsError: true,
					})
					messages = append(messages, provider.Message{
						Role: "tool", ToolCallID: call.ID,
						Content: "Tool error: " + ce.Message, IsError: true,
					})
					continue
				}
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}

				// Browser lost. One respawn: replay the last idempotent
				// step so the page state is re-established, then let the
				// model carry on.
				if respawned {
					return nil, fmt.Errorf("browser session lost twice during task: %w", callErr)
				}
				respawned = true
				logger.Warn().Err(callErr).Msg("browser lost, respawning and resuming")

				note := "The browser crashed and was restarted."
				if lastIdempotent != nil {
					if _, replayErr := task.Tools.Call(ctx, lastIdempotent.Tool, lastIdempotent.Args); replayErr != nil {
						return nil, fmt.Errorf("failed to resume after browser respawn: %w", replayErr)
					}
					note += fmt.Sprintf(" The last %s was replayed; other page state is gone.", lastIdempotent.Tool)
				} else {
					note += " All page state is gone."
				}
				messages = append(messages, provider.Message{
					Role: "tool", ToolCallID: call.ID,
					Content: note, IsError: true,
				})
				continue
			}

			record := StepRecord{
				Tool: call.Name, Args: call.Arguments,
				Result: result.Text, IsError: result.IsError,
			}
			outcome.Steps = append(outcome.Steps, record)
			if !result.IsError && idempotentBrowserTools[call.Name] {
				lastIdempotent = &record
			}

			for _, img := range result.Images {
				if a.artifacts == nil {
					continue
				}
				ref, saveErr := a.artifacts.SaveBase64(img.Data, img.MimeType)
				if saveErr != nil {
					logger.Warn().Err(saveErr).Msg("failed to store browser artifact")
					continue
				}
				outcome.Artifacts = append(outcome.Artifacts, ArtifactRef{
					Ref: ref, MimeType: img.MimeType,
					Caption: fmt.Sprintf("%s output", call.Name),
				})
			}

			content := result.Text
			if content == "" {
				content = "(no output)"
			}
			messages = append(messages, provider.Message{
				Role: "tool", ToolCallID: call.ID,
				Content: content, IsError: result.IsError,
			})
		}
	}

	return nil, fmt.Errorf("browser task exceeded %d steps", a.cfg.MaxSteps)
}

// callModel streams one model response to completion, returning its
// text and requested tool calls
func (a *BrowserAgent) callModel(ctx context.Context, tools ToolRunner, messages []provider.Message) (string, []provider.ToolCall, error) {
	stream, err := a.provider.Stream(ctx, provider.Request{
		SystemPrompt: browserSystemPrompt,
		Messages:     messages,
		Tools:        browserTools(tools),
	})
	if err != nil {
		return "", nil, err
	}
	defer stream.Close()

	var text strings.Builder
	var toolCalls []provider.ToolCall
	for {
		step, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, err
		}
		switch step.Type {
		case provider.StepTextDelta:
			text.WriteString(step.Text)
		case provider.StepToolCall:
			toolCalls = append(toolCalls, *step.ToolCall)
		case provider.StepDone:
		}
	}

	return text.String(), toolCalls, nil
}

// browserTools narrows the pool's catalog to browser tools
func browserTools(tools ToolRunner) []provider.ToolDefinition {
	var defs []provider.ToolDefinition
	for _, def := range tools.Definitions() {
		if !strings.HasPrefix(def.Name, "browser_") {
			continue
		}
		defs = append(defs, provider.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return defs
}
