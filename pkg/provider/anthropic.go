package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicProvider implements Provider for Anthropic Claude
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Stream starts a streaming Messages API call
func (p *AnthropicProvider) Stream(ctx context.Context, request Request) (Stream, error) {
	anthropicMessages := []anthropic.MessageParam{}

	for _, msg := range request.Messages {
		switch {
		case msg.Role == "tool":
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError),
			))
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case msg.Role == "assistant":
			anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})
		case msg.Role == "user":
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	maxTokens := request.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  anthropicMessages,
		MaxTokens: int64(maxTokens),
	}

	if request.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: request.SystemPrompt},
		}
	}

	if request.Temperature > 0 {
		params.Temperature = anthropic.Float(request.Temperature)
	}

	if len(request.Tools) > 0 {
		tools := []anthropic.ToolUnionParam{}
		for _, tool := range request.Tools {
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.InputSchema["properties"],
				},
			}
			if required, ok := tool.InputSchema["required"].([]interface{}); ok {
				strSlice := make([]string, len(required))
				for i, v := range required {
					strSlice[i] = v.(string)
				}
				toolParam.InputSchema.Required = strSlice
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return &anthropicStream{
		stream: p.client.Messages.NewStreaming(ctx, params),
	}, nil
}

// anthropicStream adapts the SDK event stream into pulled steps. Text
// deltas are yielded as they arrive; tool use blocks are yielded once
// their input JSON is complete.
type anthropicStream struct {
	stream   *ssestream.Stream[anthropic.MessageStreamEventUnion]
	message  anthropic.Message
	curTool  *ToolCall
	toolJSON strings.Builder
	done     bool
}

func (s *anthropicStream) Next(ctx context.Context) (Step, error) {
	if s.done {
		return Step{}, io.EOF
	}

	for {
		select {
		case <-ctx.Done():
			s.done = true
			return Step{}, ctx.Err()
		default:
		}

		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return Step{}, fmt.Errorf("anthropic stream failed: %w", err)
			}
			return Step{
				Type: StepDone,
				Usage: &TokenUsage{
					InputTokens:  int(s.message.Usage.InputTokens),
					OutputTokens: int(s.message.Usage.OutputTokens),
				},
			}, nil
		}

		event := s.stream.Current()
		if err := s.message.Accumulate(event); err != nil {
			s.done = true
			return Step{}, fmt.Errorf("failed to accumulate event: %w", err)
		}

		switch e := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if block, ok := e.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				s.curTool = &ToolCall{ID: block.ID, Name: block.Name}
				s.toolJSON.Reset()
			}
		case anthropic.ContentBlockDeltaEvent:
			switch d := e.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if d.Text != "" {
					return Step{Type: StepTextDelta, Text: d.Text}, nil
				}
			case anthropic.InputJSONDelta:
				s.toolJSON.WriteString(d.PartialJSON)
			}
		case anthropic.ContentBlockStopEvent:
			if s.curTool == nil {
				continue
			}
			tc := *s.curTool
			s.curTool = nil
			tc.Arguments = map[string]any{}
			if raw := s.toolJSON.String(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &tc.Arguments); err != nil {
					s.done = true
					return Step{}, fmt.Errorf("failed to parse tool input: %w", err)
				}
			}
			return Step{Type: StepToolCall, ToolCall: &tc}, nil
		}
	}
}

func (s *anthropicStream) Close() error {
	s.done = true
	return s.stream.Close()
}
