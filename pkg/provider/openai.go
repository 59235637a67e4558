package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// OpenAIProvider implements Provider for OpenAI
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Stream starts a streaming chat completion call
func (p *OpenAIProvider) Stream(ctx context.Context, request Request) (Stream, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if request.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(request.SystemPrompt))
	}

	for _, msg := range request.Messages {
		switch msg.Role {
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				toolCalls := []openai.ChatCompletionMessageToolCall{}
				for _, tc := range msg.ToolCalls {
					argsJSON, err := json.Marshal(tc.Arguments)
					if err != nil {
						return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      tc.Name,
							Arguments: string(argsJSON),
						},
					})
				}
				assistantMsg := openai.ChatCompletionMessage{
					Role:      "assistant",
					Content:   msg.Content,
					ToolCalls: toolCalls,
				}
				messages = append(messages, assistantMsg.ToParam())
			} else {
				messages = append(messages, openai.AssistantMessage(msg.Content))
			}
		case "tool":
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	if request.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(request.MaxTokens))
	}
	if request.Temperature > 0 {
		params.Temperature = openai.Float(request.Temperature)
	}

	if len(request.Tools) > 0 {
		tools := []openai.ChatCompletionToolParam{}
		for _, tool := range request.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	return &openaiStream{
		stream: p.client.Chat.Completions.NewStreaming(ctx, params),
	}, nil
}

// openaiStream adapts the chunk stream into pulled steps using the
// SDK's accumulator, which signals when a tool call's argument JSON
// has fully arrived.
type openaiStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	acc    openai.ChatCompletionAccumulator
	done   bool
}

func (s *openaiStream) Next(ctx context.Context) (Step, error) {
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
				return Step{}, fmt.Errorf("openai stream failed: %w", err)
			}
			return Step{
				Type: StepDone,
				Usage: &TokenUsage{
					InputTokens:  int(s.acc.Usage.PromptTokens),
					OutputTokens: int(s.acc.Usage.CompletionTokens),
				},
			}, nil
		}

		chunk := s.stream.Current()
		s.acc.AddChunk(chunk)

		if tool, ok := s.acc.JustFinishedToolCall(); ok {
			args := map[string]any{}
			if tool.Arguments != "" {
				if err := json.Unmarshal([]byte(tool.Arguments), &args); err != nil {
					s.done = true
					return Step{}, fmt.Errorf("failed to parse tool arguments: %w", err)
				}
			}
			id := ""
			if len(s.acc.Choices) > 0 && tool.Index < len(s.acc.Choices[0].Message.ToolCalls) {
				id = s.acc.Choices[0].Message.ToolCalls[tool.Index].ID
			}
			return Step{Type: StepToolCall, ToolCall: &ToolCall{
				ID:        id,
				Name:      tool.Name,
				Arguments: args,
			}}, nil
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			return Step{Type: StepTextDelta, Text: chunk.Choices[0].Delta.Content}, nil
		}
	}
}

func (s *openaiStream) Close() error {
	s.done = true
	return s.stream.Close()
}
