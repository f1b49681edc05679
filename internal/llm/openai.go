package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// OpenAIBackend streams chat completions through the OpenAI API.
//
// Differences from the Anthropic backend this package papers over:
//   - the system prompt travels as the first message, not a separate field
//   - tool calls stream as index-keyed deltas that the caller accumulates
//   - each tool result is its own message with role "tool"
type OpenAIBackend struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIBackend builds the backend. The API key is read from the
// provider config at construction and never logged.
func NewOpenAIBackend(cfg config.ProviderConfig) *OpenAIBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIBackend{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: model,
	}
}

func (b *OpenAIBackend) Name() string { return "openai" }

// Stream opens the completion stream and converts events into Chunks.
func (b *OpenAIBackend) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    b.model(req.Model),
		Messages: convertOpenAIMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := b.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}

	chunks := make(chan Chunk)
	go b.pump(ctx, stream, chunks)
	return chunks, nil
}

func (b *OpenAIBackend) model(requested string) string {
	if requested != "" {
		return requested
	}
	return b.defaultModel
}

// pump drains the SDK stream into the chunk channel.
func (b *OpenAIBackend) pump(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- Chunk) {
	defer close(chunks)
	defer stream.Close()

	var usage *models.Usage
	finish := ""

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The usage-bearing frame follows the finish frame, so the
				// terminal chunk is emitted at stream end.
				if finish == "" {
					finish = FinishStop
				}
				chunks <- Chunk{Usage: usage, FinishReason: finish}
				return
			}
			chunks <- Chunk{Err: fmt.Errorf("openai: stream: %w", err)}
			return
		}

		if resp.Usage != nil {
			usage = &models.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			select {
			case chunks <- Chunk{Content: choice.Delta.Content}:
			case <-ctx.Done():
				chunks <- Chunk{Err: ctx.Err()}
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			delta := &ToolCallDelta{
				Index:             index,
				ID:                tc.ID,
				Name:              tc.Function.Name,
				ArgumentsFragment: tc.Function.Arguments,
			}
			select {
			case chunks <- Chunk{ToolCallDelta: delta}:
			case <-ctx.Done():
				chunks <- Chunk{Err: ctx.Err()}
				return
			}
		}

		if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
			finish = normalizeOpenAIFinish(choice.FinishReason)
		}
	}
}

func normalizeOpenAIFinish(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return FinishToolCalls
	case openai.FinishReasonLength:
		return FinishLength
	default:
		return FinishStop
	}
}

// convertOpenAIMessages maps conversation history to the OpenAI wire
// shape. The system prompt becomes the leading message.
func convertOpenAIMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, m)
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return out
}

func convertOpenAITools(tools []models.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}
