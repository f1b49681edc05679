package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicBackend streams chat completions through the Anthropic
// Messages API. Thinking deltas map to the Reasoning field; tool_use
// blocks map to index-keyed tool-call deltas.
type AnthropicBackend struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicBackend builds the backend from provider config.
func NewAnthropicBackend(cfg config.ProviderConfig) (*AnthropicBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicBackend{
		client:       anthropic.NewClient(options...),
		defaultModel: model,
	}, nil
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

// Stream opens the message stream and converts SDK events into Chunks.
func (b *AnthropicBackend) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = b.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	stream := b.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan Chunk)
	go b.pump(stream, chunks)
	return chunks, nil
}

type anthropicStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

// pump converts the Anthropic event stream into Chunks. Block indexes key
// the tool-call deltas so parallel tool_use blocks stay separated.
func (b *AnthropicBackend) pump(stream anthropicStream, chunks chan<- Chunk) {
	defer close(chunks)

	usage := &models.Usage{}
	finish := FinishStop
	sawToolUse := false

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.PromptTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				sawToolUse = true
				chunks <- Chunk{ToolCallDelta: &ToolCallDelta{
					Index: int(blockStart.Index),
					ID:    toolUse.ID,
					Name:  toolUse.Name,
				}}
			}

		case "content_block_delta":
			blockDelta := event.AsContentBlockDelta()
			delta := blockDelta.Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- Chunk{Content: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- Chunk{Reasoning: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					chunks <- Chunk{ToolCallDelta: &ToolCallDelta{
						Index:             int(blockDelta.Index),
						ArgumentsFragment: delta.PartialJSON,
					}}
				}
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason == "tool_use" {
				finish = FinishToolCalls
			} else if messageDelta.Delta.StopReason == "max_tokens" {
				finish = FinishLength
			}

		case "message_stop":
			if sawToolUse && finish == FinishStop {
				finish = FinishToolCalls
			}
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			chunks <- Chunk{Usage: usage, FinishReason: finish}
			return

		case "error":
			chunks <- Chunk{Err: errors.New("anthropic: stream error")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- Chunk{Err: fmt.Errorf("anthropic: stream: %w", err)}
		return
	}
	// Stream ended without message_stop.
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	chunks <- Chunk{Usage: usage, FinishReason: finish}
}

// convertAnthropicMessages maps conversation history to the Messages API
// shape. Tool results travel inside user-role messages; consecutive
// tool-role history entries collapse into one user message.
func convertAnthropicMessages(messages []models.ConversationMessage) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	var pendingToolResults []anthropic.ContentBlockParamUnion

	flushToolResults := func() {
		if len(pendingToolResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingToolResults...))
			pendingToolResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			pendingToolResults = append(pendingToolResults,
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			continue
		case models.RoleAssistant:
			flushToolResults()
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return nil, fmt.Errorf("anthropic: tool call %s arguments: %w", tc.ID, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) == 0 {
				content = append(content, anthropic.NewTextBlock(" "))
			}
			out = append(out, anthropic.NewAssistantMessage(content...))
		default:
			// System directives injected mid-conversation are carried as
			// user turns; the real system prompt travels separately.
			flushToolResults()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flushToolResults()
	return out, nil
}

func convertAnthropicTools(tools []models.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Function.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", t.Function.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Function.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", t.Function.Name)
		}
		param.OfTool.Description = anthropic.String(t.Function.Description)
		out = append(out, param)
	}
	return out, nil
}
