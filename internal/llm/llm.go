// Package llm defines the streaming chat-completion backend capability and
// its provider implementations. The runtime consumes one channel of chunks
// per turn; terminal errors arrive on the same channel so a single range
// loop drains the whole stream.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// Backend is a streaming chat completion provider with tool calling.
//
// Implementations must be safe for concurrent use; each Stream call owns
// an independent goroutine and channel. The channel is closed when the
// stream ends, after a terminal chunk carrying either a FinishReason or
// an Err.
type Backend interface {
	Name() string
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Request is one completion request.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []models.ConversationMessage
	Tools        []models.ToolSchema
	Temperature  float64
	MaxTokens    int
}

// ToolCallDelta is one incremental fragment of a streamed tool call,
// keyed by the backend's block index. ID and Name arrive on the first
// fragment for an index; ArgumentsFragment accumulates across fragments.
type ToolCallDelta struct {
	Index             int
	ID                string
	Name              string
	ArgumentsFragment string
}

// Chunk is one streaming event.
type Chunk struct {
	Content       string
	Reasoning     string
	ToolCallDelta *ToolCallDelta
	Usage         *models.Usage
	FinishReason  string
	Err           error
}

// Finish reasons normalized across providers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// New builds a backend for the named provider from configuration.
func New(provider string, cfg config.ProviderConfig) (Backend, error) {
	switch strings.ToLower(provider) {
	case "openai":
		return NewOpenAIBackend(cfg), nil
	case "anthropic":
		return NewAnthropicBackend(cfg)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", provider)
	}
}
