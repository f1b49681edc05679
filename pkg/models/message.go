// Package models provides the shared domain types for the orchestrator:
// conversation messages, tool calls, session events, and mail.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolCall is an LLM request to execute a tool. The ID comes from the
// backend and must be preserved verbatim so the tool-role reply can be
// paired with it.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolSchema is the function-calling shape exported to backends.
type ToolSchema struct {
	Type     string             `json:"type"`
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema carries one tool's name and JSON Schema parameters.
type ToolFunctionSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Usage carries token accounting for one assistant message.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

// ConversationMessage is one entry in an agent's history.
//
// Shape rules:
//   - ToolCalls is set only on assistant messages.
//   - ToolCallID is set only on tool-role messages and pairs the message
//     with the assistant tool call it answers.
//   - Usage is set only on assistant messages, and only when the backend
//     reported it.
type ConversationMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Usage      *Usage     `json:"usage,omitempty"`
}

// NewUserMessage builds a user-role message stamped now.
func NewUserMessage(text string) ConversationMessage {
	return ConversationMessage{Role: RoleUser, Content: text, Timestamp: time.Now()}
}

// NewSystemMessage builds a system-role message stamped now.
func NewSystemMessage(text string) ConversationMessage {
	return ConversationMessage{Role: RoleSystem, Content: text, Timestamp: time.Now()}
}

// NewToolMessage builds the tool-role reply for one tool call. The content
// is the JSON encoding of the tool's structured result.
func NewToolMessage(toolCallID string, content string) ConversationMessage {
	return ConversationMessage{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		Timestamp:  time.Now(),
	}
}

// HasToolCalls reports whether the message requests any tool executions.
func (m *ConversationMessage) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// IsEmpty reports whether the message carries no content, no reasoning and
// no tool calls. Empty assistant responses get replaced with a placeholder
// so the history never shows two consecutive user messages.
func (m *ConversationMessage) IsEmpty() bool {
	return m.Content == "" && m.Reasoning == "" && len(m.ToolCalls) == 0
}
