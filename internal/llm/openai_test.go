package llm

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

func TestConvertOpenAIMessages_SystemAndToolPairing(t *testing.T) {
	req := &Request{
		SystemPrompt: "You are Debbie.",
		Messages: []models.ConversationMessage{
			{Role: models.RoleUser, Content: "check health"},
			{Role: models.RoleAssistant, Content: "", ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "system_health_check", Arguments: json.RawMessage(`{}`)},
			}},
			{Role: models.RoleTool, ToolCallID: "call_1", Content: `{"success":true}`},
			{Role: models.RoleAssistant, Content: "all healthy"},
		},
	}

	got := convertOpenAIMessages(req)
	if len(got) != 5 {
		t.Fatalf("converted %d messages, want 5", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem || got[0].Content != "You are Debbie." {
		t.Errorf("leading message = %+v, want system prompt", got[0])
	}
	if len(got[2].ToolCalls) != 1 || got[2].ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant tool calls = %+v, want call_1", got[2].ToolCalls)
	}
	if got[3].Role != openai.ChatMessageRoleTool || got[3].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v, want role tool paired to call_1", got[3])
	}
}

func TestNormalizeOpenAIFinish(t *testing.T) {
	tests := []struct {
		in   openai.FinishReason
		want string
	}{
		{openai.FinishReasonStop, FinishStop},
		{openai.FinishReasonToolCalls, FinishToolCalls},
		{openai.FinishReasonLength, FinishLength},
		{openai.FinishReason("content_filter"), FinishStop},
	}
	for _, tt := range tests {
		if got := normalizeOpenAIFinish(tt.in); got != tt.want {
			t.Errorf("normalizeOpenAIFinish(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConvertAnthropicMessages_ToolResultsCollapse(t *testing.T) {
	messages := []models.ConversationMessage{
		{Role: models.RoleUser, Content: "plan it"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "t1", Name: "create_rfc", Arguments: json.RawMessage(`{"title":"dark mode"}`)},
			{ID: "t2", Name: "list_rfcs", Arguments: json.RawMessage(`{}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "t1", Content: `{"success":true}`},
		{Role: models.RoleTool, ToolCallID: "t2", Content: `{"success":true}`},
	}
	got, err := convertAnthropicMessages(messages)
	if err != nil {
		t.Fatalf("convertAnthropicMessages() error = %v", err)
	}
	// user, assistant, one combined tool-result user message
	if len(got) != 3 {
		t.Fatalf("converted %d messages, want 3", len(got))
	}
	if len(got[2].Content) != 2 {
		t.Errorf("tool-result message has %d blocks, want 2", len(got[2].Content))
	}
}

func TestConvertAnthropicMessages_BadToolArguments(t *testing.T) {
	messages := []models.ConversationMessage{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "t1", Name: "x", Arguments: json.RawMessage(`{"broken`)},
		}},
	}
	if _, err := convertAnthropicMessages(messages); err == nil {
		t.Fatal("convertAnthropicMessages() = nil error, want arguments error")
	}
}
