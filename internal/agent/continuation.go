package agent

import (
	"strings"

	"github.com/DeanoC/AIWhisperer-sub000/internal/agents"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// ShouldContinue decides whether the runtime re-invokes the model after a
// round of tool results, without user input.
//
// Some backends emit every tool call in one response; others emit one call
// per response and expect a re-invocation. The policy covers both: agents
// with requireExplicitSignal off continue whenever tools ran, while
// signal-requiring agents continue only on the sentinel phrase or an
// auto-continue tool name.
func ShouldContinue(policy agents.ContinuationPolicy, lastAssistant *models.ConversationMessage, depth int) bool {
	if depth >= policy.MaxDepth {
		return false
	}
	if lastAssistant == nil || !lastAssistant.HasToolCalls() {
		return false
	}

	if policy.SingleToolPerStep || !policy.RequireExplicitSignal {
		return true
	}

	// Explicit-signal agents: sentinel phrase in the assistant text, or a
	// tool from the auto-continue list.
	if policy.Sentinel != "" && strings.Contains(lastAssistant.Content, policy.Sentinel) {
		return true
	}
	for _, tc := range lastAssistant.ToolCalls {
		for _, name := range policy.AutoContinueTools {
			if tc.Name == name {
				return true
			}
		}
	}
	return false
}
