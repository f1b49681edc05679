package session

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// defaultContextBudget is the token budget for one model request when the
// agent declares no max; roughly half of a 128k window, leaving room for
// the system prompt, tool schemas, and the response.
const defaultContextBudget = 64000

// ContextTracker counts tokens for history windowing and diagnostics. It
// uses the cl100k_base encoding; if the encoding cannot be loaded it
// degrades to a bytes/4 estimate rather than failing the session.
type ContextTracker struct {
	budget   int
	encoding *tiktoken.Tiktoken
}

// NewContextTracker builds a tracker with the given request budget
// (<=0 selects the default).
func NewContextTracker(budget int) *ContextTracker {
	if budget <= 0 {
		budget = defaultContextBudget
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &ContextTracker{budget: budget, encoding: enc}
}

// CountText returns the token count of one text.
func (t *ContextTracker) CountText(text string) int {
	if text == "" {
		return 0
	}
	if t.encoding != nil {
		return len(t.encoding.Encode(text, nil, nil))
	}
	return len(text)/4 + 1
}

// CountMessage returns the token cost of one history message, including a
// small per-message overhead for role framing.
func (t *ContextTracker) CountMessage(msg models.ConversationMessage) int {
	n := 4 + t.CountText(msg.Content) + t.CountText(msg.Reasoning)
	for _, tc := range msg.ToolCalls {
		n += t.CountText(tc.Name) + t.CountText(string(tc.Arguments))
	}
	return n
}

// CountHistory returns the total token cost of a history.
func (t *ContextTracker) CountHistory(history []models.ConversationMessage) int {
	total := 0
	for _, msg := range history {
		total += t.CountMessage(msg)
	}
	return total
}

// Window trims history to the budget, dropping oldest messages first. A
// tool-role message is never kept without the assistant message that
// requested it: after finding the cut point the window advances past any
// leading tool replies.
func (t *ContextTracker) Window(history []models.ConversationMessage) []models.ConversationMessage {
	if len(history) == 0 {
		return history
	}

	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := t.CountMessage(history[i])
		if total+cost > t.budget && start < len(history) {
			break
		}
		total += cost
		start = i
	}

	for start < len(history) && history[start].Role == models.RoleTool {
		start++
	}
	return history[start:]
}
