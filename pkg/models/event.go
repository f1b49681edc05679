package models

import (
	"time"
)

// SessionEvent is the unified event model for streaming, the observer, and
// the gateway notification channel.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Seq per session for ordering guarantees across goroutines
type SessionEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type SessionEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Seq is monotonic within a session.
	Seq uint64 `json:"seq"`

	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Delta  *DeltaPayload  `json:"delta,omitempty"`
	Tool   *ToolPayload   `json:"tool,omitempty"`
	Done   *DonePayload   `json:"done,omitempty"`
	Switch *SwitchPayload `json:"switch,omitempty"`
	Error  *ErrorPayload  `json:"error,omitempty"`
	Alert  *AlertPayload  `json:"alert,omitempty"`
}

// SessionEventType identifies the kind of session event.
type SessionEventType string

const (
	// Turn lifecycle
	EventMessageStart    SessionEventType = "message.start"
	EventMessageComplete SessionEventType = "message.complete"

	// Model streaming
	EventAssistantDelta SessionEventType = "assistant.delta"

	// Tool execution
	EventToolInvoked   SessionEventType = "tool.invoked"
	EventToolCompleted SessionEventType = "tool.completed"

	// Agent control
	EventAgentSwitched SessionEventType = "agent.switched"

	// Failures and monitoring
	EventSessionError         SessionEventType = "session.error"
	EventObserverAlert        SessionEventType = "observer.alert"
	EventObserverIntervention SessionEventType = "observer.intervention"
)

// DeltaPayload carries incremental assistant text or reasoning.
type DeltaPayload struct {
	Text      string `json:"text,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ToolPayload describes a tool invocation or its completion.
type ToolPayload struct {
	CallID   string `json:"call_id,omitempty"`
	Name     string `json:"name,omitempty"`
	ArgsJSON []byte `json:"args_json,omitempty"`

	// ResultJSON and Success are set on tool.completed.
	ResultJSON []byte `json:"result_json,omitempty"`
	Success    bool   `json:"success,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// DonePayload closes a turn with the final assistant text and usage.
type DonePayload struct {
	Text      string `json:"text,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`

	// Depth is the continuation depth the turn finished at.
	Depth int `json:"depth,omitempty"`
}

// SwitchPayload records an active-agent change.
type SwitchPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload carries a session-level failure.
type ErrorPayload struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// AlertPayload is an observer finding, optionally an intervention record.
type AlertPayload struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewEvent builds an event of the given type stamped now. Seq is assigned
// by the session that emits it.
func NewEvent(t SessionEventType, sessionID, agentID string) SessionEvent {
	return SessionEvent{
		Version:   1,
		Type:      t,
		Time:      time.Now(),
		SessionID: sessionID,
		AgentID:   agentID,
	}
}
