package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/DeanoC/AIWhisperer-sub000/internal/agents"
	"github.com/DeanoC/AIWhisperer-sub000/internal/llm"
	"github.com/DeanoC/AIWhisperer-sub000/internal/mailbox"
	"github.com/DeanoC/AIWhisperer-sub000/internal/tools"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

type fakeSession struct {
	active   string
	switches []string
	runtimes map[string]*Runtime
}

func (s *fakeSession) ActiveAgentID() string { return s.active }

func (s *fakeSession) SetActiveAgent(id, reason string) {
	s.active = id
	s.switches = append(s.switches, id+"/"+reason)
}

func (s *fakeSession) RuntimeFor(id string) (*Runtime, error) {
	rt, ok := s.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("no runtime for agent %s", id)
	}
	return rt, nil
}

func handoffCatalog(t *testing.T) *agents.Registry {
	t.Helper()
	catalog, err := agents.NewRegistry([]agents.Descriptor{
		{ID: "a", Name: "Alice", PromptFile: "alice.md"},
		{ID: "d", Name: "Debbie the Debugger", PromptFile: "debbie.md"},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	return catalog
}

func handoffRuntime(id, name string, backend llm.Backend) *Runtime {
	return NewRuntime(Config{
		SessionID:  "sess-1",
		Descriptor: &agents.Descriptor{ID: id, Name: name, PromptFile: id + ".md", Continuation: agents.ContinuationPolicy{MaxDepth: 3}},
		Backend:    backend,
		Registry:   tools.NewRegistry(testLogger()),
		Logger:     testLogger(),
	})
}

func mailArgs(t *testing.T, to string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"to_agent": to,
		"subject":  "please investigate",
		"body":     "the build is red",
		"priority": "high",
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestHandoff_KnownRecipient(t *testing.T) {
	sender := handoffRuntime("a", "Alice", &scriptedBackend{})
	recipient := handoffRuntime("d", "Debbie the Debugger", &scriptedBackend{responses: [][]llm.Chunk{{
		{Content: "Mailbox checked."},
		{FinishReason: llm.FinishStop},
	}}})

	session := &fakeSession{active: "a", runtimes: map[string]*Runtime{"a": sender, "d": recipient}}
	mb := mailbox.New()
	handler := NewSwitchHandler(mb, handoffCatalog(t), session, testLogger())

	result, handled := handler.Intercept(context.Background(), sender, models.ToolCall{
		ID: "tc1", Name: "send_mail", Arguments: mailArgs(t, "Debbie"),
	})
	if !handled {
		t.Fatal("Intercept() handled = false, want true for known recipient")
	}
	if !result.Succeeded() {
		t.Fatalf("result = %v, want success", result)
	}
	if result["delivered_to"] != "d" {
		t.Errorf("delivered_to = %v, want d", result["delivered_to"])
	}
	if result["response"] != "Mailbox checked." {
		t.Errorf("response = %v, want recipient's final text", result["response"])
	}

	// Control flipped to the recipient for the turn, then reverted.
	wantSwitches := []string{"d/mail handoff", "a/handoff return"}
	if len(session.switches) != 2 || session.switches[0] != wantSwitches[0] || session.switches[1] != wantSwitches[1] {
		t.Errorf("switches = %v, want %v", session.switches, wantSwitches)
	}
	if session.active != "a" {
		t.Errorf("active agent = %s, want a after revert", session.active)
	}

	// The recipient saw the synthetic notification as a user turn.
	history := recipient.History()
	if len(history) != 2 || history[0].Role != models.RoleUser {
		t.Fatalf("recipient history = %v, want user + assistant", roles(history))
	}
	if want := "You have received mail from Alice. Check your mailbox."; history[0].Content != want {
		t.Errorf("notification = %q, want %q", history[0].Content, want)
	}

	// The mail itself is sitting unread in the recipient's box.
	if n := mb.UnreadCount("d"); n != 1 {
		t.Errorf("unread count = %d, want 1", n)
	}
}

func TestHandoff_UnknownRecipientNotIntercepted(t *testing.T) {
	sender := handoffRuntime("a", "Alice", &scriptedBackend{})
	session := &fakeSession{active: "a", runtimes: map[string]*Runtime{"a": sender}}
	mb := mailbox.New()
	handler := NewSwitchHandler(mb, handoffCatalog(t), session, testLogger())

	result, handled := handler.Intercept(context.Background(), sender, models.ToolCall{
		ID: "tc1", Name: "send_mail", Arguments: mailArgs(t, "zara"),
	})
	if handled {
		t.Fatalf("Intercept() handled = true with result %v, want passthrough to the mailbox tool", result)
	}
	if len(session.switches) != 0 {
		t.Errorf("switches = %v, want none", session.switches)
	}
}

func TestHandoff_SelfSendNotIntercepted(t *testing.T) {
	sender := handoffRuntime("a", "Alice", &scriptedBackend{})
	session := &fakeSession{active: "a", runtimes: map[string]*Runtime{"a": sender}}
	handler := NewSwitchHandler(mailbox.New(), handoffCatalog(t), session, testLogger())

	if _, handled := handler.Intercept(context.Background(), sender, models.ToolCall{
		ID: "tc1", Name: "send_mail", Arguments: mailArgs(t, "Alice"),
	}); handled {
		t.Error("Intercept() handled = true for self-send, want false")
	}
}

func TestHandoff_OtherToolsIgnored(t *testing.T) {
	sender := handoffRuntime("a", "Alice", &scriptedBackend{})
	session := &fakeSession{active: "a", runtimes: map[string]*Runtime{"a": sender}}
	handler := NewSwitchHandler(mailbox.New(), handoffCatalog(t), session, testLogger())

	if _, handled := handler.Intercept(context.Background(), sender, models.ToolCall{
		ID: "tc1", Name: "read_file", Arguments: json.RawMessage(`{"path":"x"}`),
	}); handled {
		t.Error("Intercept() handled = true for read_file, want false")
	}
}

func TestHandoff_NestedSendQueuesInstead(t *testing.T) {
	sender := handoffRuntime("a", "Alice", &scriptedBackend{})
	session := &fakeSession{active: "d", runtimes: map[string]*Runtime{"a": sender}}
	mb := mailbox.New()
	handler := NewSwitchHandler(mb, handoffCatalog(t), session, testLogger())
	handler.inHandoff = true

	result, handled := handler.Intercept(context.Background(), sender, models.ToolCall{
		ID: "tc1", Name: "send_mail", Arguments: mailArgs(t, "Debbie"),
	})
	if !handled {
		t.Fatal("Intercept() handled = false, want true")
	}
	if !result.Succeeded() || result["queued"] != true {
		t.Fatalf("result = %v, want queued delivery", result)
	}
	if len(session.switches) != 0 {
		t.Errorf("switches = %v, want none during nested send", session.switches)
	}
	if n := mb.UnreadCount("d"); n != 1 {
		t.Errorf("unread count = %d, want 1", n)
	}
}
