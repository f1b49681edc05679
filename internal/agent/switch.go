package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/DeanoC/AIWhisperer-sub000/internal/agents"
	"github.com/DeanoC/AIWhisperer-sub000/internal/mailbox"
	"github.com/DeanoC/AIWhisperer-sub000/internal/tools"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// SessionControl is the slice of the session the switch handler drives:
// flipping the active agent and materializing recipient runtimes.
type SessionControl interface {
	ActiveAgentID() string
	SetActiveAgent(id, reason string)
	RuntimeFor(id string) (*Runtime, error)
}

// SwitchHandler intercepts send_mail calls whose recipient resolves to a
// known agent and turns them into a synchronous handoff: mail is written,
// control flips to the recipient for one full turn, then reverts, and the
// recipient's final text comes back as the sender's tool observation.
//
// Unknown recipients are not intercepted; the plain mailbox tool stores
// the message for later pickup.
type SwitchHandler struct {
	mailbox *mailbox.Mailbox
	catalog *agents.Registry
	session SessionControl
	logger  *slog.Logger

	// inHandoff guards against nested handoffs: a send_mail issued by the
	// recipient during a handoff is stored, not run. Turns are serialized
	// per session, so no lock is needed.
	inHandoff bool
}

// NewSwitchHandler builds the handler for one session.
func NewSwitchHandler(mb *mailbox.Mailbox, catalog *agents.Registry, session SessionControl, logger *slog.Logger) *SwitchHandler {
	return &SwitchHandler{
		mailbox: mb,
		catalog: catalog,
		session: session,
		logger:  logger.With("component", "switch"),
	}
}

type sendMailArgs struct {
	ToAgent   string `json:"to_agent"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Priority  string `json:"priority"`
	InReplyTo string `json:"in_reply_to"`
}

func (a sendMailArgs) recipient() string {
	if a.ToAgent != "" {
		return a.ToAgent
	}
	return a.To
}

// Intercept implements ToolInterceptor.
func (h *SwitchHandler) Intercept(ctx context.Context, sender *Runtime, call models.ToolCall) (tools.Result, bool) {
	if call.Name != "send_mail" {
		return nil, false
	}

	var args sendMailArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, false
	}
	recipientID, known := h.catalog.ResolveName(args.recipient())
	if !known || recipientID == sender.Descriptor().ID {
		return nil, false
	}

	messageID, err := h.mailbox.Send(mailbox.SendRequest{
		From:      sender.Descriptor().ID,
		To:        recipientID,
		Subject:   args.Subject,
		Body:      args.Body,
		Priority:  models.ParsePriority(args.Priority),
		InReplyTo: args.InReplyTo,
	})
	if err != nil {
		return tools.Fail("mailbox: "+err.Error(), map[string]any{"delivered_to": recipientID}), true
	}

	if h.inHandoff {
		// Already inside a handoff: deliver without running the
		// recipient; it will find the mail on its next turn.
		return tools.OK(map[string]any{
			"delivered_to": recipientID,
			"message_id":   messageID,
			"queued":       true,
		}), true
	}

	response, err := h.runHandoff(ctx, sender, recipientID)
	if err != nil {
		return tools.Fail(err.Error(), map[string]any{
			"delivered_to": recipientID,
			"message_id":   messageID,
		}), true
	}
	return tools.OK(map[string]any{
		"delivered_to": recipientID,
		"message_id":   messageID,
		"response":     response,
	}), true
}

// runHandoff flips the active agent, runs the recipient's turn, and
// reverts. Cancellation of the outer turn propagates through ctx; the
// recipient's partial assistant message stays in its history either way.
func (h *SwitchHandler) runHandoff(ctx context.Context, sender *Runtime, recipientID string) (string, error) {
	recipient, err := h.session.RuntimeFor(recipientID)
	if err != nil {
		return "", fmt.Errorf("handoff: %w", err)
	}

	original := h.session.ActiveAgentID()
	h.session.SetActiveAgent(recipientID, "mail handoff")
	h.inHandoff = true
	defer func() {
		h.inHandoff = false
		h.session.SetActiveAgent(original, "handoff return")
	}()

	prompt := fmt.Sprintf("You have received mail from %s. Check your mailbox.", sender.Descriptor().Name)
	h.logger.Info("handoff started", "from", sender.Descriptor().ID, "to", recipientID)

	result, err := recipient.HandleUserMessage(ctx, prompt)
	if err != nil {
		h.logger.Warn("handoff turn failed", "to", recipientID, "error", err)
		return "", fmt.Errorf("handoff: recipient %s: %w", recipientID, err)
	}

	h.logger.Info("handoff completed", "from", sender.Descriptor().ID, "to", recipientID)
	text := result.Content
	if text == "" {
		text = result.Reasoning
	}
	return text, nil
}
