package builtin

import (
	"context"
	"time"

	"github.com/DeanoC/AIWhisperer-sub000/internal/mailbox"
	"github.com/DeanoC/AIWhisperer-sub000/internal/tools"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

type sendMailArgs struct {
	ToAgent   string `json:"to_agent,omitempty" jsonschema:"description=Recipient agent id or name"`
	To        string `json:"to,omitempty" jsonschema:"description=Alias for to_agent"`
	Subject   string `json:"subject,omitempty" jsonschema:"description=One-line subject"`
	Body      string `json:"body" jsonschema:"required,description=Message body"`
	Priority  string `json:"priority,omitempty" jsonschema:"description=low, normal, high, or urgent"`
	InReplyTo string `json:"in_reply_to,omitempty" jsonschema:"description=Message id this replies to"`
}

type checkMailArgs struct {
	UnreadOnly *bool  `json:"unread_only,omitempty" jsonschema:"description=Only return unread messages (default true)"`
	From       string `json:"from,omitempty" jsonschema:"description=Only messages from this sender"`
}

type replyMailArgs struct {
	MessageID string `json:"message_id" jsonschema:"required,description=Id of the message being answered"`
	Body      string `json:"body" jsonschema:"required,description=Reply body"`
}

// MailTools builds the mailbox tools. send_mail here is the fallback for
// recipients that are not catalog agents; agent-to-agent sends are
// intercepted upstream and become handoffs. The stored message keeps I6:
// nothing addressed to an unknown name is dropped.
func MailTools(mb *mailbox.Mailbox) []tools.Definition {
	return []tools.Definition{
		{
			Name:        "send_mail",
			Description: "Send a message to another agent's mailbox.",
			Parameters:  paramsFor[sendMailArgs](),
			Tags:        []string{"mailbox"},
			Category:    "mailbox",
			Invoke:      sendMail(mb),
		},
		{
			Name:        "check_mail",
			Description: "Read messages from your mailbox, marking them read.",
			Parameters:  paramsFor[checkMailArgs](),
			Tags:        []string{"mailbox"},
			Category:    "mailbox",
			Invoke:      checkMail(mb),
		},
		{
			Name:        "reply_mail",
			Description: "Reply to a message, keeping its thread.",
			Parameters:  paramsFor[replyMailArgs](),
			Tags:        []string{"mailbox"},
			Category:    "mailbox",
			Invoke:      replyMail(mb),
		},
	}
}

func sendMail(mb *mailbox.Mailbox) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		var p sendMailArgs
		if err := decodeArgs(args, &p); err != nil {
			return tools.Fail("arguments parse: "+err.Error(), nil)
		}
		to := p.ToAgent
		if to == "" {
			to = p.To
		}
		messageID, err := mb.Send(mailbox.SendRequest{
			From:      inv.AgentID,
			To:        to,
			Subject:   p.Subject,
			Body:      p.Body,
			Priority:  models.ParsePriority(p.Priority),
			InReplyTo: p.InReplyTo,
		})
		if err != nil {
			return tools.Fail("mailbox: "+err.Error(), map[string]any{"to": to})
		}
		// The recipient is not a live agent, so nothing was delivered to a
		// runtime; the mail waits in the named queue.
		return tools.OK(map[string]any{
			"message_id":   messageID,
			"delivered_to": nil,
			"queued":       true,
		})
	}
}

func checkMail(mb *mailbox.Mailbox) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		var p checkMailArgs
		if err := decodeArgs(args, &p); err != nil {
			return tools.Fail("arguments parse: "+err.Error(), nil)
		}
		unreadOnly := true
		if p.UnreadOnly != nil {
			unreadOnly = *p.UnreadOnly
		}
		messages := mb.Check(inv.AgentID, mailbox.CheckFilter{UnreadOnly: unreadOnly, From: p.From})

		out := make([]map[string]any, 0, len(messages))
		for _, m := range messages {
			out = append(out, mailToMap(m))
		}
		return tools.OK(map[string]any{
			"messages": out,
			"count":    len(out),
		})
	}
}

func replyMail(mb *mailbox.Mailbox) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		var p replyMailArgs
		if err := decodeArgs(args, &p); err != nil {
			return tools.Fail("arguments parse: "+err.Error(), nil)
		}
		messageID, err := mb.Reply(p.MessageID, inv.AgentID, p.Body)
		if err != nil {
			return tools.Fail("mailbox: "+err.Error(), map[string]any{"message_id": p.MessageID})
		}
		return tools.OK(map[string]any{
			"message_id":  messageID,
			"in_reply_to": p.MessageID,
		})
	}
}

func mailToMap(m models.Mail) map[string]any {
	out := map[string]any{
		"message_id": m.ID,
		"from":       m.From,
		"to":         m.To,
		"subject":    m.Subject,
		"body":       m.Body,
		"priority":   m.Priority.String(),
		"sent_at":    m.SentAt.Format(time.RFC3339),
	}
	if m.InReplyTo != "" {
		out["in_reply_to"] = m.InReplyTo
	}
	return out
}
