package models

import (
	"strings"
	"time"
)

// MailPriority orders mailbox lanes. Higher priorities are drained first.
type MailPriority int

const (
	PriorityLow MailPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// ParsePriority maps a priority string to its lane, defaulting to normal.
func ParsePriority(s string) MailPriority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

func (p MailPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// MailStatus tracks the read lifecycle of a mail message.
type MailStatus string

const (
	MailUnread   MailStatus = "unread"
	MailRead     MailStatus = "read"
	MailArchived MailStatus = "archived"
)

// Mail is one message in the process-wide mailbox. Recipients are agent
// ids or arbitrary mailbox names; unknown recipients still get a queue so
// deliveries are never lost.
type Mail struct {
	ID        string       `json:"id"`
	From      string       `json:"from"`
	To        string       `json:"to"`
	Subject   string       `json:"subject,omitempty"`
	Body      string       `json:"body"`
	Priority  MailPriority `json:"priority"`
	InReplyTo string       `json:"in_reply_to,omitempty"`
	Status    MailStatus   `json:"status"`
	SentAt    time.Time    `json:"sent_at"`
}
