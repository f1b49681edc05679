// Package mailbox is the process-wide inter-agent message store. It is a
// leaf: tools and agent runtimes both depend on it, never the other way
// around. One instance is constructed at startup and injected.
package mailbox

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// ErrNotFound is returned when a message id is unknown.
var ErrNotFound = errors.New("mailbox: message not found")

// lanes are drained urgent first; within one lane delivery order is FIFO.
var lanes = []models.MailPriority{
	models.PriorityUrgent,
	models.PriorityHigh,
	models.PriorityNormal,
	models.PriorityLow,
}

// Mailbox holds per-recipient queues. Recipients need no registration:
// the queue for an unknown recipient is created on first send, so a
// delivery is never lost even when the recipient agent has not been
// instantiated yet.
type Mailbox struct {
	mu         sync.RWMutex
	byID       map[string]*models.Mail
	boxes      map[string]map[models.MailPriority][]*models.Mail
	depthGauge func(priority string, unread float64)
}

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithDepthGauge registers a callback invoked with the unread count of
// every priority lane after each state change. The callback runs with the
// mailbox lock held and must not call back into the mailbox.
func WithDepthGauge(fn func(priority string, unread float64)) Option {
	return func(m *Mailbox) { m.depthGauge = fn }
}

// New creates an empty mailbox.
func New(opts ...Option) *Mailbox {
	m := &Mailbox{
		byID:  map[string]*models.Mail{},
		boxes: map[string]map[models.MailPriority][]*models.Mail{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SendRequest describes one outgoing message.
type SendRequest struct {
	From      string
	To        string
	Subject   string
	Body      string
	Priority  models.MailPriority
	InReplyTo string
}

// Send enqueues a message and returns its id. The message is visible to
// Check as soon as Send returns.
func (m *Mailbox) Send(req SendRequest) (string, error) {
	if req.To == "" {
		return "", errors.New("mailbox: recipient is required")
	}
	mail := &models.Mail{
		ID:        uuid.NewString(),
		From:      req.From,
		To:        req.To,
		Subject:   req.Subject,
		Body:      req.Body,
		Priority:  req.Priority,
		InReplyTo: req.InReplyTo,
		Status:    models.MailUnread,
		SentAt:    time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[mail.ID] = mail
	box, ok := m.boxes[req.To]
	if !ok {
		box = map[models.MailPriority][]*models.Mail{}
		m.boxes[req.To] = box
	}
	box[mail.Priority] = append(box[mail.Priority], mail)
	m.reportDepthLocked()
	return mail.ID, nil
}

// CheckFilter narrows what Check returns.
type CheckFilter struct {
	// UnreadOnly restricts the result to messages not yet read.
	UnreadOnly bool
	// From restricts the result to one sender when non-empty.
	From string
}

// Check returns the recipient's messages, higher priority lanes first and
// FIFO within each lane. Returned messages are marked read; messages below
// high priority are archived on read, high and urgent stay listed until
// archived explicitly.
func (m *Mailbox) Check(to string, filter CheckFilter) []models.Mail {
	m.mu.Lock()
	defer m.mu.Unlock()

	box, ok := m.boxes[to]
	if !ok {
		return nil
	}

	var out []models.Mail
	for _, lane := range lanes {
		for _, mail := range box[lane] {
			if mail.Status == models.MailArchived {
				continue
			}
			if filter.UnreadOnly && mail.Status != models.MailUnread {
				continue
			}
			if filter.From != "" && mail.From != filter.From {
				continue
			}
			out = append(out, *mail)
			if mail.Status == models.MailUnread {
				mail.Status = models.MailRead
				// Below high priority, a read message leaves the active
				// queue; high and urgent stay until archived explicitly.
				if mail.Priority < models.PriorityHigh {
					m.archiveLocked(mail)
				}
			}
		}
	}
	m.reportDepthLocked()
	return out
}

// Reply sends a threaded response to an existing message.
func (m *Mailbox) Reply(messageID, from, body string) (string, error) {
	m.mu.RLock()
	orig, ok := m.byID[messageID]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	subject := orig.Subject
	if subject != "" {
		subject = "Re: " + subject
	}
	return m.Send(SendRequest{
		From:      from,
		To:        orig.From,
		Subject:   subject,
		Body:      body,
		Priority:  orig.Priority,
		InReplyTo: messageID,
	})
}

// Archive marks a message archived; it will no longer appear in Check.
func (m *Mailbox) Archive(messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mail, ok := m.byID[messageID]
	if !ok {
		return ErrNotFound
	}
	m.archiveLocked(mail)
	m.reportDepthLocked()
	return nil
}

// List returns messages for a recipient filtered by status, without
// changing their state. An empty status returns everything.
func (m *Mailbox) List(to string, status models.MailStatus) []models.Mail {
	m.mu.RLock()
	defer m.mu.RUnlock()

	box, ok := m.boxes[to]
	if !ok {
		return nil
	}
	var out []models.Mail
	for _, lane := range lanes {
		for _, mail := range box[lane] {
			if status != "" && mail.Status != status {
				continue
			}
			out = append(out, *mail)
		}
	}
	return out
}

// UnreadCount reports how many unread messages wait for a recipient.
func (m *Mailbox) UnreadCount(to string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	box, ok := m.boxes[to]
	if !ok {
		return 0
	}
	n := 0
	for _, lane := range box {
		for _, mail := range lane {
			if mail.Status == models.MailUnread {
				n++
			}
		}
	}
	return n
}

// Stats reports unread counts by priority lane across all recipients, for
// the mailbox depth gauge.
func (m *Mailbox) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]int{}
	for _, box := range m.boxes {
		for prio, lane := range box {
			for _, mail := range lane {
				if mail.Status == models.MailUnread {
					out[prio.String()]++
				}
			}
		}
	}
	return out
}

// reportDepthLocked pushes every lane's unread count to the depth gauge,
// zeroes included so a drained lane reads zero. Caller holds mu.
func (m *Mailbox) reportDepthLocked() {
	if m.depthGauge == nil {
		return
	}
	counts := map[models.MailPriority]int{}
	for _, box := range m.boxes {
		for prio, lane := range box {
			for _, mail := range lane {
				if mail.Status == models.MailUnread {
					counts[prio]++
				}
			}
		}
	}
	for _, lane := range lanes {
		m.depthGauge(lane.String(), float64(counts[lane]))
	}
}

// archiveLocked removes the message from its lane queue. Caller holds mu.
func (m *Mailbox) archiveLocked(mail *models.Mail) {
	mail.Status = models.MailArchived
	box := m.boxes[mail.To]
	if box == nil {
		return
	}
	lane := box[mail.Priority]
	for i, q := range lane {
		if q.ID == mail.ID {
			box[mail.Priority] = append(lane[:i], lane[i+1:]...)
			break
		}
	}
}
