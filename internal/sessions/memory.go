package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// maxMessagesPerTranscript caps stored messages per (session, agent) so a
// long-running session cannot grow without bound; oldest entries are
// trimmed first.
const maxMessagesPerTranscript = 1000

// MemoryStore keeps sessions and transcripts in process memory. It is the
// default store and the one tests use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Record
	messages map[transcriptKey][]models.ConversationMessage
}

type transcriptKey struct {
	sessionID string
	agentID   string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]Record{},
		messages: map[transcriptKey][]models.ConversationMessage{},
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = rec.CreatedAt
	m.sessions[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) SetActiveAgent(ctx context.Context, id, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.ActiveAgent = agentID
	rec.UpdatedAt = time.Now()
	m.sessions[id] = rec
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	for key := range m.messages {
		if key.sessionID == id {
			delete(m.messages, key)
		}
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID, agentID string, msg models.ConversationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	key := transcriptKey{sessionID: sessionID, agentID: agentID}
	msgs := append(m.messages[key], cloneMessage(msg))
	if len(msgs) > maxMessagesPerTranscript {
		msgs = msgs[len(msgs)-maxMessagesPerTranscript:]
	}
	m.messages[key] = msgs

	rec := m.sessions[sessionID]
	rec.UpdatedAt = time.Now()
	m.sessions[sessionID] = rec
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, sessionID, agentID string, limit int) ([]models.ConversationMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[transcriptKey{sessionID: sessionID, agentID: agentID}]
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}
	out := make([]models.ConversationMessage, 0, len(msgs)-start)
	for _, msg := range msgs[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// cloneMessage copies the slices that callers might mutate after append.
func cloneMessage(msg models.ConversationMessage) models.ConversationMessage {
	clone := msg
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			clone.ToolCalls[i] = tc
			if tc.Arguments != nil {
				clone.ToolCalls[i].Arguments = append([]byte(nil), tc.Arguments...)
			}
		}
	}
	if msg.Usage != nil {
		usage := *msg.Usage
		clone.Usage = &usage
	}
	return clone
}
