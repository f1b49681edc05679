package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/DeanoC/AIWhisperer-sub000/internal/sessions"
)

// Manager creates, tracks, and reaps sessions. It also answers the
// debugging tools' health and analysis queries.
type Manager struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	cron    *cron.Cron
	idleTTL time.Duration

	// attach hooks run on every new session before its first turn;
	// the observer registers itself here.
	attachMu sync.Mutex
	attach   []func(*Session)
}

// NewManager builds a manager and starts the idle reaper.
func NewManager(deps Deps) *Manager {
	m := &Manager{
		deps:     deps,
		logger:   deps.Logger.With("component", "session_manager"),
		sessions: map[string]*Session{},
		idleTTL:  deps.Config.IdleTTL,
	}

	schedule := deps.Config.ReapSchedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(schedule, m.reapIdle); err != nil {
		m.logger.Warn("reap schedule invalid, reaper disabled", "schedule", schedule, "error", err)
	} else {
		m.cron.Start()
	}
	return m
}

// OnSessionCreated registers a hook applied to every future session.
func (m *Manager) OnSessionCreated(fn func(*Session)) {
	m.attachMu.Lock()
	m.attach = append(m.attach, fn)
	m.attachMu.Unlock()
}

// Create opens a new session with the default agent active.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	id := uuid.NewString()
	s, err := New(id, m.deps)
	if err != nil {
		return nil, err
	}

	if m.deps.Store != nil {
		if err := m.deps.Store.Create(ctx, sessions.Record{ID: id, ActiveAgent: s.ActiveAgentID()}); err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("session: persist: %w", err)
		}
	}

	m.attachMu.Lock()
	hooks := m.attach
	m.attachMu.Unlock()
	for _, hook := range hooks {
		hook(s)
	}

	m.mu.Lock()
	m.sessions[id] = s
	count := len(m.sessions)
	m.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.ActiveSessions.Set(float64(count))
	}
	m.logger.Info("session created", "session_id", id, "active", count)
	return s, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Destroy closes and removes a session. In-flight turns are cancelled.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: unknown session %q", id)
	}

	if err := s.Close(ctx); err != nil {
		m.logger.Warn("session close timed out", "session_id", id, "error", err)
	}
	if m.deps.Store != nil {
		if err := m.deps.Store.Delete(ctx, id); err != nil {
			m.logger.Warn("session record delete failed", "session_id", id, "error", err)
		}
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.ActiveSessions.Set(float64(count))
	}
	m.logger.Info("session destroyed", "session_id", id)
	return nil
}

// List returns the live session ids.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// reapIdle closes sessions idle past the TTL. Close waits for an in-flight
// turn to drain before the session goes away.
func (m *Manager) reapIdle() {
	if m.idleTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.idleTTL)

	m.mu.RLock()
	var idle []string
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) && len(s.queue) == 0 {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		m.logger.Info("reaping idle session", "session_id", id)
		if err := m.Destroy(ctx, id); err != nil {
			m.logger.Warn("reap failed", "session_id", id, "error", err)
		}
		cancel()
	}
}

// Health implements the debugging tools' health source.
func (m *Manager) Health() map[string]any {
	m.mu.RLock()
	count := len(m.sessions)
	m.mu.RUnlock()

	out := map[string]any{
		"sessions": count,
		"store":    m.deps.Config.Store,
	}
	if m.deps.Mailbox != nil {
		out["mailbox"] = m.deps.Mailbox.Stats()
	}
	return out
}

// Analyze implements the debugging tools' session inspector.
func (m *Manager) Analyze(sessionID string) (map[string]any, error) {
	s, ok := m.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("session: unknown session %q", sessionID)
	}
	return s.Snapshot(), nil
}

// Shutdown stops the reaper and closes every session.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cron != nil {
		m.cron.Stop()
	}

	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	var firstErr error
	for _, s := range open {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.ActiveSessions.Set(0)
	}
	if m.deps.Store != nil {
		if err := m.deps.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
