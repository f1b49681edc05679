// Package sessions persists session records and conversation transcripts.
// The store is a durable mirror: the runtime keeps the authoritative
// in-memory history and appends every message here as it happens.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("sessions: session not found")

// Record is one stored session.
type Record struct {
	ID          string    `json:"id"`
	ActiveAgent string    `json:"active_agent"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists sessions and their per-agent transcripts.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	SetActiveAgent(ctx context.Context, id, agentID string) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)

	// AppendMessage mirrors one history message. It also satisfies the
	// runtime's transcript interface.
	AppendMessage(ctx context.Context, sessionID, agentID string, msg models.ConversationMessage) error
	GetHistory(ctx context.Context, sessionID, agentID string, limit int) ([]models.ConversationMessage, error)

	Close() error
}

// Open builds the store selected by the configuration.
func Open(cfg config.SessionConfig) (Store, error) {
	switch cfg.Store {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("sessions: unknown store %q", cfg.Store)
	}
}
