package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// SQLiteStore persists sessions and transcripts in a single SQLite file.
// Tool calls and usage are stored as JSON columns; the schema is created
// on open.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	active_agent TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id      TEXT NOT NULL,
	agent_id        TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	reasoning       TEXT NOT NULL DEFAULT '',
	tool_call_id    TEXT NOT NULL DEFAULT '',
	tool_calls_json TEXT,
	usage_json      TEXT,
	created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_transcript
	ON messages (session_id, agent_id, id);
`

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema. WAL keeps concurrent readers off the writer's back.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sessions: create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessions: open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: configure sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, active_agent, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.ActiveAgent, rec.CreatedAt, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("sessions: create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.db.QueryRowContext(ctx,
		`SELECT id, active_agent, created_at, updated_at FROM sessions WHERE id = ?`, id).
		Scan(&rec.ID, &rec.ActiveAgent, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("sessions: get: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) SetActiveAgent(ctx context.Context, id, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active_agent = ?, updated_at = ? WHERE id = ?`,
		agentID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("sessions: set active agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("sessions: delete messages: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, active_agent, created_at, updated_at FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.ActiveAgent, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sessions: list scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID, agentID string, msg models.ConversationMessage) error {
	var toolCallsJSON, usageJSON sql.NullString
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("sessions: encode tool calls: %w", err)
		}
		toolCallsJSON = sql.NullString{String: string(data), Valid: true}
	}
	if msg.Usage != nil {
		data, err := json.Marshal(msg.Usage)
		if err != nil {
			return fmt.Errorf("sessions: encode usage: %w", err)
		}
		usageJSON = sql.NullString{String: string(data), Valid: true}
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, agent_id, role, content, reasoning, tool_call_id, tool_calls_json, usage_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, agentID, string(msg.Role), msg.Content, msg.Reasoning, msg.ToolCallID, toolCallsJSON, usageJSON, ts)
	if err != nil {
		return fmt.Errorf("sessions: append: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("sessions: touch session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID, agentID string, limit int) ([]models.ConversationMessage, error) {
	query := `SELECT role, content, reasoning, tool_call_id, tool_calls_json, usage_json, created_at
		FROM messages WHERE session_id = ? AND agent_id = ? ORDER BY id`
	args := []any{sessionID, agentID}
	if limit > 0 {
		// Last N in chronological order.
		query = `SELECT role, content, reasoning, tool_call_id, tool_calls_json, usage_json, created_at FROM (
			SELECT id, role, content, reasoning, tool_call_id, tool_calls_json, usage_json, created_at
			FROM messages WHERE session_id = ? AND agent_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions: history: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationMessage
	for rows.Next() {
		var (
			msg           models.ConversationMessage
			role          string
			toolCallsJSON sql.NullString
			usageJSON     sql.NullString
		)
		if err := rows.Scan(&role, &msg.Content, &msg.Reasoning, &msg.ToolCallID, &toolCallsJSON, &usageJSON, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("sessions: history scan: %w", err)
		}
		msg.Role = models.Role(role)
		if toolCallsJSON.Valid {
			if err := json.Unmarshal([]byte(toolCallsJSON.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("sessions: decode tool calls: %w", err)
			}
		}
		if usageJSON.Valid {
			var usage models.Usage
			if err := json.Unmarshal([]byte(usageJSON.String), &usage); err != nil {
				return nil, fmt.Errorf("sessions: decode usage: %w", err)
			}
			msg.Usage = &usage
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
