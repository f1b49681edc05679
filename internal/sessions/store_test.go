package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_SessionLifecycle(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := store.Create(ctx, Record{ID: "s1", ActiveAgent: "a"}); err != nil {
				t.Fatalf("Create() error: %v", err)
			}
			rec, err := store.Get(ctx, "s1")
			if err != nil {
				t.Fatalf("Get() error: %v", err)
			}
			if rec.ActiveAgent != "a" {
				t.Errorf("ActiveAgent = %q, want a", rec.ActiveAgent)
			}

			if err := store.SetActiveAgent(ctx, "s1", "d"); err != nil {
				t.Fatalf("SetActiveAgent() error: %v", err)
			}
			rec, _ = store.Get(ctx, "s1")
			if rec.ActiveAgent != "d" {
				t.Errorf("ActiveAgent = %q, want d", rec.ActiveAgent)
			}

			list, err := store.List(ctx)
			if err != nil || len(list) != 1 {
				t.Fatalf("List() = %v, %v; want one record", list, err)
			}

			if err := store.Delete(ctx, "s1"); err != nil {
				t.Fatalf("Delete() error: %v", err)
			}
			if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() after delete = %v, want ErrNotFound", err)
			}
			if err := store.Delete(ctx, "s1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Delete() twice = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_TranscriptRoundTrip(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Create(ctx, Record{ID: "s1", ActiveAgent: "a"}); err != nil {
				t.Fatal(err)
			}

			msgs := []models.ConversationMessage{
				models.NewUserMessage("list the files"),
				{
					Role:      models.RoleAssistant,
					Timestamp: time.Now(),
					ToolCalls: []models.ToolCall{{
						ID: "tc1", Name: "list_directory", Arguments: json.RawMessage(`{"path":"."}`),
					}},
					Usage: &models.Usage{PromptTokens: 20, CompletionTokens: 8, TotalTokens: 28},
				},
				models.NewToolMessage("tc1", `{"success":true,"entries":[]}`),
				{Role: models.RoleAssistant, Content: "Empty directory.", Timestamp: time.Now()},
			}
			for _, msg := range msgs {
				if err := store.AppendMessage(ctx, "s1", "a", msg); err != nil {
					t.Fatalf("AppendMessage() error: %v", err)
				}
			}

			got, err := store.GetHistory(ctx, "s1", "a", 0)
			if err != nil {
				t.Fatalf("GetHistory() error: %v", err)
			}
			if len(got) != 4 {
				t.Fatalf("history length = %d, want 4", len(got))
			}
			if got[1].ToolCalls[0].ID != "tc1" || string(got[1].ToolCalls[0].Arguments) != `{"path":"."}` {
				t.Errorf("tool call round trip = %+v", got[1].ToolCalls)
			}
			if got[1].Usage == nil || got[1].Usage.TotalTokens != 28 {
				t.Errorf("usage round trip = %+v", got[1].Usage)
			}
			if got[2].ToolCallID != "tc1" {
				t.Errorf("ToolCallID = %q, want tc1", got[2].ToolCallID)
			}

			// Limited reads keep chronological order of the tail.
			tail, err := store.GetHistory(ctx, "s1", "a", 2)
			if err != nil || len(tail) != 2 {
				t.Fatalf("GetHistory(limit=2) = %d msgs, %v", len(tail), err)
			}
			if tail[0].Role != models.RoleTool || tail[1].Content != "Empty directory." {
				t.Errorf("tail = %v, %v", tail[0].Role, tail[1].Content)
			}

			// Per-agent transcripts are isolated.
			other, err := store.GetHistory(ctx, "s1", "d", 0)
			if err != nil || len(other) != 0 {
				t.Errorf("other agent history = %d msgs, %v; want empty", len(other), err)
			}
		})
	}
}

func TestMemoryStore_AppendToUnknownSession(t *testing.T) {
	store := NewMemoryStore()
	err := store.AppendMessage(context.Background(), "nope", "a", models.NewUserMessage("x"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("AppendMessage() = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_TranscriptCap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, Record{ID: "s1"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < maxMessagesPerTranscript+10; i++ {
		if err := store.AppendMessage(ctx, "s1", "a", models.NewUserMessage("m")); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := store.GetHistory(ctx, "s1", "a", 0)
	if len(got) != maxMessagesPerTranscript {
		t.Errorf("history length = %d, want cap %d", len(got), maxMessagesPerTranscript)
	}
}

func TestSQLiteStore_AppendErrorWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO messages").WillReturnError(errors.New("disk I/O error"))

	store := &SQLiteStore{db: db}
	appendErr := store.AppendMessage(context.Background(), "s1", "a", models.NewUserMessage("x"))
	if appendErr == nil || !strings.Contains(appendErr.Error(), "sessions: append") {
		t.Fatalf("AppendMessage() = %v, want wrapped append error", appendErr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}
