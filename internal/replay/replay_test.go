package replay

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DeanoC/AIWhisperer-sub000/internal/agents"
	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
	"github.com/DeanoC/AIWhisperer-sub000/internal/llm"
	"github.com/DeanoC/AIWhisperer-sub000/internal/mailbox"
	"github.com/DeanoC/AIWhisperer-sub000/internal/prompts"
	"github.com/DeanoC/AIWhisperer-sub000/internal/session"
	"github.com/DeanoC/AIWhisperer-sub000/internal/sessions"
	"github.com/DeanoC/AIWhisperer-sub000/internal/tools"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingBackend answers every turn with the same text and counts the
// turns it served.
type countingBackend struct {
	text  string
	calls int
}

func (b *countingBackend) Name() string { return "counting" }

func (b *countingBackend) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	b.calls++
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Content: b.text}
	ch <- llm.Chunk{FinishReason: llm.FinishStop}
	close(ch)
	return ch, nil
}

func newTestManager(t *testing.T, backend llm.Backend) *session.Manager {
	t.Helper()

	catalog, err := agents.NewRegistry([]agents.Descriptor{
		{ID: "a", Name: "Alice the Assistant", PromptFile: "alice.md",
			Continuation: agents.ContinuationPolicy{MaxDepth: 3}},
	})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "agents"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "agents", "alice.md"), []byte("You are Alice.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	manager := session.NewManager(session.Deps{
		Catalog: catalog,
		Tools:   tools.NewRegistry(discard()),
		Prompts: prompts.NewLoader(dir, discard()),
		Backend: func(d *agents.Descriptor) (llm.Backend, error) {
			return backend, nil
		},
		Store:        sessions.NewMemoryStore(),
		Mailbox:      mailbox.New(),
		Logger:       discard(),
		Config:       config.Default().Session,
		DefaultAgent: "a",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})
	return manager
}

func TestReplayRunsScript(t *testing.T) {
	backend := &countingBackend{text: "done"}
	manager := newTestManager(t, backend)

	script := strings.NewReader(strings.Join([]string{
		"# warmup comment",
		"",
		"first message",
		"second message",
		"   ",
		"third message",
	}, "\n"))

	runner := NewRunner(manager, discard(), WithTurnTimeout(10*time.Second))
	summary, err := runner.Run(context.Background(), script)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if summary.Sent != 3 || summary.Completed != 3 || summary.Failures != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if backend.calls != 3 {
		t.Errorf("backend served %d turns, want 3", backend.calls)
	}
	if summary.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestReplayStopsAtQuitSentinel(t *testing.T) {
	backend := &countingBackend{text: "done"}
	manager := newTestManager(t, backend)

	script := strings.NewReader("hello\n/quit\nnever sent\n")

	runner := NewRunner(manager, discard(), WithTurnTimeout(10*time.Second))
	summary, err := runner.Run(context.Background(), script)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if summary.Sent != 1 || summary.Completed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if backend.calls != 1 {
		t.Errorf("backend served %d turns, want 1", backend.calls)
	}
}

func TestReplayDestroysItsSession(t *testing.T) {
	manager := newTestManager(t, &countingBackend{text: "ok"})

	runner := NewRunner(manager, discard(), WithTurnTimeout(10*time.Second))
	if _, err := runner.Run(context.Background(), strings.NewReader("one line\n")); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := manager.List(); len(got) != 0 {
		t.Errorf("sessions left behind: %v", got)
	}
}

// stallingBackend holds the stream open until the turn is cancelled.
type stallingBackend struct{}

func (stallingBackend) Name() string { return "stalling" }

func (stallingBackend) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 1)
	go func() {
		<-ctx.Done()
		ch <- llm.Chunk{Err: ctx.Err()}
		close(ch)
	}()
	return ch, nil
}

func TestReplayHonorsContextCancel(t *testing.T) {
	manager := newTestManager(t, stallingBackend{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(manager, discard())
	if _, err := runner.Run(ctx, strings.NewReader("hello\n")); err == nil {
		t.Fatal("expected a context error")
	}
}
