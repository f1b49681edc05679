package prompts

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAgentPrompt_AppendsToolGuidelines(t *testing.T) {
	system := t.TempDir()
	writeTree(t, system, map[string]string{
		"agents/alice.prompt.md":   "You are Alice.",
		"shared/tool_guidelines.md": "Always return structured results.",
	})

	l := NewLoader(system, discard())
	got, err := l.AgentPrompt("alice.prompt.md", false)
	if err != nil {
		t.Fatalf("AgentPrompt() error = %v", err)
	}
	if !strings.Contains(got, "You are Alice.") {
		t.Error("agent body missing")
	}
	if !strings.Contains(got, "Always return structured results.") {
		t.Error("tool guidelines not appended")
	}
}

func TestAgentPrompt_ContinuationFragmentOnlyWhenRequired(t *testing.T) {
	system := t.TempDir()
	writeTree(t, system, map[string]string{
		"agents/p.prompt.md":             "You are Patricia.",
		"shared/tool_guidelines.md":       "Guidelines.",
		"shared/continuation_protocol.md": "Say CONTINUE to keep going.",
	})
	l := NewLoader(system, discard())

	plain, err := l.AgentPrompt("p.prompt.md", false)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(plain, "CONTINUE") {
		t.Error("continuation fragment appended without requireSignal")
	}

	signal, err := l.AgentPrompt("p.prompt.md", true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(signal, "Say CONTINUE to keep going.") {
		t.Error("continuation fragment missing with requireSignal")
	}
}

func TestResolve_UserOverrideWins(t *testing.T) {
	system := t.TempDir()
	user := t.TempDir()
	writeTree(t, system, map[string]string{
		"agents/alice.prompt.md": "system version",
	})
	writeTree(t, user, map[string]string{
		"agents/alice.prompt.md": "user version",
	})

	l := NewLoader(system, discard(), WithUserDir(user))
	got, err := l.AgentPrompt("alice.prompt.md", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "user version") {
		t.Errorf("prompt = %q, want user override", got)
	}
}

func TestAgentPrompt_MissingIsError(t *testing.T) {
	l := NewLoader(t.TempDir(), discard())
	if _, err := l.AgentPrompt("ghost.prompt.md", false); err == nil {
		t.Error("AgentPrompt(missing) = nil error")
	}
}

func TestResolve_CacheRefreshesOnModTime(t *testing.T) {
	system := t.TempDir()
	writeTree(t, system, map[string]string{
		"agents/a.prompt.md":       "first",
		"shared/tool_guidelines.md": "g",
	})
	l := NewLoader(system, discard())

	if got, _ := l.AgentPrompt("a.prompt.md", false); !strings.Contains(got, "first") {
		t.Fatalf("initial read = %q", got)
	}

	path := filepath.Join(system, "agents", "a.prompt.md")
	if err := os.WriteFile(path, []byte("second"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Force a distinct mtime in case the filesystem is coarse-grained.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, info.ModTime(), info.ModTime().Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}

	got, err := l.AgentPrompt("a.prompt.md", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "second") {
		t.Errorf("after rewrite = %q, want refreshed content", got)
	}
}
