package builtin

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DeanoC/AIWhisperer-sub000/internal/mailbox"
	"github.com/DeanoC/AIWhisperer-sub000/internal/tools"
	"github.com/DeanoC/AIWhisperer-sub000/internal/workspace"
)

type stubHealth struct{}

func (stubHealth) Health() map[string]any { return map[string]any{"sessions": 1} }

type stubInspector struct{}

func (stubInspector) Analyze(sessionID string) (map[string]any, error) {
	return map[string]any{"turns": 3}, nil
}

func newTestRegistry(t *testing.T) (*tools.Registry, *workspace.Policy, *mailbox.Mailbox) {
	t.Helper()
	ws := t.TempDir()
	out := t.TempDir()
	policy, err := workspace.NewPolicy(ws, out)
	if err != nil {
		t.Fatalf("NewPolicy() error: %v", err)
	}
	mb := mailbox.New()
	reg := tools.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := RegisterAll(reg, Deps{Policy: policy, Mailbox: mb, Health: stubHealth{}, Inspector: stubInspector{}}); err != nil {
		t.Fatalf("RegisterAll() error: %v", err)
	}
	return reg, policy, mb
}

func invoke(t *testing.T, reg *tools.Registry, name string, args map[string]any) tools.Result {
	t.Helper()
	return reg.Invoke(context.Background(), name, args, tools.Invocation{SessionID: "sess-1", AgentID: "a"})
}

func TestWriteThenReadFile(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	result := invoke(t, reg, "write_file", map[string]any{
		"path":    "notes/hello.txt",
		"content": "line one\nline two\nline three",
	})
	if !result.Succeeded() {
		t.Fatalf("write_file failed: %v", result)
	}

	result = invoke(t, reg, "read_file", map[string]any{"path": "notes/hello.txt"})
	if !result.Succeeded() {
		t.Fatalf("read_file failed: %v", result)
	}
	if result["content"] != "line one\nline two\nline three" {
		t.Errorf("content = %q", result["content"])
	}

	result = invoke(t, reg, "read_file", map[string]any{
		"path":       "notes/hello.txt",
		"start_line": 2,
		"end_line":   2,
	})
	if !result.Succeeded() || result["content"] != "line two" {
		t.Errorf("line range read = %v, want line two", result)
	}
}

func TestWriteFile_EscapeRejected(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	result := invoke(t, reg, "write_file", map[string]any{
		"path":    "../outside.txt",
		"content": "nope",
	})
	if result.Succeeded() {
		t.Fatal("write_file accepted a path escaping the output root")
	}
	if !strings.Contains(result.Error(), "outside") {
		t.Errorf("error = %q, want containment refusal", result.Error())
	}
}

func TestListDirectoryAndSearch(t *testing.T) {
	reg, policy, _ := newTestRegistry(t)
	mustWrite(t, filepath.Join(policy.Workspace(), "src", "main.go"), "package main\n\nfunc main() {}\n")
	mustWrite(t, filepath.Join(policy.Workspace(), "src", "util.go"), "package main\n\nfunc helper() {}\n")
	mustWrite(t, filepath.Join(policy.Workspace(), "README.md"), "# demo\n")

	result := invoke(t, reg, "list_directory", map[string]any{"path": ".", "recursive": true})
	if !result.Succeeded() {
		t.Fatalf("list_directory failed: %v", result)
	}
	entries, _ := result["entries"].([]map[string]any)
	if len(entries) != 4 {
		t.Errorf("entries = %d, want 4 (dir + 3 files)", len(entries))
	}

	result = invoke(t, reg, "search_files", map[string]any{"pattern": `func \w+\(`, "file_glob": "*.go"})
	if !result.Succeeded() {
		t.Fatalf("search_files failed: %v", result)
	}
	if count, _ := result["count"].(int); count != 2 {
		t.Errorf("search count = %v, want 2", result["count"])
	}
}

func TestRFCLifecycle(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	created := invoke(t, reg, "create_rfc", map[string]any{
		"title":   "Add Caching Layer",
		"summary": "Cache hot reads.",
		"author":  "alice",
	})
	if !created.Succeeded() {
		t.Fatalf("create_rfc failed: %v", created)
	}
	rfcID, _ := created["rfc_id"].(string)
	if !strings.HasPrefix(rfcID, "rfc_add-caching-layer_") {
		t.Errorf("rfc_id = %q, want rfc_add-caching-layer_<date>", rfcID)
	}

	// Creating the same RFC twice on the same day collides.
	if dup := invoke(t, reg, "create_rfc", map[string]any{"title": "Add Caching Layer"}); dup.Succeeded() {
		t.Error("duplicate create_rfc succeeded, want failure")
	}

	read := invoke(t, reg, "read_rfc", map[string]any{"rfc_id": rfcID})
	if !read.Succeeded() {
		t.Fatalf("read_rfc failed: %v", read)
	}
	if read["status"] != "draft" || read["title"] != "Add Caching Layer" {
		t.Errorf("read_rfc header = status %v title %v", read["status"], read["title"])
	}
	content, _ := read["content"].(string)
	if !strings.Contains(content, "Cache hot reads.") {
		t.Errorf("content missing summary: %q", content)
	}

	list := invoke(t, reg, "list_rfcs", map[string]any{})
	if !list.Succeeded() {
		t.Fatalf("list_rfcs failed: %v", list)
	}
	if list["count"] != 1 {
		t.Errorf("list count = %v, want 1", list["count"])
	}
}

func TestPlanLifecycle(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	invalid := invoke(t, reg, "save_generated_plan", map[string]any{
		"plan_name": "bad plan",
		"plan": map[string]any{
			"tasks": []any{map[string]any{"subtask_name": "only a name"}},
		},
	})
	if invalid.Succeeded() {
		t.Fatal("save_generated_plan accepted a task without description")
	}
	if !strings.Contains(invalid.Error(), "plan validation") {
		t.Errorf("error = %q, want plan validation failure", invalid.Error())
	}

	saved := invoke(t, reg, "save_generated_plan", map[string]any{
		"plan_name": "Caching Rollout",
		"plan": map[string]any{
			"title": "Caching Rollout",
			"tasks": []any{
				map[string]any{
					"subtask_name": "add cache",
					"description":  "Introduce the cache layer.",
					"agent_type":   "code_generation",
				},
				map[string]any{
					"subtask_name":        "test cache",
					"description":         "Cover hit and miss paths.",
					"depends_on":          []any{"add cache"},
					"validation_criteria": []any{"tests pass"},
				},
			},
		},
	})
	if !saved.Succeeded() {
		t.Fatalf("save_generated_plan failed: %v", saved)
	}
	if saved["tasks"] != 2 {
		t.Errorf("tasks = %v, want 2", saved["tasks"])
	}

	list := invoke(t, reg, "list_plans", map[string]any{})
	if !list.Succeeded() || list["count"] != 1 {
		t.Fatalf("list_plans = %v, want one plan", list)
	}
}

func TestPreparePlanFromRFC(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	created := invoke(t, reg, "create_rfc", map[string]any{"title": "Retry Policy"})
	rfcID, _ := created["rfc_id"].(string)

	prepared := invoke(t, reg, "prepare_plan_from_rfc", map[string]any{"rfc_id": rfcID})
	if !prepared.Succeeded() {
		t.Fatalf("prepare_plan_from_rfc failed: %v", prepared)
	}
	if content, _ := prepared["rfc_content"].(string); !strings.Contains(content, "Retry Policy") {
		t.Errorf("rfc_content = %q, want the RFC text", content)
	}
	if instructions, _ := prepared["instructions"].(string); !strings.Contains(instructions, "save_generated_plan") {
		t.Errorf("instructions = %q, want pointer to save_generated_plan", instructions)
	}

	missing := invoke(t, reg, "prepare_plan_from_rfc", map[string]any{"rfc_id": "rfc_nope_2026-01-01"})
	if missing.Succeeded() {
		t.Error("prepare_plan_from_rfc succeeded for a missing RFC")
	}
}

func TestMailTools(t *testing.T) {
	reg, _, mb := newTestRegistry(t)

	sent := invoke(t, reg, "send_mail", map[string]any{
		"to_agent": "future-agent",
		"subject":  "heads up",
		"body":     "work is queued",
		"priority": "high",
	})
	if !sent.Succeeded() {
		t.Fatalf("send_mail failed: %v", sent)
	}
	if sent["delivered_to"] != nil {
		t.Errorf("delivered_to = %v, want nil for a non-agent recipient", sent["delivered_to"])
	}
	if sent["queued"] != true {
		t.Errorf("queued = %v, want true", sent["queued"])
	}
	if mb.UnreadCount("future-agent") != 1 {
		t.Errorf("unread = %d, want 1", mb.UnreadCount("future-agent"))
	}

	// Deliver one to the invoking agent and read it back.
	if _, err := mb.Send(mailbox.SendRequest{From: "d", To: "a", Body: "ping"}); err != nil {
		t.Fatal(err)
	}
	checked := invoke(t, reg, "check_mail", map[string]any{})
	if !checked.Succeeded() || checked["count"] != 1 {
		t.Fatalf("check_mail = %v, want one message", checked)
	}
	messages, _ := checked["messages"].([]map[string]any)
	if len(messages) != 1 || messages[0]["from"] != "d" {
		t.Fatalf("messages = %v", messages)
	}

	replied := invoke(t, reg, "reply_mail", map[string]any{
		"message_id": messages[0]["message_id"],
		"body":       "pong",
	})
	if !replied.Succeeded() {
		t.Fatalf("reply_mail failed: %v", replied)
	}
	if mb.UnreadCount("d") != 1 {
		t.Errorf("reply not delivered to d")
	}
}

func TestDebugTools(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	health := invoke(t, reg, "system_health_check", map[string]any{})
	if !health.Succeeded() {
		t.Fatalf("system_health_check failed: %v", health)
	}
	if _, ok := health["goroutines"]; !ok {
		t.Error("health missing goroutines")
	}
	if _, ok := health["paths"]; !ok {
		t.Error("health missing path policy description")
	}

	analysis := invoke(t, reg, "session_analysis", map[string]any{})
	if !analysis.Succeeded() {
		t.Fatalf("session_analysis failed: %v", analysis)
	}
	if analysis["session_id"] != "sess-1" {
		t.Errorf("session_id = %v, want the caller's session", analysis["session_id"])
	}
}

func TestSetsResolve(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	names := func(defs []tools.Definition) map[string]bool {
		out := map[string]bool{}
		for _, d := range defs {
			out[d.Name] = true
		}
		return out
	}

	readonly := names(reg.ResolveFor(tools.Selectors{Sets: []string{"readonly_filesystem"}}))
	if readonly["write_file"] {
		t.Error("readonly_filesystem includes write_file")
	}
	if !readonly["read_file"] || !readonly["search_files"] {
		t.Errorf("readonly_filesystem = %v, missing read tools", readonly)
	}

	full := names(reg.ResolveFor(tools.Selectors{Sets: []string{"filesystem"}}))
	if !full["write_file"] || !full["read_file"] {
		t.Errorf("filesystem = %v, want read and write tools", full)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
