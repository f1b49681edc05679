package agents

import (
	"os"
	"path/filepath"
	"testing"
)

func testDescriptors() []Descriptor {
	return []Descriptor{
		{ID: "a", Name: "Alice the Assistant", PromptFile: "alice.prompt.md"},
		{ID: "d", Name: "Debbie the Debugger", PromptFile: "debbie.prompt.md"},
		{ID: "p", Name: "Patricia the Planner", PromptFile: "patricia.prompt.md",
			Continuation: ContinuationPolicy{RequireExplicitSignal: true, MaxDepth: 5}},
	}
}

func TestNewRegistry_Validation(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
	}{
		{"uppercase id", Descriptor{ID: "A", PromptFile: "x.md"}},
		{"long id", Descriptor{ID: "abc", PromptFile: "x.md"}},
		{"digit id", Descriptor{ID: "a1", PromptFile: "x.md"}},
		{"missing prompt", Descriptor{ID: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry([]Descriptor{tt.desc}); err == nil {
				t.Error("NewRegistry() = nil error, want validation failure")
			}
		})
	}
}

func TestNewRegistry_DuplicateID(t *testing.T) {
	descs := []Descriptor{
		{ID: "a", PromptFile: "x.md"},
		{ID: "a", PromptFile: "y.md"},
	}
	if _, err := NewRegistry(descs); err == nil {
		t.Error("NewRegistry() = nil error, want duplicate-id failure")
	}
}

func TestNewRegistry_DefaultsApplied(t *testing.T) {
	r, err := NewRegistry([]Descriptor{{ID: "a", PromptFile: "x.md"}})
	if err != nil {
		t.Fatal(err)
	}
	d, _ := r.Get("a")
	if d.Continuation.MaxDepth != 1 {
		t.Errorf("MaxDepth = %d, want 1", d.Continuation.MaxDepth)
	}
	if d.Continuation.Sentinel != "CONTINUE" {
		t.Errorf("Sentinel = %q, want CONTINUE", d.Continuation.Sentinel)
	}
}

func TestResolveName(t *testing.T) {
	r, err := NewRegistry(testDescriptors())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"d", "d", true},
		{"D", "d", true},
		{"Debbie", "d", true},
		{"debbie the debugger", "d", true},
		{"ALICE", "a", true},
		{"patricia", "p", true},
		{"  p  ", "p", true},
		{"zelda", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := r.ResolveName(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ResolveName(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLoad_FromYAML(t *testing.T) {
	body := `agents:
  - id: a
    name: Alice the Assistant
    role: general assistant
    prompt_file: alice_assistant.prompt.md
    tools:
      sets: [readonly_filesystem]
      deny: [python_executor]
  - id: p
    name: Patricia the Planner
    prompt_file: patricia_planner.prompt.md
    continuation:
      require_explicit_signal: true
      max_depth: 5
      auto_continue_tools: [prepare_plan_from_rfc]
    model:
      provider: openai
      model_id: gpt-4o
`
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(r.All()) != 2 {
		t.Fatalf("loaded %d agents, want 2", len(r.All()))
	}
	p, ok := r.Get("p")
	if !ok {
		t.Fatal("agent p missing")
	}
	if !p.Continuation.RequireExplicitSignal {
		t.Error("RequireExplicitSignal not parsed")
	}
	if p.Continuation.MaxDepth != 5 {
		t.Errorf("MaxDepth = %d, want 5", p.Continuation.MaxDepth)
	}
	if len(p.Continuation.AutoContinueTools) != 1 {
		t.Errorf("AutoContinueTools = %v", p.Continuation.AutoContinueTools)
	}
	if p.Model.ModelID != "gpt-4o" {
		t.Errorf("ModelID = %q", p.Model.ModelID)
	}
	a, _ := r.Get("a")
	if len(a.Tools.Sets) != 1 || a.Tools.Sets[0] != "readonly_filesystem" {
		t.Errorf("Tools.Sets = %v", a.Tools.Sets)
	}
}
