package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestPolicy(t *testing.T) (*Policy, string, string) {
	t.Helper()
	ws := t.TempDir()
	out := t.TempDir()
	p, err := NewPolicy(ws, out)
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	return p, ws, out
}

func TestResolveRead_InsideWorkspace(t *testing.T) {
	p, ws, _ := newTestPolicy(t)
	if err := os.WriteFile(filepath.Join(ws, "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}

	abs, err := p.ResolveRead("main.go")
	if err != nil {
		t.Fatalf("ResolveRead() error = %v", err)
	}
	if filepath.Base(abs) != "main.go" {
		t.Errorf("resolved to %q", abs)
	}
}

func TestResolveRead_FallsBackToOutput(t *testing.T) {
	p, _, out := newTestPolicy(t)
	if err := os.MkdirAll(filepath.Join(out, "rfc"), 0o755); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(out, "rfc", "rfc_dark_mode.md")
	if err := os.WriteFile(target, []byte("# RFC"), 0o644); err != nil {
		t.Fatal(err)
	}

	abs, err := p.ResolveRead(filepath.Join("rfc", "rfc_dark_mode.md"))
	if err != nil {
		t.Fatalf("ResolveRead() error = %v", err)
	}
	if !strings.HasPrefix(abs, out) {
		t.Errorf("resolved to %q, want a path under the output root", abs)
	}
}

func TestResolveRead_RejectsEscape(t *testing.T) {
	p, _, _ := newTestPolicy(t)
	for _, rel := range []string{"../../etc/passwd", "..", "../sibling/file"} {
		if _, err := p.ResolveRead(rel); err == nil {
			t.Errorf("ResolveRead(%q) = nil error, want policy rejection", rel)
		}
	}
}

func TestResolveWrite_OnlyOutput(t *testing.T) {
	p, ws, out := newTestPolicy(t)

	abs, err := p.ResolveWrite(filepath.Join("plans", "plan.json"))
	if err != nil {
		t.Fatalf("ResolveWrite() error = %v", err)
	}
	if !strings.HasPrefix(abs, out) {
		t.Errorf("resolved to %q, want a path under the output root", abs)
	}
	// Parent directories are created.
	if _, err := os.Stat(filepath.Dir(abs)); err != nil {
		t.Errorf("parent dir not created: %v", err)
	}

	// A write targeting the workspace root must be refused.
	if _, err := p.ResolveWrite(filepath.Join(ws, "code.go")); err == nil {
		t.Error("ResolveWrite(workspace path) = nil error, want rejection")
	}
	if _, err := p.ResolveWrite("../outside.txt"); err == nil {
		t.Error("ResolveWrite(escape) = nil error, want rejection")
	}
}

func TestResolveRead_SymlinkEscape(t *testing.T) {
	p, ws, _ := newTestPolicy(t)
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(ws, "link.txt")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := p.ResolveRead("link.txt"); err == nil {
		t.Error("ResolveRead(symlink escape) = nil error, want rejection")
	}
}
