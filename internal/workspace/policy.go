// Package workspace enforces the filesystem boundary for every
// path-bearing tool: the workspace root is read-only, the output root is
// writable. Tools hand relative paths to the policy and never canonicalize
// paths themselves.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Policy resolves tool-supplied paths against the workspace and output
// roots and rejects escapes.
type Policy struct {
	workspace string
	output    string
}

// NewPolicy builds a policy over the two roots. Both are made absolute;
// the output directory is created if missing.
func NewPolicy(workspaceRoot, outputRoot string) (*Policy, error) {
	ws, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	out, err := filepath.Abs(outputRoot)
	if err != nil {
		return nil, fmt.Errorf("output root: %w", err)
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return nil, fmt.Errorf("create output root: %w", err)
	}
	return &Policy{workspace: ws, output: out}, nil
}

// Workspace returns the absolute read-only root.
func (p *Policy) Workspace() string { return p.workspace }

// Output returns the absolute writable root.
func (p *Policy) Output() string { return p.output }

// ResolveRead maps a relative path to an absolute one inside the workspace
// or output root. Resolution tries the workspace first so tools see source
// files before generated artifacts of the same name.
func (p *Policy) ResolveRead(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		// Absolute paths are accepted only when already inside a root.
		if inside, abs := p.containedIn(rel, p.workspace); inside {
			return abs, nil
		}
		if inside, abs := p.containedIn(rel, p.output); inside {
			return abs, nil
		}
		return "", fmt.Errorf("policy: path %q is outside the workspace", rel)
	}

	wsPath := filepath.Join(p.workspace, rel)
	if inside, abs := p.containedIn(wsPath, p.workspace); inside {
		if _, err := os.Stat(abs); err == nil {
			return abs, nil
		}
		outPath := filepath.Join(p.output, rel)
		if insideOut, absOut := p.containedIn(outPath, p.output); insideOut {
			if _, err := os.Stat(absOut); err == nil {
				return absOut, nil
			}
		}
		// Neither exists; report against the workspace root so the error
		// names the path the caller asked about.
		return abs, nil
	}
	return "", fmt.Errorf("policy: path %q escapes the workspace", rel)
}

// ResolveWrite maps a relative path to an absolute one inside the output
// root and creates parent directories. Writes anywhere else are refused.
func (p *Policy) ResolveWrite(rel string) (string, error) {
	var candidate string
	if filepath.IsAbs(rel) {
		candidate = rel
	} else {
		candidate = filepath.Join(p.output, rel)
	}
	inside, abs := p.containedIn(candidate, p.output)
	if !inside {
		return "", fmt.Errorf("policy: path %q is outside the writable output root", rel)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("policy: create parent of %q: %w", rel, err)
	}
	return abs, nil
}

// Describe reports the policy roots for diagnostics.
func (p *Policy) Describe() map[string]any {
	return map[string]any{
		"workspace": p.workspace,
		"output":    p.output,
		"writable":  []string{p.output},
	}
}

// containedIn reports whether path, after cleaning and symlink resolution,
// stays under root, returning the resolved absolute path.
func (p *Policy) containedIn(path, root string) (bool, string) {
	abs := filepath.Clean(path)

	// Resolve symlinks on the longest existing prefix so a link cannot
	// point the path outside the root.
	resolved := abs
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		resolved = r
	} else if r, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		resolved = filepath.Join(r, filepath.Base(abs))
	}

	rootResolved := root
	if r, err := filepath.EvalSymlinks(root); err == nil {
		rootResolved = r
	}

	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil {
		return false, abs
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, abs
	}
	return true, resolved
}
