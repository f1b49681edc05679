// Package agents holds the static catalog of agent descriptors loaded at
// startup. Descriptors are immutable once loaded; an agent's identity is
// its short id.
package agents

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// idPattern constrains agent ids to one or two lower-case letters.
var idPattern = regexp.MustCompile(`^[a-z]{1,2}$`)

// ToolSelectors chooses an agent's tools from the registry. Deny beats
// allow beats sets and tags.
type ToolSelectors struct {
	Sets  []string `yaml:"sets"`
	Tags  []string `yaml:"tags"`
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// ContinuationPolicy governs automatic re-invocation after tool results.
type ContinuationPolicy struct {
	RequireExplicitSignal bool     `yaml:"require_explicit_signal"`
	MaxDepth              int      `yaml:"max_depth"`
	SingleToolPerStep     bool     `yaml:"single_tool_per_step"`
	Sentinel              string   `yaml:"sentinel"`
	AutoContinueTools     []string `yaml:"auto_continue_tools"`
}

// ModelPrefs carries per-agent backend preferences; zero values fall back
// to the provider defaults.
type ModelPrefs struct {
	Provider    string  `yaml:"provider"`
	ModelID     string  `yaml:"model_id"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// Descriptor is one catalog entry.
type Descriptor struct {
	ID           string             `yaml:"id"`
	Name         string             `yaml:"name"`
	Role         string             `yaml:"role"`
	PromptFile   string             `yaml:"prompt_file"`
	Tools        ToolSelectors      `yaml:"tools"`
	Continuation ContinuationPolicy `yaml:"continuation"`
	Model        ModelPrefs         `yaml:"model"`
}

// catalogFile is the on-disk shape of agents.yaml.
type catalogFile struct {
	Agents []Descriptor `yaml:"agents"`
}

// Registry is the loaded, validated catalog.
type Registry struct {
	byID  map[string]*Descriptor
	order []string
}

// Load reads and validates a catalog file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agent catalog: %w", err)
	}
	return NewRegistry(file.Agents)
}

// NewRegistry validates descriptors and builds the registry.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	r := &Registry{byID: map[string]*Descriptor{}}
	for i := range descriptors {
		d := descriptors[i]
		if !idPattern.MatchString(d.ID) {
			return nil, fmt.Errorf("agent %q: id must be one or two lower-case letters", d.ID)
		}
		if _, exists := r.byID[d.ID]; exists {
			return nil, fmt.Errorf("agent %q: duplicate id", d.ID)
		}
		if d.PromptFile == "" {
			return nil, fmt.Errorf("agent %q: prompt_file is required", d.ID)
		}
		if d.Continuation.MaxDepth < 1 {
			d.Continuation.MaxDepth = 1
		}
		if d.Continuation.Sentinel == "" {
			d.Continuation.Sentinel = "CONTINUE"
		}
		r.byID[d.ID] = &d
		r.order = append(r.order, d.ID)
	}
	return r, nil
}

// Get returns the descriptor for an id.
func (r *Registry) Get(id string) (*Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// All returns descriptors in catalog order.
func (r *Registry) All() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// ResolveName maps an id or friendly name to an agent id,
// case-insensitively. "d", "Debbie", and "Debbie the Debugger" all resolve
// to the same agent.
func (r *Registry) ResolveName(s string) (string, bool) {
	needle := strings.ToLower(strings.TrimSpace(s))
	if needle == "" {
		return "", false
	}
	if _, ok := r.byID[needle]; ok {
		return needle, true
	}
	for _, id := range r.order {
		d := r.byID[id]
		name := strings.ToLower(d.Name)
		if needle == name {
			return id, true
		}
		// First name token: "Debbie the Debugger" answers to "debbie".
		if first, _, ok := strings.Cut(name, " "); ok && needle == first {
			return id, true
		}
	}
	return "", false
}
