// Package tools holds the process-wide tool registry: registration,
// set/tag/allow/deny resolution, schema validation, and invocation with
// the structured-result contract.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/DeanoC/AIWhisperer-sub000/internal/observability"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

var (
	// ErrDuplicate is returned when a tool name is already registered.
	ErrDuplicate = errors.New("tools: duplicate tool name")

	// ErrUnknownTool is returned when an invoked tool is not registered.
	ErrUnknownTool = errors.New("tools: unknown tool")
)

// defaultSchema accepts an empty object, used by tools that take no
// parameters and declare no schema.
var defaultSchema = json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)

// Invocation carries the caller identity into a tool execution.
type Invocation struct {
	SessionID string
	AgentID   string
}

// InvokerFunc executes one tool call. Arguments have already passed schema
// validation. Implementations report failures through the Result, not by
// panicking; panics are caught and converted by the registry.
type InvokerFunc func(ctx context.Context, inv Invocation, args map[string]any) Result

// Definition describes one registered tool. Absent optional fields are
// defaulted at registration time, never at lookup time.
type Definition struct {
	Name        string
	Description string
	// Parameters is a JSON Schema for the arguments object. Empty means
	// "no parameters".
	Parameters json.RawMessage
	Tags       []string
	Sets       []string
	Category   string
	Invoke     InvokerFunc
}

// Selectors choose an agent's tools. The cascade is: union of sets, union
// with tag matches, intersect with allow when non-empty, subtract deny.
// Deny beats allow beats sets and tags.
type Selectors struct {
	Sets  []string
	Tags  []string
	Allow []string
	Deny  []string
}

// SetSpec declares a named tool group. Includes pull in other sets
// transitively; ExtendsTags pulls in every tool carrying one of the tags.
type SetSpec struct {
	Includes    []string
	Tools       []string
	ExtendsTags []string
}

type registered struct {
	def      Definition
	compiled *jsonschema.Schema
}

// Registry is the process-wide tool catalog. Reads are concurrent; writes
// (registration, MCP add/remove) are exclusive.
type Registry struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu    sync.RWMutex
	tools map[string]*registered
	sets  map[string]SetSpec
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics records tool execution counters and durations.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer opens a span around every invocation.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger: logger.With("component", "tools"),
		tools:  map[string]*registered{},
		sets:   map[string]SetSpec{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. A duplicate name is rejected with ErrDuplicate and
// exactly one warning log; the existing tool is left untouched.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("tools: tool name is required")
	}
	if def.Invoke == nil {
		return fmt.Errorf("tools: tool %q has no invoker", def.Name)
	}
	if len(def.Parameters) == 0 {
		def.Parameters = defaultSchema
	}

	compiled, err := compileSchema(def.Name, def.Parameters)
	if err != nil {
		return fmt.Errorf("tools: tool %q schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		r.logger.Warn("duplicate tool registration rejected", "tool", def.Name)
		return fmt.Errorf("%w: %s", ErrDuplicate, def.Name)
	}
	r.tools[def.Name] = &registered{def: def, compiled: compiled}
	return nil
}

// Unregister removes a tool by name. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// UnregisterPrefix removes every tool whose name starts with prefix and
// returns how many were removed. Used when an MCP server disconnects.
func (r *Registry) UnregisterPrefix(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name := range r.tools {
		if strings.HasPrefix(name, prefix) {
			delete(r.tools, name)
			n++
		}
	}
	return n
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return reg.def, true
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RegisterSet declares a tool set. Registration fails if the set, combined
// with the sets already present, forms an include cycle; callers treat
// that as a fatal startup error.
func (r *Registry) RegisterSet(name string, spec SetSpec) error {
	if name == "" {
		return errors.New("tools: set name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sets[name]; exists {
		return fmt.Errorf("tools: set %q already registered", name)
	}
	r.sets[name] = spec
	if cycle := r.findSetCycleLocked(name); cycle != nil {
		delete(r.sets, name)
		return fmt.Errorf("tools: set cycle: %s", strings.Join(cycle, " -> "))
	}
	return nil
}

// findSetCycleLocked walks the include graph from start and returns the
// cycle path if one is reachable. Caller holds mu.
func (r *Registry) findSetCycleLocked(start string) []string {
	var walk func(name string, path []string, onPath map[string]bool) []string
	walk = func(name string, path []string, onPath map[string]bool) []string {
		if onPath[name] {
			return append(path, name)
		}
		spec, ok := r.sets[name]
		if !ok {
			return nil
		}
		onPath[name] = true
		path = append(path, name)
		for _, inc := range spec.Includes {
			if cycle := walk(inc, path, onPath); cycle != nil {
				return cycle
			}
		}
		onPath[name] = false
		return nil
	}
	return walk(start, nil, map[string]bool{})
}

// ResolveFor applies the selector cascade and returns the agent's tools
// sorted by name.
func (r *Registry) ResolveFor(sel Selectors) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := map[string]bool{}

	// (a) union of tools from the selected sets, transitively expanded.
	for _, set := range sel.Sets {
		r.expandSetLocked(set, names, map[string]bool{})
	}

	// (b) union with tools whose tags intersect the selector tags.
	if len(sel.Tags) > 0 {
		want := map[string]bool{}
		for _, tag := range sel.Tags {
			want[tag] = true
		}
		for name, reg := range r.tools {
			for _, tag := range reg.def.Tags {
				if want[tag] {
					names[name] = true
					break
				}
			}
		}
	}

	// (c) intersect with allow when non-empty.
	if len(sel.Allow) > 0 {
		allowed := map[string]bool{}
		for _, name := range sel.Allow {
			allowed[name] = true
		}
		for name := range names {
			if !allowed[name] {
				delete(names, name)
			}
		}
	}

	// (d) deny always wins.
	for _, name := range sel.Deny {
		delete(names, name)
	}

	ordered := make([]string, 0, len(names))
	for name := range names {
		if _, ok := r.tools[name]; ok {
			ordered = append(ordered, name)
		}
	}
	sort.Strings(ordered)

	out := make([]Definition, 0, len(ordered))
	for _, name := range ordered {
		out = append(out, r.tools[name].def)
	}
	return out
}

// expandSetLocked adds every tool reachable from the set into names.
// Caller holds mu (read side is enough; the set graph is acyclic once
// registered).
func (r *Registry) expandSetLocked(set string, names, visited map[string]bool) {
	if visited[set] {
		return
	}
	visited[set] = true

	spec, declared := r.sets[set]
	if declared {
		for _, name := range spec.Tools {
			names[name] = true
		}
		if len(spec.ExtendsTags) > 0 {
			want := map[string]bool{}
			for _, tag := range spec.ExtendsTags {
				want[tag] = true
			}
			for name, reg := range r.tools {
				for _, tag := range reg.def.Tags {
					if want[tag] {
						names[name] = true
						break
					}
				}
			}
		}
		for _, inc := range spec.Includes {
			r.expandSetLocked(inc, names, visited)
		}
	}

	// Tools may also declare membership on their own side.
	for name, reg := range r.tools {
		for _, s := range reg.def.Sets {
			if s == set {
				names[name] = true
				break
			}
		}
	}
}

// DefinitionsFor emits the resolved tools in the backend function-calling
// shape. Exported schemas always carry additionalProperties: false.
func (r *Registry) DefinitionsFor(sel Selectors) []models.ToolSchema {
	defs := r.ResolveFor(sel)
	out := make([]models.ToolSchema, 0, len(defs))
	for _, def := range defs {
		out = append(out, models.ToolSchema{
			Type: "function",
			Function: models.ToolFunctionSchema{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  closeSchema(def.Parameters),
			},
		})
	}
	return out
}

// InvokeJSON parses raw argument bytes and invokes the tool. Zero-byte
// arguments are a schema error, not a crash.
func (r *Registry) InvokeJSON(ctx context.Context, name string, rawArgs json.RawMessage, inv Invocation) Result {
	if len(bytes.TrimSpace(rawArgs)) == 0 {
		return Fail("schema: empty arguments", map[string]any{"tool": name})
	}
	var args map[string]any
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return Fail("arguments parse: "+err.Error(), map[string]any{"tool": name})
	}
	return r.Invoke(ctx, name, args, inv)
}

// Invoke validates args against the tool's schema and executes it. Schema
// failures return without calling the tool; panics inside a tool are
// caught and converted to an internal error result.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, inv Invocation) (result Result) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Fail(fmt.Sprintf("unknown tool: %s", name), nil)
	}

	start := time.Now()
	ctx, span := r.tracer.StartTool(ctx, name)
	defer func() {
		status := "ok"
		var spanErr error
		if !result.Succeeded() {
			status = "error"
			spanErr = errors.New(result.Error())
		}
		observability.EndSpan(span, spanErr)
		if r.metrics != nil {
			r.metrics.RecordToolExecution(name, status, time.Since(start))
		}
	}()

	if args == nil {
		args = map[string]any{}
	}
	if err := reg.compiled.Validate(normalizeForSchema(args)); err != nil {
		return Fail("schema: "+schemaErrorDetail(err), map[string]any{"tool": name})
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			result = Fail(fmt.Sprintf("internal: %v", rec), map[string]any{"tool": name})
		}
	}()
	result = reg.def.Invoke(ctx, inv, args)
	if result == nil {
		result = Fail("internal: tool returned no result", map[string]any{"tool": name})
	}
	return result
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// schemaErrorDetail flattens a validation error to its most specific cause.
func schemaErrorDetail(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			return leaf.Message
		}
		return fmt.Sprintf("%s: %s", loc, leaf.Message)
	}
	return err.Error()
}

// normalizeForSchema round-trips values that did not come from
// encoding/json (tests, manufactured calls) into the shapes the validator
// expects.
func normalizeForSchema(args map[string]any) any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}

// closeSchema sets additionalProperties: false on an object schema that
// does not decide it itself.
func closeSchema(schema json.RawMessage) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(schema, &m); err != nil {
		return schema
	}
	if m["type"] == "object" {
		if _, ok := m["additionalProperties"]; !ok {
			m["additionalProperties"] = false
			if out, err := json.Marshal(m); err == nil {
				return out
			}
		}
	}
	return schema
}
