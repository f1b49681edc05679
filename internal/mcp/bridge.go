package mcp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/DeanoC/AIWhisperer-sub000/internal/tools"
)

// maxToolNameLen is the backend limit on function-calling tool names.
const maxToolNameLen = 64

// mcpToolSet groups every bridged tool for agent selectors.
const mcpToolSet = "mcp_tools"

// toolSource is what the bridge needs from a connected server. Both
// Client and ReconnectingClient satisfy it.
type toolSource interface {
	Name() string
	Tools() []*Tool
	CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error)
}

// Bridge projects remote MCP tools into the local tool registry under
// mcp_<server>_<tool> names so agents select them like built-ins.
type Bridge struct {
	registry *tools.Registry
	logger   *slog.Logger

	mu         sync.Mutex
	registered map[string][]string // server -> registered tool names
}

// NewBridge creates a bridge over the given registry.
func NewBridge(registry *tools.Registry, logger *slog.Logger) *Bridge {
	b := &Bridge{
		registry:   registry,
		logger:     logger.With("component", "mcp_bridge"),
		registered: map[string][]string{},
	}
	// The set may already exist when multiple bridges share a registry.
	if err := registry.RegisterSet(mcpToolSet, tools.SetSpec{ExtendsTags: []string{"mcp"}}); err != nil {
		b.logger.Debug("mcp tool set already declared", "error", err)
	}
	return b
}

// RegisterServer registers every tool the source currently advertises
// and returns the registered names. Name collisions within the registry
// are skipped with a warning.
func (b *Bridge) RegisterServer(src toolSource) []string {
	server := src.Name()
	defs := src.Tools()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	used := map[string]struct{}{}
	names := make([]string, 0, len(defs))
	for _, tool := range defs {
		name := safeToolName(server, tool.Name, used)
		def := tools.Definition{
			Name:        name,
			Description: bridgedDescription(server, tool),
			Parameters:  tool.InputSchema,
			Tags:        []string{"mcp", server},
			Sets:        []string{mcpToolSet},
			Category:    "mcp",
			Invoke:      b.invoker(src, tool.Name),
		}
		if err := b.registry.Register(def); err != nil {
			if !errors.Is(err, tools.ErrDuplicate) {
				b.logger.Warn("mcp tool rejected", "server", server, "tool", tool.Name, "error", err)
			}
			continue
		}
		names = append(names, name)
	}

	b.mu.Lock()
	b.registered[server] = names
	b.mu.Unlock()

	b.logger.Info("mcp tools registered", "server", server, "count", len(names))
	return names
}

// UnregisterServer removes every tool bridged from the server. Called
// when the server stops or before a re-registration.
func (b *Bridge) UnregisterServer(server string) int {
	b.mu.Lock()
	delete(b.registered, server)
	b.mu.Unlock()

	n := b.registry.UnregisterPrefix(serverPrefix(server))
	if n > 0 {
		b.logger.Info("mcp tools unregistered", "server", server, "count", n)
	}
	return n
}

// Refresh re-registers a server after its tool list changed.
func (b *Bridge) Refresh(src toolSource) []string {
	b.UnregisterServer(src.Name())
	return b.RegisterServer(src)
}

// Registered returns the bridged tool names for a server.
func (b *Bridge) Registered(server string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.registered[server]))
	copy(out, b.registered[server])
	return out
}

func (b *Bridge) invoker(src toolSource, remoteName string) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		result, err := src.CallTool(ctx, remoteName, args)
		if err != nil {
			return tools.Fail(err.Error(), map[string]any{"server": src.Name(), "tool": remoteName})
		}
		return tools.Result(StructuredResult(result))
	}
}

func bridgedDescription(server string, tool *Tool) string {
	desc := strings.TrimSpace(tool.Description)
	if desc == "" {
		return "MCP tool " + server + "." + tool.Name
	}
	return "MCP tool " + server + "." + tool.Name + ": " + desc
}

func serverPrefix(server string) string {
	return "mcp_" + sanitizeToolPart(server) + "_"
}

// safeToolName builds mcp_<server>_<tool>, capped at maxToolNameLen.
// Overlong or colliding names get a stable hash suffix.
func safeToolName(server, toolName string, used map[string]struct{}) string {
	base := serverPrefix(server) + sanitizeToolPart(toolName)
	name := base
	if len(name) > maxToolNameLen {
		name = truncateWithHash(base, server, toolName)
	}
	if _, exists := used[name]; exists {
		name = dedupeWithHash(name, server, toolName)
	}
	used[name] = struct{}{}
	return name
}

func sanitizeToolPart(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	underscore := false
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

func toolNameHash(server, toolName string) string {
	sum := sha1.Sum([]byte(server + ":" + toolName))
	return hex.EncodeToString(sum[:])[:8]
}

func truncateWithHash(base, server, toolName string) string {
	suffix := "_" + toolNameHash(server, toolName)
	trimLen := maxToolNameLen - len(suffix)
	if trimLen > len(base) {
		trimLen = len(base)
	}
	return base[:trimLen] + suffix
}

func dedupeWithHash(base, server, toolName string) string {
	suffix := "_" + toolNameHash(server, toolName)
	name := base + suffix
	if len(name) <= maxToolNameLen {
		return name
	}
	return truncateWithHash(base, server, toolName)
}
