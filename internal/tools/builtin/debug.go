package builtin

import (
	"context"
	"runtime"
	"time"

	"github.com/DeanoC/AIWhisperer-sub000/internal/tools"
	"github.com/DeanoC/AIWhisperer-sub000/internal/workspace"
)

// HealthSource reports component health for the debugging tools. The
// session manager implements it; tests use a stub.
type HealthSource interface {
	Health() map[string]any
}

// SessionInspector exposes per-session diagnostics: turn counts, depths,
// recent tool activity, observer alerts.
type SessionInspector interface {
	Analyze(sessionID string) (map[string]any, error)
}

type sessionAnalysisArgs struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"description=Session to analyze (default: the calling session)"`
}

type healthCheckArgs struct{}

var processStart = time.Now()

// DebugTools builds the debugging probes. Both degrade gracefully when a
// source is absent so a partially wired process still answers.
func DebugTools(policy *workspace.Policy, health HealthSource, inspector SessionInspector) []tools.Definition {
	return []tools.Definition{
		{
			Name:        "system_health_check",
			Description: "Report process health: runtime stats, path policy, component status.",
			Parameters:  paramsFor[healthCheckArgs](),
			Tags:        []string{"debugging"},
			Category:    "debugging",
			Invoke:      systemHealthCheck(policy, health),
		},
		{
			Name:        "session_analysis",
			Description: "Summarize a session's conversation and tool activity.",
			Parameters:  paramsFor[sessionAnalysisArgs](),
			Tags:        []string{"debugging"},
			Category:    "debugging",
			Invoke:      sessionAnalysis(inspector),
		},
	}
}

func systemHealthCheck(policy *workspace.Policy, health HealthSource) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		out := map[string]any{
			"uptime_seconds": int(time.Since(processStart).Seconds()),
			"goroutines":     runtime.NumGoroutine(),
			"heap_alloc_mb":  mem.HeapAlloc / (1 << 20),
			"go_version":     runtime.Version(),
		}
		if policy != nil {
			out["paths"] = policy.Describe()
		}
		if health != nil {
			out["components"] = health.Health()
		}
		return tools.OK(out)
	}
}

func sessionAnalysis(inspector SessionInspector) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		var p sessionAnalysisArgs
		if err := decodeArgs(args, &p); err != nil {
			return tools.Fail("arguments parse: "+err.Error(), nil)
		}
		if inspector == nil {
			return tools.Fail("session analysis is not available in this process", nil)
		}
		sessionID := p.SessionID
		if sessionID == "" {
			sessionID = inv.SessionID
		}
		analysis, err := inspector.Analyze(sessionID)
		if err != nil {
			return tools.Fail("analyze: "+err.Error(), map[string]any{"session_id": sessionID})
		}
		return tools.OK(map[string]any{
			"session_id": sessionID,
			"analysis":   analysis,
		})
	}
}
