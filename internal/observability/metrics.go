package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the orchestrator. All names
// are prefixed aiwhisperer_.
type Metrics struct {
	TurnsTotal        *prometheus.CounterVec
	TurnDuration      *prometheus.HistogramVec
	ToolExecutions    *prometheus.CounterVec
	ToolDuration      *prometheus.HistogramVec
	LLMTokens         *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	MailboxDepth      *prometheus.GaugeVec
	ObserverAlerts    *prometheus.CounterVec
	MCPRequests       *prometheus.CounterVec
	ContinuationDepth prometheus.Histogram
	DroppedFrames     prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics builds the collector set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiwhisperer_turns_total",
			Help: "Completed user turns by agent and outcome.",
		}, []string{"agent_id", "outcome"}),

		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aiwhisperer_turn_duration_seconds",
			Help:    "Wall time of one user turn including continuations.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"agent_id"}),

		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiwhisperer_tool_executions_total",
			Help: "Tool invocations by tool name and status.",
		}, []string{"tool", "status"}),

		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aiwhisperer_tool_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"tool"}),

		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiwhisperer_llm_tokens_total",
			Help: "Tokens exchanged with backends by provider and direction.",
		}, []string{"provider", "direction"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aiwhisperer_active_sessions",
			Help: "Sessions currently open.",
		}),

		MailboxDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aiwhisperer_mailbox_depth",
			Help: "Unread mail per priority lane.",
		}, []string{"priority"}),

		ObserverAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiwhisperer_observer_alerts_total",
			Help: "Observer alerts by kind.",
		}, []string{"kind"}),

		MCPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiwhisperer_mcp_requests_total",
			Help: "JSON-RPC requests to MCP servers by method and status.",
		}, []string{"server", "method", "status"}),

		ContinuationDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aiwhisperer_continuation_depth",
			Help:    "Continuation depth reached per turn.",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8, 10},
		}),

		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiwhisperer_gateway_dropped_frames_total",
			Help: "Notification frames dropped on slow or detached clients.",
		}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTurn records one completed turn.
func (m *Metrics) RecordTurn(agentID, outcome string, d time.Duration, depth int) {
	m.TurnsTotal.WithLabelValues(agentID, outcome).Inc()
	m.TurnDuration.WithLabelValues(agentID).Observe(d.Seconds())
	m.ContinuationDepth.Observe(float64(depth))
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string, d time.Duration) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordTokens records backend token usage.
func (m *Metrics) RecordTokens(provider string, prompt, completion int) {
	if prompt > 0 {
		m.LLMTokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.LLMTokens.WithLabelValues(provider, "completion").Add(float64(completion))
	}
}

// RecordMCPRequest records one JSON-RPC round trip to an MCP server.
func (m *Metrics) RecordMCPRequest(server, method, status string) {
	m.MCPRequests.WithLabelValues(server, method, status).Inc()
}
