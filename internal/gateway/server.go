// Package gateway exposes the orchestrator over a WebSocket carrying
// JSON-RPC 2.0 frames, plus plain HTTP health and metrics endpoints on
// the same mux.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
	"github.com/DeanoC/AIWhisperer-sub000/internal/mcp"
	"github.com/DeanoC/AIWhisperer-sub000/internal/observability"
	"github.com/DeanoC/AIWhisperer-sub000/internal/session"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second

	// wsSendBuffer bounds the per-connection notification queue; frames
	// past it are dropped, not blocked on.
	wsSendBuffer = 64
)

// MCPControl wires the mcp.* gateway methods to the client pool and the
// tool bridge. Servers is the configured set mcp.start may reference.
type MCPControl struct {
	Pool    *mcp.Pool
	Bridge  *mcp.Bridge
	Servers []config.MCPServerConfig
}

func (mc *MCPControl) serverConfig(name string) (config.MCPServerConfig, bool) {
	for _, cfg := range mc.Servers {
		if cfg.Name == name {
			return cfg, true
		}
	}
	return config.MCPServerConfig{}, false
}

// Config carries the gateway's collaborators. MCP may be nil, which
// disables the mcp.* methods.
type Config struct {
	Manager *session.Manager
	Metrics *observability.Metrics
	Logger  *slog.Logger
	MCP     *MCPControl
}

// Server is the WebSocket control plane.
type Server struct {
	manager  *session.Manager
	metrics  *observability.Metrics
	mcp      *MCPControl
	logger   *slog.Logger
	upgrader websocket.Upgrader
	started  time.Time

	http *http.Server
}

// NewServer builds a gateway over a session manager.
func NewServer(cfg Config) *Server {
	return &Server{
		manager: cfg.Manager,
		metrics: cfg.Metrics,
		mcp:     cfg.MCP,
		logger:  cfg.Logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		started: time.Now(),
	}
}

// Handler returns the full mux: /ws, /healthz, and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", s.serveHealthz)
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe blocks until the context is cancelled or the listener
// fails, then drains with a short shutdown grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.logger.Info("gateway listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newWSConn(s, conn)
	s.logger.Info("client connected", "remote", r.RemoteAddr)
	c.run()
	s.logger.Info("client disconnected", "remote", r.RemoteAddr)
}

func (s *Server) serveHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.healthSnapshot())
}

func (s *Server) healthSnapshot() map[string]any {
	out := s.manager.Health()
	out["status"] = "ok"
	out["uptime_seconds"] = int64(time.Since(s.started).Seconds())
	return out
}

// metricsSnapshot flattens the Prometheus registry into one value per
// family for the monitoring.metrics RPC. Histograms report their sample
// counts.
func (s *Server) metricsSnapshot() (map[string]float64, error) {
	if s.metrics == nil {
		return nil, fmt.Errorf("metrics not configured")
	}
	families, err := s.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(families))
	for _, family := range families {
		var total float64
		for _, m := range family.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		out[family.GetName()] = total
	}
	return out, nil
}
