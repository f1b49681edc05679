package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
	"github.com/DeanoC/AIWhisperer-sub000/internal/observability"
)

// Client speaks MCP to a single server: initialize handshake, cached
// capabilities and tool list, tool invocation.
type Client struct {
	cfg     config.MCPServerConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	newTransport func() (Transport, error)

	mu         sync.RWMutex
	transport  Transport
	serverInfo ServerInfo
	caps       Capabilities
	tools      []*Tool

	onToolsChanged func()

	stopOnce sync.Once
	stop     chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientMetrics records per-request counters.
func WithClientMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// withTransportFactory overrides transport construction. Tests use it to
// inject fakes.
func withTransportFactory(fn func() (Transport, error)) ClientOption {
	return func(c *Client) { c.newTransport = fn }
}

// NewClient builds a client for one configured server. The connection is
// not opened until Connect.
func NewClient(cfg config.MCPServerConfig, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		cfg:    cfg,
		logger: logger.With("mcp_server", cfg.Name),
		stop:   make(chan struct{}),
	}
	c.newTransport = func() (Transport, error) { return NewTransport(cfg, logger) }
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.cfg.Name }

// Config returns the server configuration.
func (c *Client) Config() config.MCPServerConfig { return c.cfg }

// OnToolsChanged registers a callback fired after the tool cache is
// refreshed in response to a list_changed notification. Set before
// Connect.
func (c *Client) OnToolsChanged(fn func()) { c.onToolsChanged = fn }

// Connect opens the transport and runs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	transport, err := c.newTransport()
	if err != nil {
		return err
	}
	if err := transport.Connect(ctx); err != nil {
		return fmt.Errorf("mcp: connect %s: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	c.transport = transport
	c.mu.Unlock()

	if err := c.initialize(ctx, transport); err != nil {
		transport.Close()
		return err
	}

	go c.watchEvents(transport)
	return nil
}

func (c *Client) initialize(ctx context.Context, transport Transport) error {
	result, err := c.call(ctx, transport, "initialize", InitializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    Capabilities{Tools: &ToolsCapability{ListChanged: true}},
		ClientInfo:      ClientInfo{Name: clientName, Version: "1.0.0"},
	})
	if err != nil {
		return fmt.Errorf("mcp: initialize %s: %w", c.cfg.Name, err)
	}

	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		return fmt.Errorf("mcp: initialize %s: parse result: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.caps = init.Capabilities
	c.mu.Unlock()

	c.logger.Info("mcp server connected",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion)

	if err := transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}

	if init.Capabilities.Tools != nil {
		if err := c.refreshTools(ctx, transport); err != nil {
			c.logger.Warn("tools/list failed", "error", err)
		}
	}
	return nil
}

// Reconnect tears the connection down and builds it back up, rerunning
// the handshake.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	transport := c.transport
	c.transport = nil
	c.mu.Unlock()
	if transport != nil {
		transport.Close()
	}
	return c.Connect(ctx)
}

// Close shuts the transport down. The spawned subprocess, if any, dies
// with it.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	transport := c.transport
	c.transport = nil
	c.mu.Unlock()
	if transport == nil {
		return nil
	}
	return transport.Close()
}

// Connected reports whether the underlying transport is live.
func (c *Client) Connected() bool {
	c.mu.RLock()
	transport := c.transport
	c.mu.RUnlock()
	return transport != nil && transport.Connected()
}

// ServerInfo returns the identity recorded during initialize.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Tools returns the cached tool definitions.
func (c *Client) Tools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Ping checks liveness with a bounded round trip.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingBudget)
	defer cancel()
	_, err := c.Call(ctx, "ping", nil)
	return err
}

// pingBudget bounds the health-check round trip.
const pingBudget = 2 * time.Second

// Call issues one request on the live transport.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.RLock()
	transport := c.transport
	c.mu.RUnlock()
	if transport == nil {
		return nil, ErrNotConnected
	}
	return c.call(ctx, transport, method, params)
}

func (c *Client) call(ctx context.Context, transport Transport, method string, params any) (json.RawMessage, error) {
	result, err := transport.Call(ctx, method, params)
	if c.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.RecordMCPRequest(c.cfg.Name, method, status)
	}
	return result, err
}

// CallTool invokes a remote tool and returns the raw result.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if arguments != nil {
		raw, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal arguments: %w", err)
		}
		params.Arguments = raw
	}

	result, err := c.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("mcp: parse tools/call result: %w", err)
	}
	return &callResult, nil
}

func (c *Client) refreshTools(ctx context.Context, transport Transport) error {
	result, err := c.call(ctx, transport, "tools/list", nil)
	if err != nil {
		return err
	}
	var list ListToolsResult
	if err := json.Unmarshal(result, &list); err != nil {
		return fmt.Errorf("mcp: parse tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = list.Tools
	c.mu.Unlock()
	c.logger.Debug("tool cache refreshed", "count", len(list.Tools))
	return nil
}

// watchEvents reacts to server notifications for the lifetime of one
// transport.
func (c *Client) watchEvents(transport Transport) {
	for {
		select {
		case <-c.stop:
			return
		case notif := <-transport.Events():
			if notif == nil {
				return
			}
			if notif.Method != "notifications/tools/list_changed" {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
			err := c.refreshTools(ctx, transport)
			cancel()
			if err != nil {
				c.logger.Warn("tool cache refresh failed", "error", err)
				continue
			}
			if c.onToolsChanged != nil {
				c.onToolsChanged()
			}
		}
	}
}

// StructuredResult flattens a tool call result into the map shape the
// runtime hands back to the model. Text content that parses as a JSON
// object becomes structured fields; anything else is carried as a
// message. An empty content array is a bare success.
func StructuredResult(result *ToolCallResult) map[string]any {
	if result == nil || len(result.Content) == 0 {
		if result != nil && result.IsError {
			return map[string]any{"success": false, "error": ""}
		}
		return map[string]any{"success": true, "message": ""}
	}

	var texts []string
	allText := true
	for _, item := range result.Content {
		if item.Type != "text" {
			allText = false
			break
		}
		texts = append(texts, item.Text)
	}

	if !allText {
		raw, err := json.Marshal(result.Content)
		if err != nil {
			return map[string]any{"success": !result.IsError, "message": ""}
		}
		out := map[string]any{"content": json.RawMessage(raw)}
		return withSuccess(out, result.IsError, "")
	}

	text := strings.Join(texts, "\n")
	if result.IsError {
		return map[string]any{"success": false, "error": text}
	}

	var structured map[string]any
	if err := json.Unmarshal([]byte(text), &structured); err == nil && structured != nil {
		// A tool that reports its own success verdict keeps it.
		if _, ok := structured["success"]; !ok {
			structured["success"] = true
		}
		return structured
	}
	return map[string]any{"success": true, "message": text}
}

func withSuccess(out map[string]any, isError bool, errText string) map[string]any {
	if isError {
		out["success"] = false
		out["error"] = errText
	} else {
		out["success"] = true
	}
	return out
}
