package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
)

// proxyRestartDelay is how long the proxy waits before respawning a
// dead child.
const proxyRestartDelay = 2 * time.Second

// childPollInterval is how often the supervisor checks child liveness.
const childPollInterval = 200 * time.Millisecond

// Proxy is a long-lived stdio MCP server that supervises a child MCP
// server. initialize and tools/list responses are cached and served
// while the child is down, so tool definitions stay visible across child
// restarts. The proxy supervises only the child; it never restarts the
// host side.
type Proxy struct {
	logger       *slog.Logger
	spawn        func(ctx context.Context) (Transport, error)
	restartDelay time.Duration

	out   io.Writer
	outMu sync.Mutex

	mu          sync.Mutex
	child       Transport
	initParams  json.RawMessage
	cachedInit  json.RawMessage
	cachedTools json.RawMessage
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

// withSpawner overrides child process creation. Tests inject fake
// transports through it.
func withSpawner(fn func(ctx context.Context) (Transport, error)) ProxyOption {
	return func(p *Proxy) { p.spawn = fn }
}

// withRestartDelay shortens the respawn delay in tests.
func withRestartDelay(d time.Duration) ProxyOption {
	return func(p *Proxy) { p.restartDelay = d }
}

// NewProxy builds a proxy that runs command as its child MCP server.
func NewProxy(command string, args []string, logger *slog.Logger, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		logger:       logger.With("component", "mcp_proxy"),
		restartDelay: proxyRestartDelay,
	}
	p.spawn = func(ctx context.Context) (Transport, error) {
		t := newStdioTransport(config.MCPServerConfig{
			Name:      "proxy_child",
			Transport: "stdio",
			Command:   command,
			Args:      args,
		}, logger)
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
		return t, nil
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run serves newline-delimited JSON-RPC on in/out until in reaches EOF
// or the context is cancelled. The child supervisor runs alongside.
func (p *Proxy) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	p.out = out

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.supervise(ctx)
	}()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, stdioMaxLine), stdioMaxLine)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		go p.handleFrame(ctx, line)
	}

	cancel()
	p.closeChild()
	wg.Wait()
	return scanner.Err()
}

// supervise keeps exactly one child alive. A dead child is replaced
// after restartDelay; the cache keeps serving in the gap.
func (p *Proxy) supervise(ctx context.Context) {
	for {
		child, err := p.spawn(ctx)
		if err != nil {
			p.logger.Warn("child spawn failed", "error", err)
		} else {
			p.adopt(ctx, child)
			p.waitForExit(ctx, child)
			p.logger.Warn("child exited", "restart_in", p.restartDelay)
			p.closeChild()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.restartDelay):
		}
	}
}

// adopt installs a fresh child, replays the cached handshake against
// it, and refreshes the tools cache.
func (p *Proxy) adopt(ctx context.Context, child Transport) {
	p.mu.Lock()
	p.child = child
	initParams := p.initParams
	p.mu.Unlock()

	go p.forwardEvents(child)

	if len(initParams) == 0 {
		return
	}
	result, err := child.Call(ctx, "initialize", initParams)
	if err != nil {
		p.logger.Warn("child initialize replay failed", "error", err)
		return
	}
	child.Notify(ctx, "notifications/initialized", nil)

	p.mu.Lock()
	p.cachedInit = result
	p.mu.Unlock()

	if tools, err := child.Call(ctx, "tools/list", nil); err == nil {
		p.mu.Lock()
		p.cachedTools = tools
		p.mu.Unlock()
	}
	p.logger.Info("child ready, cache refreshed")
}

func (p *Proxy) waitForExit(ctx context.Context, child Transport) {
	ticker := time.NewTicker(childPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !child.Connected() {
				return
			}
		}
	}
}

func (p *Proxy) closeChild() {
	p.mu.Lock()
	child := p.child
	p.child = nil
	p.mu.Unlock()
	if child != nil {
		child.Close()
	}
}

func (p *Proxy) liveChild() Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.child != nil && p.child.Connected() {
		return p.child
	}
	return nil
}

// forwardEvents relays child notifications to the host.
func (p *Proxy) forwardEvents(child Transport) {
	for notif := range child.Events() {
		p.writeFrame(notif)
	}
}

func (p *Proxy) handleFrame(ctx context.Context, line []byte) {
	var frame struct {
		ID     any             `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &frame); err != nil || frame.Method == "" {
		p.logger.Warn("unparseable frame from host", "bytes", len(line))
		return
	}

	if frame.ID == nil {
		p.handleNotification(ctx, frame.Method, frame.Params)
		return
	}

	switch frame.Method {
	case "initialize":
		p.handleCached(ctx, frame.ID, frame.Method, frame.Params, &p.cachedInit, true)
	case "tools/list":
		p.handleCached(ctx, frame.ID, frame.Method, frame.Params, &p.cachedTools, false)
	case "ping":
		// The proxy itself is alive even when the child is not.
		p.respond(frame.ID, json.RawMessage(`{}`), nil)
	default:
		p.forward(ctx, frame.ID, frame.Method, frame.Params)
	}
}

func (p *Proxy) handleNotification(ctx context.Context, method string, params json.RawMessage) {
	child := p.liveChild()
	if child == nil {
		return
	}
	var payload any
	if len(params) > 0 {
		payload = params
	}
	if err := child.Notify(ctx, method, payload); err != nil {
		p.logger.Warn("notification forward failed", "method", method, "error", err)
	}
}

// handleCached forwards a cacheable method when the child is up and
// serves the cache when it is down. rememberParams records the host's
// initialize params so the handshake can be replayed at respawn.
func (p *Proxy) handleCached(ctx context.Context, id any, method string, params json.RawMessage, cache *json.RawMessage, rememberParams bool) {
	if rememberParams {
		p.mu.Lock()
		p.initParams = params
		p.mu.Unlock()
	}

	if child := p.liveChild(); child != nil {
		var payload any
		if len(params) > 0 {
			payload = params
		}
		result, err := child.Call(ctx, method, payload)
		if err == nil {
			p.mu.Lock()
			*cache = result
			p.mu.Unlock()
			p.respond(id, result, nil)
			return
		}
		p.logger.Warn("child call failed, falling back to cache", "method", method, "error", err)
	}

	p.mu.Lock()
	cached := *cache
	p.mu.Unlock()
	if len(cached) > 0 {
		p.respond(id, cached, nil)
		return
	}
	p.respond(id, nil, &JSONRPCError{Code: ErrCodeServerUnavailable, Message: "server unavailable"})
}

func (p *Proxy) forward(ctx context.Context, id any, method string, params json.RawMessage) {
	child := p.liveChild()
	if child == nil {
		p.respond(id, nil, &JSONRPCError{Code: ErrCodeServerUnavailable, Message: "server unavailable"})
		return
	}

	var payload any
	if len(params) > 0 {
		payload = params
	}
	result, err := child.Call(ctx, method, payload)
	if err != nil {
		var serverErr *ServerError
		if errors.As(err, &serverErr) {
			p.respond(id, nil, &JSONRPCError{Code: serverErr.Code, Message: serverErr.Message})
			return
		}
		p.respond(id, nil, &JSONRPCError{Code: ErrCodeInternalError, Message: err.Error()})
		return
	}
	p.respond(id, result, nil)
}

func (p *Proxy) respond(id any, result json.RawMessage, rpcErr *JSONRPCError) {
	p.writeFrame(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr})
}

func (p *Proxy) writeFrame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("frame marshal failed", "error", err)
		return
	}
	p.outMu.Lock()
	defer p.outMu.Unlock()
	p.out.Write(append(data, '\n'))
}
