package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
)

// ErrNotConnected is returned when a request is attempted on a transport
// that is not connected.
var ErrNotConnected = errors.New("mcp: not connected")

// Transport carries JSON-RPC frames to and from one MCP server.
type Transport interface {
	// Connect establishes the connection.
	Connect(ctx context.Context) error

	// Close tears the connection down. Pending calls fail.
	Close() error

	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification. No response is expected.
	Notify(ctx context.Context, method string, params any) error

	// Events returns the stream of server-initiated notifications.
	Events() <-chan *JSONRPCNotification

	// Connected reports whether the transport is currently usable.
	Connected() bool
}

// NewTransport builds the transport selected by the server config.
func NewTransport(cfg config.MCPServerConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport {
	case "stdio":
		return newStdioTransport(cfg, logger), nil
	case "websocket":
		return newWSTransport(cfg, logger), nil
	case "sse":
		return newSSETransport(cfg, logger), nil
	default:
		return nil, fmt.Errorf("mcp: unknown transport %q", cfg.Transport)
	}
}

// ServerError is a JSON-RPC error returned by the server. It is an
// application-level failure, so the reconnecting client does not retry
// it.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("mcp: server error %d: %s", e.Code, e.Message)
}

// rpcError converts a wire error into a Go error.
func rpcError(e *JSONRPCError) error {
	return &ServerError{Code: e.Code, Message: e.Message}
}

// marshalRequest builds the wire bytes for one request.
func marshalRequest(id int64, method string, params any) ([]byte, error) {
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal params: %w", err)
		}
		req.Params = raw
	}
	return json.Marshal(req)
}

// marshalNotification builds the wire bytes for one notification.
func marshalNotification(method string, params any) ([]byte, error) {
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal params: %w", err)
		}
		notif.Params = raw
	}
	return json.Marshal(notif)
}

// pendingCalls demultiplexes responses back to waiting callers by id.
type pendingCalls struct {
	mu sync.Mutex
	m  map[int64]chan *JSONRPCResponse
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{m: map[int64]chan *JSONRPCResponse{}}
}

func (p *pendingCalls) add(id int64) chan *JSONRPCResponse {
	ch := make(chan *JSONRPCResponse, 1)
	p.mu.Lock()
	p.m[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingCalls) drop(id int64) {
	p.mu.Lock()
	delete(p.m, id)
	p.mu.Unlock()
}

// resolve routes a response to its waiter. Unknown and non-numeric ids
// are ignored; servers echo back the integer ids we issue.
func (p *pendingCalls) resolve(resp *JSONRPCResponse) {
	id, ok := numericID(resp.ID)
	if !ok {
		return
	}
	p.mu.Lock()
	ch, found := p.m[id]
	if found {
		delete(p.m, id)
	}
	p.mu.Unlock()
	if found {
		ch <- resp
	}
}

// failAll answers every pending call with an internal error. Used when
// the connection drops so callers do not sit out their full timeout.
func (p *pendingCalls) failAll(message string) {
	p.mu.Lock()
	waiting := p.m
	p.m = map[int64]chan *JSONRPCResponse{}
	p.mu.Unlock()
	for id, ch := range waiting {
		ch <- &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &JSONRPCError{Code: ErrCodeInternalError, Message: message},
		}
	}
}

func numericID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
