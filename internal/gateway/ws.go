package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DeanoC/AIWhisperer-sub000/internal/mcp"
	"github.com/DeanoC/AIWhisperer-sub000/internal/session"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// JSON-RPC 2.0 error codes, plus -32000 for application failures.
const (
	errCodeParse          = -32700
	errCodeInvalidRequest = -32600
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternal       = -32603
	errCodeApplication    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// wsConn is one client connection. The write loop owns the socket;
// everything else enqueues onto send. It doubles as the session.Sink for
// every session started on it.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newWSConn(s *Server, conn *websocket.Conn) *wsConn {
	return &wsConn{
		server:   s,
		conn:     conn,
		logger:   s.logger,
		send:     make(chan []byte, wsSendBuffer),
		done:     make(chan struct{}),
		sessions: map[string]*session.Session{},
	}
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

// close tears the connection down once: the write loop stops, sinks
// detach, and sessions started here are destroyed in the background.
func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()

		c.mu.Lock()
		owned := c.sessions
		c.sessions = map[string]*session.Session{}
		c.mu.Unlock()

		for id, s := range owned {
			s.DetachSink()
			go func(id string) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := c.server.manager.Destroy(ctx, id); err != nil {
					c.logger.Warn("session teardown failed", "session_id", id, "error", err)
				}
			}(id)
		}
	})
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.replyError(nil, errCodeParse, "parse error")
			continue
		}
		if req.Method == "" {
			c.replyError(req.ID, errCodeInvalidRequest, "method is required")
			continue
		}
		c.dispatch(&req)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// enqueue queues one outbound frame. A full buffer means the client is
// too slow; the frame is dropped and counted rather than blocking a
// session goroutine.
func (c *wsConn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		if c.server.metrics != nil {
			c.server.metrics.DroppedFrames.Inc()
		}
		return false
	}
}

func (c *wsConn) reply(id json.RawMessage, result any) {
	if len(id) == 0 {
		return
	}
	data, err := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
	if err != nil {
		c.logger.Error("response marshal failed", "error", err)
		return
	}
	c.enqueue(data)
}

func (c *wsConn) replyError(id json.RawMessage, code int, message string) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	data, err := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
	if err != nil {
		return
	}
	c.enqueue(data)
}

// hasID reports whether the request carries a usable id. Requests
// without one are notifications: session.sendUserMessage is still
// processed (the turn runs, nothing is acked), everything else is
// dropped.
func hasID(id json.RawMessage) bool {
	return len(id) > 0 && string(id) != "null"
}

func (c *wsConn) dispatch(req *rpcRequest) {
	if !hasID(req.ID) && req.Method != "session.sendUserMessage" {
		c.logger.Debug("dropping id-less request", "method", req.Method)
		return
	}

	result, rpcErr := c.handle(req)
	if !hasID(req.ID) {
		return
	}
	if rpcErr != nil {
		c.replyError(req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	c.reply(req.ID, result)
}

func (c *wsConn) handle(req *rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "session.start":
		return c.handleSessionStart(req.Params)
	case "session.sendUserMessage":
		return c.handleSendUserMessage(req.Params)
	case "session.switchAgent":
		return c.handleSwitchAgent(req.Params)
	case "session.cancel":
		return c.handleCancel(req.Params)
	case "mcp.start":
		return c.handleMCPStart(req.Params)
	case "mcp.stop":
		return c.handleMCPStop(req.Params)
	case "mcp.status":
		return c.handleMCPStatus()
	case "monitoring.health":
		return c.server.healthSnapshot(), nil
	case "monitoring.metrics":
		return c.handleMetrics()
	default:
		return nil, &rpcError{Code: errCodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

type sessionStartParams struct {
	// UserID is accepted for client compatibility; sessions are not
	// partitioned by user.
	UserID string `json:"userId,omitempty"`
	Agent  string `json:"agent,omitempty"`
}

func (c *wsConn) handleSessionStart(raw json.RawMessage) (any, *rpcError) {
	var params sessionStartParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &rpcError{Code: errCodeInvalidParams, Message: err.Error()}
		}
	}

	s, err := c.server.manager.Create(context.Background())
	if err != nil {
		return nil, &rpcError{Code: errCodeInternal, Message: err.Error()}
	}
	if params.Agent != "" {
		if _, err := s.SwitchAgent(params.Agent); err != nil {
			c.server.manager.Destroy(context.Background(), s.ID())
			return nil, &rpcError{Code: errCodeApplication, Message: err.Error()}
		}
	}

	s.AttachSink(c)
	c.mu.Lock()
	c.sessions[s.ID()] = s
	c.mu.Unlock()

	return map[string]any{"sessionId": s.ID(), "agentId": s.ActiveAgentID()}, nil
}

type sendUserMessageParams struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

func (c *wsConn) handleSendUserMessage(raw json.RawMessage) (any, *rpcError) {
	var params sendUserMessageParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: err.Error()}
	}
	if strings.TrimSpace(params.Text) == "" {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: "text is required"}
	}

	s, ok := c.server.manager.Get(params.SessionID)
	if !ok {
		return nil, &rpcError{Code: errCodeApplication, Message: fmt.Sprintf("unknown session %q", params.SessionID)}
	}
	if err := s.SendUserMessage(params.Text); err != nil {
		return nil, &rpcError{Code: errCodeApplication, Message: err.Error()}
	}
	return map[string]any{"status": "accepted"}, nil
}

type switchAgentParams struct {
	SessionID string `json:"sessionId"`
	Agent     string `json:"agent"`
}

func (c *wsConn) handleSwitchAgent(raw json.RawMessage) (any, *rpcError) {
	var params switchAgentParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: err.Error()}
	}

	s, ok := c.server.manager.Get(params.SessionID)
	if !ok {
		return nil, &rpcError{Code: errCodeApplication, Message: fmt.Sprintf("unknown session %q", params.SessionID)}
	}
	id, err := s.SwitchAgent(params.Agent)
	if err != nil {
		return nil, &rpcError{Code: errCodeApplication, Message: err.Error()}
	}
	return map[string]any{"agentId": id}, nil
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

func (c *wsConn) handleCancel(raw json.RawMessage) (any, *rpcError) {
	var params cancelParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: err.Error()}
	}

	s, ok := c.server.manager.Get(params.SessionID)
	if !ok {
		return nil, &rpcError{Code: errCodeApplication, Message: fmt.Sprintf("unknown session %q", params.SessionID)}
	}
	s.Cancel()
	return map[string]any{"status": "cancelled"}, nil
}

type mcpServerParams struct {
	Server string `json:"server"`
}

func (c *wsConn) handleMCPStart(raw json.RawMessage) (any, *rpcError) {
	if c.server.mcp == nil {
		return nil, &rpcError{Code: errCodeApplication, Message: "mcp is not configured"}
	}
	var params mcpServerParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: err.Error()}
	}
	cfg, ok := c.server.mcp.serverConfig(params.Server)
	if !ok {
		return nil, &rpcError{Code: errCodeApplication, Message: fmt.Sprintf("unknown mcp server %q", params.Server)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := c.server.mcp.Pool.Get(ctx, cfg)
	if err != nil {
		return nil, &rpcError{Code: errCodeApplication, Message: err.Error()}
	}
	registered := c.server.mcp.Bridge.RegisterServer(mcp.NewReconnectingClient(client, c.logger))
	return map[string]any{"server": params.Server, "tools": registered}, nil
}

func (c *wsConn) handleMCPStop(raw json.RawMessage) (any, *rpcError) {
	if c.server.mcp == nil {
		return nil, &rpcError{Code: errCodeApplication, Message: "mcp is not configured"}
	}
	var params mcpServerParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpcError{Code: errCodeInvalidParams, Message: err.Error()}
	}

	removed := c.server.mcp.Bridge.UnregisterServer(params.Server)
	if err := c.server.mcp.Pool.Remove(params.Server); err != nil {
		return nil, &rpcError{Code: errCodeApplication, Message: err.Error()}
	}
	return map[string]any{"server": params.Server, "removedTools": removed}, nil
}

func (c *wsConn) handleMCPStatus() (any, *rpcError) {
	if c.server.mcp == nil {
		return nil, &rpcError{Code: errCodeApplication, Message: "mcp is not configured"}
	}
	servers := []map[string]any{}
	for _, client := range c.server.mcp.Pool.Clients() {
		servers = append(servers, map[string]any{
			"name":      client.Name(),
			"transport": client.Config().Transport,
			"connected": client.Connected(),
			"tools":     len(client.Tools()),
		})
	}
	return map[string]any{"servers": servers}, nil
}

func (c *wsConn) handleMetrics() (any, *rpcError) {
	snapshot, err := c.server.metricsSnapshot()
	if err != nil {
		return nil, &rpcError{Code: errCodeApplication, Message: err.Error()}
	}
	return snapshot, nil
}

// Send implements session.Sink: session events become JSON-RPC
// notifications. Event types with no client-facing notification are
// accepted and discarded.
func (c *wsConn) Send(ev models.SessionEvent) bool {
	method, params := notificationFor(ev)
	if method == "" {
		return true
	}
	data, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		c.logger.Error("notification marshal failed", "type", ev.Type, "error", err)
		return false
	}
	return c.enqueue(data)
}

type deltaNotification struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId,omitempty"`
	Seq       uint64 `json:"seq"`
	Text      string `json:"text,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

type toolCallNotification struct {
	SessionID string          `json:"sessionId"`
	AgentID   string          `json:"agentId,omitempty"`
	CallID    string          `json:"callId"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type toolResultNotification struct {
	SessionID  string          `json:"sessionId"`
	AgentID    string          `json:"agentId,omitempty"`
	CallID     string          `json:"callId"`
	Name       string          `json:"name"`
	Result     json.RawMessage `json:"result,omitempty"`
	Success    bool            `json:"success"`
	DurationMs int64           `json:"durationMs,omitempty"`
}

type completeNotification struct {
	SessionID string        `json:"sessionId"`
	AgentID   string        `json:"agentId,omitempty"`
	Text      string        `json:"text,omitempty"`
	Reasoning string        `json:"reasoning,omitempty"`
	Usage     *models.Usage `json:"usage,omitempty"`
	Depth     int           `json:"depth,omitempty"`
}

type switchedNotification struct {
	SessionID string `json:"sessionId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

type alertNotification struct {
	SessionID string         `json:"sessionId"`
	AgentID   string         `json:"agentId,omitempty"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

type errorNotification struct {
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
}

func notificationFor(ev models.SessionEvent) (string, any) {
	switch ev.Type {
	case models.EventAssistantDelta:
		n := deltaNotification{SessionID: ev.SessionID, AgentID: ev.AgentID, Seq: ev.Seq}
		if ev.Delta != nil {
			n.Text = ev.Delta.Text
			n.Reasoning = ev.Delta.Reasoning
		}
		return "assistant.delta", n
	case models.EventToolInvoked:
		n := toolCallNotification{SessionID: ev.SessionID, AgentID: ev.AgentID}
		if ev.Tool != nil {
			n.CallID = ev.Tool.CallID
			n.Name = ev.Tool.Name
			n.Arguments = json.RawMessage(ev.Tool.ArgsJSON)
		}
		return "assistant.toolCall", n
	case models.EventToolCompleted:
		n := toolResultNotification{SessionID: ev.SessionID, AgentID: ev.AgentID}
		if ev.Tool != nil {
			n.CallID = ev.Tool.CallID
			n.Name = ev.Tool.Name
			n.Result = json.RawMessage(ev.Tool.ResultJSON)
			n.Success = ev.Tool.Success
			n.DurationMs = ev.Tool.DurationMs
		}
		return "assistant.toolResult", n
	case models.EventMessageComplete:
		n := completeNotification{SessionID: ev.SessionID, AgentID: ev.AgentID}
		if ev.Done != nil {
			n.Text = ev.Done.Text
			n.Reasoning = ev.Done.Reasoning
			n.Usage = ev.Done.Usage
			n.Depth = ev.Done.Depth
		}
		return "assistant.complete", n
	case models.EventAgentSwitched:
		n := switchedNotification{SessionID: ev.SessionID}
		if ev.Switch != nil {
			n.From = ev.Switch.From
			n.To = ev.Switch.To
			n.Reason = ev.Switch.Reason
		}
		return "agent.switched", n
	case models.EventObserverAlert, models.EventObserverIntervention:
		n := alertNotification{SessionID: ev.SessionID, AgentID: ev.AgentID}
		if ev.Alert != nil {
			n.Kind = ev.Alert.Kind
			n.Message = ev.Alert.Message
			n.Details = ev.Alert.Details
		}
		return "observer.alert", n
	case models.EventSessionError:
		n := errorNotification{SessionID: ev.SessionID}
		if ev.Error != nil {
			n.Kind = ev.Error.Kind
			n.Message = ev.Error.Message
		}
		return "session.error", n
	default:
		return "", nil
	}
}
