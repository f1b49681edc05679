package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
)

const (
	// heartbeatInterval is how often the client pings the server.
	heartbeatInterval = 30 * time.Second
	// heartbeatTimeout is how long a silent connection is tolerated.
	heartbeatTimeout = 60 * time.Second
	// wsRequestTimeout bounds one request/response round trip.
	wsRequestTimeout = 300 * time.Second
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second
	// wsReconnectCap bounds the redial backoff.
	wsReconnectCap = 30 * time.Second
)

// wsTransport speaks JSON-RPC over a WebSocket with a ping/pong
// heartbeat and an automatic redial loop.
type wsTransport struct {
	cfg    config.MCPServerConfig
	logger *slog.Logger

	pending *pendingCalls
	events  chan *JSONRPCNotification
	nextID  atomic.Int64

	connMu sync.Mutex
	conn   *websocket.Conn

	connected atomic.Bool
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func newWSTransport(cfg config.MCPServerConfig, logger *slog.Logger) *wsTransport {
	return &wsTransport{
		cfg:     cfg,
		logger:  logger.With("mcp_server", cfg.Name, "transport", "websocket"),
		pending: newPendingCalls(),
		events:  make(chan *JSONRPCNotification, 100),
		stop:    make(chan struct{}),
	}
}

func (t *wsTransport) Connect(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.setConn(conn)
	t.connected.Store(true)
	t.logger.Info("websocket connected", "url", t.cfg.URL)

	t.wg.Add(1)
	go t.run(conn)
	return nil
}

func (t *wsTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range t.cfg.Headers {
		header.Set(k, v)
	}
	dialer := websocket.Dialer{HandshakeTimeout: wsWriteWait}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("mcp: dial %s: %w", t.cfg.URL, err)
	}
	return conn, nil
}

func (t *wsTransport) Close() error {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.connected.Store(false)

		t.connMu.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.connMu.Unlock()

		t.wg.Wait()
		t.pending.failAll("transport closed")
	})
	return nil
}

func (t *wsTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)
	data, err := marshalRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := t.pending.add(id)
	defer t.pending.drop(id)

	if err := t.writeFrame(data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(wsRequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, rpcError(resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("mcp: %s timed out after %v", method, wsRequestTimeout)
	case <-t.stop:
		return nil, ErrNotConnected
	}
}

func (t *wsTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	data, err := marshalNotification(method, params)
	if err != nil {
		return err
	}
	return t.writeFrame(data)
}

func (t *wsTransport) Events() <-chan *JSONRPCNotification { return t.events }

func (t *wsTransport) Connected() bool { return t.connected.Load() }

func (t *wsTransport) setConn(conn *websocket.Conn) {
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
}

func (t *wsTransport) writeFrame(data []byte) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("mcp: write frame: %w", err)
	}
	return nil
}

// run serves one connection at a time and redials with backoff when it
// drops. It exits only when the transport is closed.
func (t *wsTransport) run(conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		t.serve(conn)

		select {
		case <-t.stop:
			return
		default:
		}

		t.connected.Store(false)
		t.pending.failAll("websocket connection lost")
		t.logger.Warn("websocket disconnected, reconnecting", "url", t.cfg.URL)

		next, ok := t.redial()
		if !ok {
			return
		}
		conn = next
		t.setConn(conn)
		t.connected.Store(true)
		t.logger.Info("websocket reconnected", "url", t.cfg.URL)
	}
}

func (t *wsTransport) redial() (*websocket.Conn, bool) {
	delay := time.Second
	for {
		select {
		case <-t.stop:
			return nil, false
		case <-time.After(delay):
		}
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
		conn, err := t.dial(ctx)
		cancel()
		if err == nil {
			return conn, true
		}
		t.logger.Warn("redial failed", "error", err, "retry_in", delay)
		if delay *= 2; delay > wsReconnectCap {
			delay = wsReconnectCap
		}
	}
}

// serve pumps frames off one connection until it fails or the transport
// closes. The heartbeat runs alongside and kills the connection when the
// server goes silent past heartbeatTimeout.
func (t *wsTransport) serve(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	})

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.connMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				t.connMu.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			case <-done:
				return
			case <-t.stop:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stop:
			default:
				t.logger.Warn("websocket read failed", "error", err)
			}
			conn.Close()
			return
		}
		t.dispatch(data)
	}
}

func (t *wsTransport) dispatch(data []byte) {
	var resp JSONRPCResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.ID != nil {
		t.pending.resolve(&resp)
		return
	}
	var notif JSONRPCNotification
	if err := json.Unmarshal(data, &notif); err == nil && notif.Method != "" {
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping", "method", notif.Method)
		}
	}
}
