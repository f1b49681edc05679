package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
)

// connectionIDHeader correlates the POST request channel with the GET
// event stream on the server side.
const connectionIDHeader = "X-Connection-ID"

// sseRetryDelay spaces out event stream reconnect attempts.
const sseRetryDelay = 5 * time.Second

// sseTransport POSTs requests to an HTTP endpoint and reads responses
// and notifications off a server-sent event stream. Both sides carry the
// same connection id so the server can route responses back.
type sseTransport struct {
	cfg    config.MCPServerConfig
	logger *slog.Logger
	client *http.Client
	connID string

	pending *pendingCalls
	events  chan *JSONRPCNotification
	nextID  atomic.Int64

	connected atomic.Bool
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func newSSETransport(cfg config.MCPServerConfig, logger *slog.Logger) *sseTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &sseTransport{
		cfg:     cfg,
		logger:  logger.With("mcp_server", cfg.Name, "transport", "sse"),
		client:  &http.Client{Timeout: timeout},
		connID:  uuid.NewString(),
		pending: newPendingCalls(),
		events:  make(chan *JSONRPCNotification, 100),
		stop:    make(chan struct{}),
	}
}

func (t *sseTransport) Connect(ctx context.Context) error {
	if t.cfg.URL == "" {
		return fmt.Errorf("mcp: sse transport requires a url")
	}
	t.connected.Store(true)
	t.wg.Add(1)
	go t.streamLoop()
	t.logger.Info("sse transport ready", "url", t.cfg.URL)
	return nil
}

func (t *sseTransport) Close() error {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.connected.Store(false)
		t.wg.Wait()
		t.pending.failAll("transport closed")
	})
	return nil
}

func (t *sseTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
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

	if err := t.post(ctx, data); err != nil {
		return nil, err
	}

	timeout := t.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
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
		return nil, fmt.Errorf("mcp: %s timed out after %v", method, timeout)
	case <-t.stop:
		return nil, ErrNotConnected
	}
}

func (t *sseTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	data, err := marshalNotification(method, params)
	if err != nil {
		return err
	}
	return t.post(ctx, data)
}

func (t *sseTransport) Events() <-chan *JSONRPCNotification { return t.events }

func (t *sseTransport) Connected() bool { return t.connected.Load() }

// post delivers one frame to the request endpoint. Some servers answer
// the POST with the JSON-RPC response directly instead of the stream, so
// a JSON body is dispatched like a stream frame.
func (t *sseTransport) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("mcp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(connectionIDHeader, t.connID)
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("mcp: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("mcp: post: HTTP %d", resp.StatusCode)
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var body JSONRPCResponse
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.ID != nil {
			t.pending.resolve(&body)
		}
	}
	return nil
}

// streamLoop keeps the GET event stream open, reconnecting after a
// fixed delay until the transport closes.
func (t *sseTransport) streamLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		t.readStream()

		select {
		case <-t.stop:
			return
		case <-time.After(sseRetryDelay):
		}
	}
}

func (t *sseTransport) readStream() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-t.stop
		cancel()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		t.logger.Warn("sse request build failed", "error", err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set(connectionIDHeader, t.connID)
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	// The stream outlives the per-request timeout, so use a bare client.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		t.logger.Warn("sse connect failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Warn("sse stream rejected", "status", resp.StatusCode)
		return
	}
	t.logger.Debug("sse stream connected", "url", t.cfg.URL)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, stdioMaxLine), stdioMaxLine)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		t.dispatch([]byte(strings.TrimPrefix(line, "data: ")))
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		t.logger.Warn("sse stream read failed", "error", err)
	}
}

// dispatch routes one frame: frames with an id are responses, frames
// with a method and no id are notifications.
func (t *sseTransport) dispatch(data []byte) {
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
