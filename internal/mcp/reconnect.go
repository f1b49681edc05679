package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

const (
	// maxRetries bounds retry attempts after the initial failure.
	maxRetries = 3
	// retryBase is the first backoff delay; it doubles per retry.
	retryBase = time.Second
)

// ReconnectingClient wraps a Client with retry-on-transient-failure.
// Server errors pass through untouched; transport failures trigger a
// reconnect and a retry with exponential backoff (1s, 2s, 4s).
type ReconnectingClient struct {
	client    *Client
	logger    *slog.Logger
	baseDelay time.Duration
}

// NewReconnectingClient wraps an existing client.
func NewReconnectingClient(client *Client, logger *slog.Logger) *ReconnectingClient {
	return &ReconnectingClient{
		client:    client,
		logger:    logger.With("mcp_server", client.Name()),
		baseDelay: retryBase,
	}
}

// Client returns the wrapped client.
func (rc *ReconnectingClient) Client() *Client { return rc.client }

// Name returns the configured server name.
func (rc *ReconnectingClient) Name() string { return rc.client.Name() }

// Tools returns the wrapped client's cached tool definitions.
func (rc *ReconnectingClient) Tools() []*Tool { return rc.client.Tools() }

// Connected reports transport liveness.
func (rc *ReconnectingClient) Connected() bool { return rc.client.Connected() }

// Close closes the wrapped client.
func (rc *ReconnectingClient) Close() error { return rc.client.Close() }

// Call issues a request, retrying transient failures.
func (rc *ReconnectingClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var result json.RawMessage
	err := rc.retry(ctx, func() error {
		var callErr error
		result, callErr = rc.client.Call(ctx, method, params)
		return callErr
	})
	return result, err
}

// CallTool invokes a remote tool, retrying transient failures.
func (rc *ReconnectingClient) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	var result *ToolCallResult
	err := rc.retry(ctx, func() error {
		var callErr error
		result, callErr = rc.client.CallTool(ctx, name, arguments)
		return callErr
	})
	return result, err
}

func (rc *ReconnectingClient) retry(ctx context.Context, fn func() error) error {
	delay := rc.baseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt >= maxRetries {
			return err
		}

		rc.logger.Warn("request failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
		delay *= 2

		if !rc.client.Connected() {
			if err := rc.client.Reconnect(ctx); err != nil {
				rc.logger.Warn("reconnect failed", "attempt", attempt+1, "error", err)
			}
		}
	}
}

// isTransient reports whether a failure is worth retrying. Server errors
// and caller cancellation are final.
func isTransient(err error) bool {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
