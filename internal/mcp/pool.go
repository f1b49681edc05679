package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
)

// Pool caches one live client per distinct server endpoint. Get health
// checks before handing a client out; a failed check triggers a
// reconnect. The pool owns the subprocesses its stdio clients spawn and
// terminates them in CloseAll.
type Pool struct {
	logger *slog.Logger
	opts   []ClientOption

	mu      sync.Mutex
	clients map[string]*Client
	byName  map[string]*Client
}

// NewPool creates an empty pool. Options are applied to every client it
// constructs.
func NewPool(logger *slog.Logger, opts ...ClientOption) *Pool {
	return &Pool{
		logger:  logger.With("component", "mcp_pool"),
		opts:    opts,
		clients: map[string]*Client{},
		byName:  map[string]*Client{},
	}
}

// poolKey identifies a connection: same transport, endpoint, and command
// line mean the same server.
func poolKey(cfg config.MCPServerConfig) string {
	parts := []string{cfg.Transport, cfg.URL, cfg.Command}
	parts = append(parts, cfg.Args...)
	return strings.Join(parts, "\x00")
}

// Get returns a healthy client for the config, connecting or
// reconnecting as needed.
func (p *Pool) Get(ctx context.Context, cfg config.MCPServerConfig) (*Client, error) {
	key := poolKey(cfg)

	p.mu.Lock()
	client, ok := p.clients[key]
	p.mu.Unlock()

	if ok {
		if err := client.Ping(ctx); err == nil {
			return client, nil
		}
		p.logger.Warn("health check failed, reconnecting", "server", cfg.Name)
		if err := client.Reconnect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}

	client = NewClient(cfg, p.logger, p.opts...)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, raced := p.clients[key]; raced {
		p.mu.Unlock()
		client.Close()
		return existing, nil
	}
	p.clients[key] = client
	p.byName[cfg.Name] = client
	p.mu.Unlock()
	return client, nil
}

// GetByName returns a pooled client by its configured server name.
func (p *Pool) GetByName(name string) (*Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	client, ok := p.byName[name]
	return client, ok
}

// Clients returns the pooled clients sorted by server name.
func (p *Pool) Clients() []*Client {
	p.mu.Lock()
	out := make([]*Client, 0, len(p.byName))
	for _, client := range p.byName {
		out = append(out, client)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Remove closes the named client and drops it from the pool. Tools the
// bridge registered for the server should be unregistered first.
func (p *Pool) Remove(name string) error {
	p.mu.Lock()
	client, ok := p.byName[name]
	if ok {
		delete(p.byName, name)
		for key, c := range p.clients {
			if c == client {
				delete(p.clients, key)
			}
		}
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("mcp: unknown server %q", name)
	}
	return client.Close()
}

// StartAll connects every auto-start server in parallel. The first
// failure cancels the remaining connection attempts.
func (p *Pool) StartAll(ctx context.Context, servers []config.MCPServerConfig) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, cfg := range servers {
		if !cfg.AutoStart {
			continue
		}
		g.Go(func() error {
			_, err := p.Get(ctx, cfg)
			return err
		})
	}
	return g.Wait()
}

// CloseAll closes every pooled client and its subprocess.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = map[string]*Client{}
	p.byName = map[string]*Client{}
	p.mu.Unlock()

	var firstErr error
	for _, client := range clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
