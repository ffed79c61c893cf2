package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Pool holds the MCP client connections keyed by server name. Concurrent
// connects for the same server share one attempt.
type Pool struct {
	clients sync.Map // map[string]*Client
	group   singleflight.Group
	mu      sync.Mutex // for Close()
}

// NewPool creates an empty connection pool.
func NewPool() *Pool {
	return &Pool{}
}

// Connect returns the client for config.Name, connecting it first if the
// pool has none yet.
func (p *Pool) Connect(ctx context.Context, config ServerConfig) (*Client, error) {
	return p.connect(ctx, config.Name, func() *Client { return NewClient(config) })
}

// Add connects client and stores it under its name. It is used for
// servers that are reached over a prepared transport.
func (p *Pool) Add(ctx context.Context, client *Client) error {
	_, err := p.connect(ctx, client.Name(), func() *Client { return client })
	return err
}

func (p *Pool) connect(ctx context.Context, name string, build func() *Client) (*Client, error) {
	if c, ok := p.clients.Load(name); ok {
		return c.(*Client), nil
	}

	result, err, _ := p.group.Do(name, func() (interface{}, error) {
		if c, ok := p.clients.Load(name); ok {
			return c.(*Client), nil
		}

		client := build()
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("pool connect %s: %w", name, err)
		}

		p.clients.Store(name, client)
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Client), nil
}

// ConnectAll connects every configured server. A server that fails to
// connect is logged and skipped; the joined errors are returned so the
// caller can decide whether that is fatal.
func (p *Pool) ConnectAll(ctx context.Context, configs []ServerConfig, logger *slog.Logger) error {
	var errs []error
	for _, cfg := range configs {
		if _, err := p.Connect(ctx, cfg); err != nil {
			logger.Warn("mcp server unavailable", "server", cfg.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		logger.Info("mcp server connected", "server", cfg.Name, "transport", cfg.Transport)
	}
	return errors.Join(errs...)
}

// Get returns an existing client by server name, or an error if not connected.
func (p *Pool) Get(name string) (*Client, error) {
	c, ok := p.clients.Load(name)
	if !ok {
		return nil, fmt.Errorf("mcp server %q not connected", name)
	}
	return c.(*Client), nil
}

// All returns all connected clients ordered by name.
func (p *Pool) All() []*Client {
	var clients []*Client
	p.clients.Range(func(_, value interface{}) bool {
		clients = append(clients, value.(*Client))
		return true
	})
	sort.Slice(clients, func(i, j int) bool { return clients[i].Name() < clients[j].Name() })
	return clients
}

// Close closes all connections in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	p.clients.Range(func(key, value interface{}) bool {
		name := key.(string)
		c := value.(*Client)
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		p.clients.Delete(key)
		return true
	})
	return errors.Join(errs...)
}
