// Package pool shares stateless upstream connectors across sessions.
package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mcpbundler/mcpbundler-go/internal/upstream"
)

type key struct {
	namespace string
	url       string
}

// Pool is a thread-safe (namespace, url) -> connector map. Only stateless
// connectors belong here; membership survives session close and connectors
// are shut down at process exit.
type Pool struct {
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[key]upstream.Connector
	members map[upstream.Connector]struct{}
}

// New creates an empty pool.
func New(logger *zap.Logger) *Pool {
	return &Pool{
		logger:  logger,
		entries: make(map[key]upstream.Connector),
		members: make(map[upstream.Connector]struct{}),
	}
}

// Get returns the pooled connector for (namespace, url), if any.
func (p *Pool) Get(namespace, url string) (upstream.Connector, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.entries[key{namespace, url}]
	return c, ok
}

// Has reports whether a connector is pooled under (namespace, url).
func (p *Pool) Has(namespace, url string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[key{namespace, url}]
	return ok
}

// Set stores a stateless connector. Non-stateless connectors are rejected
// silently; sessions own those exclusively.
func (p *Pool) Set(c upstream.Connector) {
	if !c.Stateless() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[key{c.Namespace(), c.URL()}] = c
	p.members[c] = struct{}{}
}

// IsPooled reports whether this exact connector instance is pool-owned.
// Filtering wrappers are unwrapped by the caller.
func (p *Pool) IsPooled(c upstream.Connector) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.members[c]
	return ok
}

// Size returns the number of pooled connectors.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Shutdown closes every pooled connector. Called once at process exit.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[key]upstream.Connector)
	p.members = make(map[upstream.Connector]struct{})
	p.mu.Unlock()

	for k, c := range entries {
		if err := c.Close(ctx); err != nil {
			p.logger.Debug("Pooled connector close failed",
				zap.String("namespace", k.namespace),
				zap.Error(err))
		}
	}
}
