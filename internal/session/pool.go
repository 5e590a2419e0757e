// Package session provides storage backends for the shared data pool of an
// editing session: the latest known value of every field id across the
// session's documents.
package session

import (
	"context"
	"sync"

	"tradeflow/api/internal/fields"
)

// Pool is a session-scoped fieldId -> value store. Placeholder values are
// never stored.
type Pool interface {
	// Merge overwrites existing entries with values.
	Merge(ctx context.Context, values map[string]string) error
	Snapshot(ctx context.Context) (map[string]string, error)
	Reset(ctx context.Context) error
}

// Provider hands out the pool of a given editing session.
type Provider interface {
	Pool(sessionID string) Pool
}

func withoutPlaceholders(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for id, value := range values {
		if value == "" || fields.IsPlaceholder(id, value) {
			continue
		}
		out[id] = value
	}
	return out
}

// MemoryPool keeps the pool in process memory.
type MemoryPool struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryPool() *MemoryPool {
	return &MemoryPool{values: make(map[string]string)}
}

func (p *MemoryPool) Merge(_ context.Context, values map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, value := range withoutPlaceholders(values) {
		p.values[id] = value
	}
	return nil
}

func (p *MemoryPool) Snapshot(context.Context) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.values))
	for id, value := range p.values {
		out[id] = value
	}
	return out, nil
}

func (p *MemoryPool) Reset(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = make(map[string]string)
	return nil
}

// MemoryProvider keeps one MemoryPool per session id.
type MemoryProvider struct {
	mu    sync.Mutex
	pools map[string]*MemoryPool
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{pools: make(map[string]*MemoryPool)}
}

func (p *MemoryProvider) Pool(sessionID string) Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pool, ok := p.pools[sessionID]
	if !ok {
		pool = NewMemoryPool()
		p.pools[sessionID] = pool
	}
	return pool
}
