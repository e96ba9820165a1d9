package memory

import (
	"context"
	"sync"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.SessionCache = (*SessionCache)(nil)

// SessionCache is an in-process driven.SessionCache. It is the default for
// single-instance deployments and the fake the reconciler tests use.
type SessionCache struct {
	mu      sync.RWMutex
	entries map[string]*domain.SessionCacheEntry
}

// NewSessionCache creates an empty in-memory cache.
func NewSessionCache() *SessionCache {
	return &SessionCache{
		entries: make(map[string]*domain.SessionCacheEntry),
	}
}

// Put stores an entry unless a newer revision is already present.
func (c *SessionCache) Put(ctx context.Context, entry *domain.SessionCacheEntry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[entry.ConnectionID]; ok && entry.Revision <= existing.Revision {
		return false, nil
	}
	stored := *entry
	c.entries[entry.ConnectionID] = &stored
	return true, nil
}

// Get retrieves the entry for a connection.
func (c *SessionCache) Get(ctx context.Context, connectionID string) (*domain.SessionCacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[connectionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *entry
	return &copied, nil
}

// Clear removes the entry for a connection.
func (c *SessionCache) Clear(ctx context.Context, connectionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, connectionID)
	return nil
}
