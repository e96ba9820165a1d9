package driven

import (
	"context"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
)

// SessionCache is the client-side mirror of a connection's public fields.
// It holds no secrets and may be discarded and rebuilt from the
// authoritative store at any time.
//
// Writes are ordered by entry revision: an implementation must drop a write
// whose revision is not greater than the stored one, so a slow stale check
// cannot overwrite a newer result.
type SessionCache interface {
	// Put stores an entry. Returns false if the write was dropped as stale.
	Put(ctx context.Context, entry *domain.SessionCacheEntry) (bool, error)

	// Get retrieves the entry for a connection.
	// Returns domain.ErrNotFound if none is cached.
	Get(ctx context.Context, connectionID string) (*domain.SessionCacheEntry, error)

	// Clear removes the entry for a connection. Clearing an absent entry
	// is not an error.
	Clear(ctx context.Context, connectionID string) error
}
