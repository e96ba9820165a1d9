package driven

import (
	"context"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
)

// ConnectionStore persists the non-secret fields of BrokerConnection rows.
// Secret material is kept separately by the Vault.
type ConnectionStore interface {
	// Save inserts or updates a connection row.
	Save(ctx context.Context, conn *domain.BrokerConnection) error

	// Get retrieves a connection by id, without secrets.
	// Returns domain.ErrNotFound if no row exists.
	Get(ctx context.Context, id string) (*domain.BrokerConnection, error)

	// List returns safe summaries of all connections.
	List(ctx context.Context) ([]*domain.ConnectionSummary, error)

	// Delete removes a connection row.
	// Returns domain.ErrNotFound if no row exists.
	Delete(ctx context.Context, id string) error
}
