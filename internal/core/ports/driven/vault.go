package driven

import (
	"context"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
)

// Vault stores broker secrets (api secret, access/refresh tokens) encrypted
// with an authenticated cipher whose key is held outside the data store.
//
// Every operation appends an audit record; audit writes are best-effort and
// never fail the primary operation.
type Vault interface {
	// Store writes the secret fields for a connection, replacing any
	// existing record.
	Store(ctx context.Context, connectionID string, secrets *domain.ConnectionSecrets) error

	// Retrieve returns the decrypted secret fields.
	// Returns domain.ErrNotFound if no record exists and
	// domain.ErrDecryptionFailed if the stored blob cannot be
	// authenticated (key rotation mismatch or tampering). Both are
	// terminal for the calling operation.
	Retrieve(ctx context.Context, connectionID string) (*domain.ConnectionSecrets, error)

	// Rotate replaces the secret fields for a connection.
	// Returns domain.ErrNotFound if no record exists.
	Rotate(ctx context.Context, connectionID string, secrets *domain.ConnectionSecrets) error

	// Erase removes the secret record. Erasing an absent record is not an
	// error; disconnect is idempotent.
	Erase(ctx context.Context, connectionID string) error
}

// AuditLog is an append-only trail of vault operations.
type AuditLog interface {
	// Append records one vault operation. Callers treat failures as
	// best-effort: log and continue.
	Append(ctx context.Context, record *domain.AuditRecord) error
}
