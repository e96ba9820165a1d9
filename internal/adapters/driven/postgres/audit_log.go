package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driven"
)

// Ensure AuditLog implements the interface.
var _ driven.AuditLog = (*AuditLog)(nil)

// AuditLog implements driven.AuditLog as an append-only PostgreSQL table.
type AuditLog struct {
	db *sql.DB
}

// NewAuditLog creates a new PostgreSQL-backed audit log.
func NewAuditLog(db *sql.DB) *AuditLog {
	return &AuditLog{db: db}
}

// Append records one vault operation.
func (l *AuditLog) Append(ctx context.Context, record *domain.AuditRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO vault_audit (ts, connection_id, operation, outcome)
		VALUES ($1, $2, $3, $4)
	`,
		record.Timestamp,
		record.ConnectionID,
		record.Operation,
		record.Outcome,
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}
