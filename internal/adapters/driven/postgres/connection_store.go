package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driven"
)

// Ensure ConnectionStore implements the interface.
var _ driven.ConnectionStore = (*ConnectionStore)(nil)

// ConnectionStore implements driven.ConnectionStore using PostgreSQL.
// Secret material never passes through this store; see VaultStore.
type ConnectionStore struct {
	db *sql.DB
}

// NewConnectionStore creates a new PostgreSQL-backed connection store.
func NewConnectionStore(db *sql.DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

// Save inserts or updates a connection row.
func (s *ConnectionStore) Save(ctx context.Context, conn *domain.BrokerConnection) error {
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO broker_connections (
			id, broker_name, api_key, broker_user_id,
			token_status, connection_state,
			created_at, last_exchanged_at, last_verified_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			broker_name = EXCLUDED.broker_name,
			api_key = EXCLUDED.api_key,
			broker_user_id = EXCLUDED.broker_user_id,
			token_status = EXCLUDED.token_status,
			connection_state = EXCLUDED.connection_state,
			last_exchanged_at = EXCLUDED.last_exchanged_at,
			last_verified_at = EXCLUDED.last_verified_at
	`

	_, err := s.db.ExecContext(ctx, query,
		conn.ID,
		conn.BrokerName,
		conn.APIKey,
		nullString(conn.BrokerUserID),
		conn.TokenStatus,
		conn.State,
		conn.CreatedAt,
		nullTime(conn.LastExchangedAt),
		nullTime(conn.LastVerifiedAt),
	)
	if err != nil {
		return fmt.Errorf("save connection: %w", err)
	}

	return nil
}

// Get retrieves a connection by id, without secrets.
func (s *ConnectionStore) Get(ctx context.Context, id string) (*domain.BrokerConnection, error) {
	query := `
		SELECT id, broker_name, api_key, broker_user_id,
			   token_status, connection_state,
			   created_at, last_exchanged_at, last_verified_at
		FROM broker_connections
		WHERE id = $1
	`

	var conn domain.BrokerConnection
	var brokerUserID sql.NullString
	var lastExchangedAt, lastVerifiedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conn.ID,
		&conn.BrokerName,
		&conn.APIKey,
		&brokerUserID,
		&conn.TokenStatus,
		&conn.State,
		&conn.CreatedAt,
		&lastExchangedAt,
		&lastVerifiedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}

	conn.BrokerUserID = brokerUserID.String
	if lastExchangedAt.Valid {
		conn.LastExchangedAt = &lastExchangedAt.Time
	}
	if lastVerifiedAt.Valid {
		conn.LastVerifiedAt = &lastVerifiedAt.Time
	}

	return &conn, nil
}

// List returns safe summaries of all connections.
func (s *ConnectionStore) List(ctx context.Context) ([]*domain.ConnectionSummary, error) {
	query := `
		SELECT c.id, c.broker_name, c.broker_user_id,
			   c.token_status, c.connection_state,
			   c.created_at, c.last_verified_at,
			   v.connection_id IS NOT NULL AS has_secrets
		FROM broker_connections c
		LEFT JOIN broker_vault v ON v.connection_id = c.id
		ORDER BY c.created_at
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var summaries []*domain.ConnectionSummary
	for rows.Next() {
		var summary domain.ConnectionSummary
		var brokerUserID sql.NullString
		var lastVerifiedAt sql.NullTime
		var hasSecrets bool

		if err := rows.Scan(
			&summary.ID,
			&summary.BrokerName,
			&brokerUserID,
			&summary.TokenStatus,
			&summary.State,
			&summary.CreatedAt,
			&lastVerifiedAt,
			&hasSecrets,
		); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}

		summary.BrokerUserID = brokerUserID.String
		if lastVerifiedAt.Valid {
			summary.LastVerifiedAt = &lastVerifiedAt.Time
		}
		summary.HasToken = hasSecrets && summary.State == domain.StateConnected
		summaries = append(summaries, &summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}

	return summaries, nil
}

// Delete removes a connection row.
func (s *ConnectionStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM broker_connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
