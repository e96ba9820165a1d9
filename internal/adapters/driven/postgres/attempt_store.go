package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driven"
)

// Ensure AttemptStore implements the interface.
var _ driven.AttemptStore = (*AttemptStore)(nil)

// AttemptStore implements driven.AttemptStore using PostgreSQL.
type AttemptStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewAttemptStore creates a new PostgreSQL-backed attempt store.
func NewAttemptStore(db *sql.DB) *AttemptStore {
	return &AttemptStore{
		db:  db,
		ttl: domain.DefaultAttemptTTL,
	}
}

// NewAttemptStoreWithTTL creates an attempt store with a custom TTL.
func NewAttemptStoreWithTTL(db *sql.DB, ttl time.Duration) *AttemptStore {
	return &AttemptStore{
		db:  db,
		ttl: ttl,
	}
}

// Save stores a new attempt.
func (s *AttemptStore) Save(ctx context.Context, attempt *domain.OAuthAttempt) error {
	now := time.Now()
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = now
	}
	if attempt.ExpiresAt.IsZero() {
		attempt.ExpiresAt = now.Add(s.ttl)
	}

	query := `
		INSERT INTO oauth_attempts (state, connection_id, redirect_origin, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.db.ExecContext(ctx, query,
		attempt.State,
		attempt.ConnectionID,
		attempt.RedirectOrigin,
		attempt.CreatedAt,
		attempt.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("save attempt: %w", err)
	}

	return nil
}

// GetAndDelete atomically retrieves and deletes the attempt.
// Uses DELETE ... RETURNING for atomic single-use semantics.
func (s *AttemptStore) GetAndDelete(ctx context.Context, state string) (*domain.OAuthAttempt, error) {
	query := `
		DELETE FROM oauth_attempts
		WHERE state = $1 AND expires_at > NOW()
		RETURNING state, connection_id, redirect_origin, created_at, expires_at
	`

	var attempt domain.OAuthAttempt
	err := s.db.QueryRowContext(ctx, query, state).Scan(
		&attempt.State,
		&attempt.ConnectionID,
		&attempt.RedirectOrigin,
		&attempt.CreatedAt,
		&attempt.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil // Attempt not found or expired
	}
	if err != nil {
		return nil, fmt.Errorf("get and delete attempt: %w", err)
	}

	return &attempt, nil
}

// Cleanup removes expired attempts.
func (s *AttemptStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_attempts WHERE expires_at < NOW()`)
	if err != nil {
		return fmt.Errorf("cleanup attempts: %w", err)
	}
	return nil
}
