package driven

import (
	"context"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
)

// AttemptStore manages pending authorization attempts for CSRF protection.
// Attempts are single-use and expire after a short period.
type AttemptStore interface {
	// Save stores a new attempt.
	Save(ctx context.Context, attempt *domain.OAuthAttempt) error

	// GetAndDelete atomically retrieves and deletes the attempt with the
	// given state. This ensures single-use semantics: a replayed state
	// finds nothing. Returns nil, nil if the state doesn't exist or has
	// expired.
	GetAndDelete(ctx context.Context, state string) (*domain.OAuthAttempt, error)

	// Cleanup removes expired attempts. Called periodically by the
	// reconciler loop.
	Cleanup(ctx context.Context) error
}
