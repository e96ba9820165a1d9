package driving

import (
	"context"
	"time"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
)

// VerifyResult is the merged answer produced by one reconciliation run.
type VerifyResult struct {
	ConnectionID string             `json:"connection_id"`
	Connected    bool               `json:"connected"`
	TokenStatus  domain.TokenStatus `json:"token_status"`
	Message      string             `json:"message,omitempty"`
	LastChecked  time.Time          `json:"last_checked"`

	// DisplayState is the projected user-facing state.
	DisplayState domain.DisplayState `json:"display_state"`

	// BackendUnavailable marks the degraded case: locally connected,
	// remote unconfirmed. Never set on a full confirmation.
	BackendUnavailable bool `json:"backend_unavailable,omitempty"`
}

// StatusService answers "is this connection usable?" for external
// consumers. They never touch the vault directly.
type StatusService interface {
	// Verify runs one reconciliation now and returns the merged result.
	// Transient broker failures are absorbed into the degraded state, not
	// returned as errors.
	Verify(ctx context.Context, connectionID string) (*VerifyResult, error)

	// Status answers from the session cache without a network round trip.
	Status(ctx context.Context, connectionID string) (*VerifyResult, error)
}
