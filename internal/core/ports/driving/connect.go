package driving

import (
	"context"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
)

// ConnectService drives the broker connection state machine: issuing an
// authorization request, redeeming the provider callback, accepting an
// externally obtained token, and tearing a connection down.
type ConnectService interface {
	// BeginAuthorization validates the credentials' shape, creates a
	// disconnected BrokerConnection with a pending attempt, and returns
	// the provider login URL. No network call is made.
	BeginAuthorization(ctx context.Context, req BeginAuthorizationRequest) (*BeginAuthorizationResponse, error)

	// HandleCallback redeems a provider callback. The state token is
	// consumed exactly once; the exchange is retried once on network
	// failure and the resulting write is all-or-nothing.
	HandleCallback(ctx context.Context, req CallbackRequest) (*CallbackResult, error)

	// UpdateToken stores an access token obtained outside the callback
	// flow (e.g. by login automation) after validating it against the
	// broker.
	UpdateToken(ctx context.Context, req TokenUpdateRequest) (*domain.ConnectionSummary, error)

	// Disconnect erases the vault entry and the connection row.
	// Idempotent: disconnecting an unknown id succeeds.
	Disconnect(ctx context.Context, connectionID string) error
}

// BeginAuthorizationRequest carries the user-supplied broker app credentials.
// @Description Request to start a broker authorization flow
type BeginAuthorizationRequest struct {
	// BrokerName selects the gateway (e.g. "kite").
	BrokerName string `json:"broker_name" example:"kite"`

	APIKey    string `json:"api_key" example:"ab12cd34ef56gh78"`
	APISecret string `json:"api_secret" example:"0123456789abcdef0123456789abcdef"`

	// RedirectOrigin is where the browser is sent after the callback.
	// Must be on the trusted origin allow-list. Optional; defaults to the
	// first trusted origin.
	RedirectOrigin string `json:"redirect_origin,omitempty" example:"https://app.example.com"`
}

// BeginAuthorizationResponse contains the provider login URL.
// @Description Response containing the broker login URL
type BeginAuthorizationResponse struct {
	ConnectionID     string `json:"connection_id"`
	AuthorizationURL string `json:"authorization_url"`

	// State is the anti-forgery token that must come back on the callback.
	State string `json:"state"`

	// ExpiresAt is when the pending attempt expires (RFC 3339).
	ExpiresAt string `json:"expires_at"`
}

// CallbackRequest carries the provider callback parameters.
// @Description Broker callback parameters from the provider redirect
type CallbackRequest struct {
	State string `json:"state"`

	// AuthorizationCode is the single-use code (request_token for
	// Kite-style brokers).
	AuthorizationCode string `json:"authorization_code"`

	// Error is set if the provider reported an error instead of a code.
	Error            string `json:"error,omitempty" example:"access_denied"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// CallbackResult is the outcome of a redeemed callback.
type CallbackResult struct {
	Connection *domain.ConnectionSummary `json:"connection"`

	// RedirectOrigin is the trusted origin recorded when the attempt was
	// created; the HTTP layer builds the browser redirect from it.
	RedirectOrigin string `json:"-"`

	Message string `json:"message"`
}

// TokenUpdateRequest carries an externally obtained access token.
// @Description Direct token update for an existing connection
type TokenUpdateRequest struct {
	ConnectionID string `json:"connection_id"`
	AccessToken  string `json:"access_token"`

	// Source labels who produced the token (e.g. "automation").
	Source string `json:"source,omitempty" example:"automation"`
}

// OAuthError carries a provider-reported error verbatim to the caller.
type OAuthError struct {
	Code        string `json:"error" example:"access_denied"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return e.Code + ": " + e.Description
	}
	return e.Code
}
