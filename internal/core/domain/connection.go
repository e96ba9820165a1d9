package domain

import "time"

// ConnectionState describes whether a broker link is usable.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnected    ConnectionState = "connected"
)

// TokenStatus is the broker's view of the stored access token.
type TokenStatus string

const (
	TokenStatusValid   TokenStatus = "valid"
	TokenStatusExpired TokenStatus = "expired"
	TokenStatusRevoked TokenStatus = "revoked"
	TokenStatusUnknown TokenStatus = "unknown"
)

// ConnectionSecrets holds the fields that are encrypted at rest.
// The whole struct is serialized into a single vault blob.
type ConnectionSecrets struct {
	APISecret    string `json:"api_secret"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// BrokerConnection is the authoritative, server-owned record of a linked
// brokerage account. Secret material lives in Secrets and is never
// serialized outside the vault.
type BrokerConnection struct {
	ID         string `json:"id"`
	BrokerName string `json:"broker_name"`
	APIKey     string `json:"api_key"`

	// BrokerUserID is the provider-assigned account id.
	// Empty until the first successful token exchange.
	BrokerUserID string `json:"broker_user_id,omitempty"`

	TokenStatus TokenStatus     `json:"token_status"`
	State       ConnectionState `json:"connection_state"`

	Secrets *ConnectionSecrets `json:"-"` // Never serialize

	CreatedAt       time.Time  `json:"created_at"`
	LastExchangedAt *time.Time `json:"last_exchanged_at,omitempty"`
	LastVerifiedAt  *time.Time `json:"last_verified_at,omitempty"`
}

// ConnectionSummary provides a safe view without sensitive data.
type ConnectionSummary struct {
	ID             string          `json:"id"`
	BrokerName     string          `json:"broker_name"`
	BrokerUserID   string          `json:"broker_user_id,omitempty"`
	TokenStatus    TokenStatus     `json:"token_status"`
	State          ConnectionState `json:"connection_state"`
	HasToken       bool            `json:"has_token"`
	CreatedAt      time.Time       `json:"created_at"`
	LastVerifiedAt *time.Time      `json:"last_verified_at,omitempty"`
}

// ToSummary converts a BrokerConnection to a ConnectionSummary.
func (c *BrokerConnection) ToSummary() *ConnectionSummary {
	return &ConnectionSummary{
		ID:             c.ID,
		BrokerName:     c.BrokerName,
		BrokerUserID:   c.BrokerUserID,
		TokenStatus:    c.TokenStatus,
		State:          c.State,
		HasToken:       c.HasAccessToken(),
		CreatedAt:      c.CreatedAt,
		LastVerifiedAt: c.LastVerifiedAt,
	}
}

// HasAccessToken reports whether an access token is present.
func (c *BrokerConnection) HasAccessToken() bool {
	return c.Secrets != nil && c.Secrets.AccessToken != ""
}

// EnforceTokenInvariant forces the connection state to disconnected when no
// access token is present. A token can only exist on a connection that was
// connected at its last verification.
func (c *BrokerConnection) EnforceTokenInvariant() {
	if !c.HasAccessToken() {
		c.State = StateDisconnected
	}
}

// NeedsReauth reports whether the stored token is known to be unusable and
// the user must restart the authorization flow.
func (c *BrokerConnection) NeedsReauth() bool {
	return c.TokenStatus == TokenStatusExpired || c.TokenStatus == TokenStatusRevoked
}
