package domain

import "time"

// DefaultAttemptTTL is how long an authorization attempt stays redeemable.
const DefaultAttemptTTL = 10 * time.Minute

// OAuthAttempt is a pending authorization flow. The State value is a
// single-use anti-forgery token: a callback is accepted only if it carries
// the state of an unexpired attempt, and redeeming it consumes it.
type OAuthAttempt struct {
	// State is a cryptographically random string used for CSRF protection.
	State string

	// ConnectionID is the connection this attempt belongs to.
	ConnectionID string

	// RedirectOrigin is the trusted application origin the browser is sent
	// back to after the callback. Validated against an allow-list when the
	// attempt is created.
	RedirectOrigin string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the attempt can no longer be redeemed.
func (a *OAuthAttempt) IsExpired() bool {
	return time.Now().After(a.ExpiresAt)
}
