package driven

// TokenClaims are the validated claims of an API bearer token. Tokens are
// issued by the host application; this core only verifies them.
type TokenClaims struct {
	UserID    string
	IssuedAt  int64
	ExpiresAt int64
}

// AuthAdapter validates API bearer tokens for the consumer-facing endpoints.
type AuthAdapter interface {
	// ValidateToken parses and verifies a signed token.
	// Returns domain.ErrTokenExpired or domain.ErrTokenInvalid on failure.
	ValidateToken(token string) (*TokenClaims, error)
}
