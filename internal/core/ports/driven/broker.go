package driven

import "context"

// BrokerSession is the result of a successful token exchange.
type BrokerSession struct {
	AccessToken  string
	RefreshToken string

	// BrokerUserID is the provider-assigned account identifier.
	BrokerUserID string
}

// BrokerVerification is the broker's answer to "is this session still
// usable?". TokenStatus uses the domain vocabulary (valid/expired/revoked/
// unknown) as a plain string so gateways stay free of domain imports.
type BrokerVerification struct {
	Connected   bool
	TokenStatus string
	Message     string
}

// BrokerGateway talks to one brokerage's OAuth-style API. Implementations
// are stateless; credentials are passed per call.
type BrokerGateway interface {
	// LoginURL builds the provider login page URL for an authorization
	// attempt. Some providers cannot carry the state in the URL; it is
	// still verified server-side on callback.
	LoginURL(apiKey, state string) string

	// Exchange swaps a single-use authorization code for an access token.
	// Implementations compute whatever request signature the broker
	// requires (e.g. a keyed hash over api key, code and secret).
	Exchange(ctx context.Context, apiKey, apiSecret, authorizationCode string) (*BrokerSession, error)

	// Verify checks whether a previously issued access token is still
	// accepted by the broker. A network failure is returned as
	// domain.ErrVerifyUnavailable (wrapped), never as a fabricated
	// not-connected answer.
	Verify(ctx context.Context, apiKey, accessToken string) (*BrokerVerification, error)
}
