package domain

import "errors"

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredentials indicates the api key/secret failed shape
	// validation. Rejected before any network call.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrStateMismatch indicates a callback carried an unknown, expired or
	// already-consumed state token. Possible CSRF or replay; always rejected.
	ErrStateMismatch = errors.New("state mismatch")

	// ErrExchangeFailed indicates the broker token endpoint was unreachable
	// or rejected the authorization code. Terminal for the attempt: codes
	// are single-use, the user must restart the flow.
	ErrExchangeFailed = errors.New("token exchange failed")

	// ErrDecryptionFailed indicates a vault blob could not be authenticated.
	// Treated as data corruption; the connection is forced disconnected
	// pending re-authorization.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrVerifyUnavailable indicates a transient network failure during
	// verification. Recoverable; absorbed by the reconciler's backoff.
	ErrVerifyUnavailable = errors.New("verify unavailable")

	// ErrUntrustedOrigin indicates a redirect origin outside the allow-list.
	ErrUntrustedOrigin = errors.New("untrusted origin")

	// ErrTokenExpired indicates the API bearer token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenInvalid indicates the API bearer token is malformed or invalid
	ErrTokenInvalid = errors.New("token invalid")
)
