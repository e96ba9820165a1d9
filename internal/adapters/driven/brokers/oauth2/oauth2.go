package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driven"
)

// Ensure Gateway implements the interface.
var _ driven.BrokerGateway = (*Gateway)(nil)

// Gateway is a generic gateway for brokers exposing a standard OAuth2
// authorization-code flow: an authorize page, a token endpoint, and an
// authenticated account endpoint usable as a session probe.
type Gateway struct {
	authURL    string
	tokenURL   string
	verifyURL  string
	httpClient *http.Client
}

// Config holds the provider endpoints.
type Config struct {
	AuthURL   string
	TokenURL  string
	VerifyURL string
	Timeout   time.Duration
}

// NewGateway creates a generic OAuth2 broker gateway.
func NewGateway(cfg Config) *Gateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		authURL:    cfg.AuthURL,
		tokenURL:   cfg.TokenURL,
		verifyURL:  cfg.VerifyURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// LoginURL builds the provider authorize URL with the state embedded.
func (g *Gateway) LoginURL(apiKey, state string) string {
	params := url.Values{
		"client_id":     {apiKey},
		"response_type": {"code"},
		"state":         {state},
	}
	return g.authURL + "?" + params.Encode()
}

// Exchange swaps the authorization code for tokens at the token endpoint.
func (g *Gateway) Exchange(ctx context.Context, apiKey, apiSecret, authorizationCode string) (*driven.BrokerSession, error) {
	params := url.Values{
		"client_id":     {apiKey},
		"client_secret": {apiSecret},
		"code":          {authorizationCode},
		"grant_type":    {"authorization_code"},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", g.tokenURL,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrVerifyUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		UserID       string `json:"user_id"`
		Error        string `json:"error"`
		ErrorDesc    string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || tokenResp.Error != "" {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrExchangeFailed, tokenResp.Error, tokenResp.ErrorDesc)
	}

	return &driven.BrokerSession{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		BrokerUserID: tokenResp.UserID,
	}, nil
}

// Verify probes the account endpoint with the bearer token.
func (g *Gateway) Verify(ctx context.Context, apiKey, accessToken string) (*driven.BrokerVerification, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", g.verifyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrVerifyUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return &driven.BrokerVerification{
			Connected:   true,
			TokenStatus: string(domain.TokenStatusValid),
			Message:     "session active",
		}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &driven.BrokerVerification{
			Connected:   false,
			TokenStatus: string(domain.TokenStatusExpired),
			Message:     "token rejected",
		}, nil
	}

	return nil, fmt.Errorf("%w: status %d", domain.ErrVerifyUnavailable, resp.StatusCode)
}
