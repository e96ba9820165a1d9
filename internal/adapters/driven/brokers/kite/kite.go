package kite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
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

const (
	defaultLoginBase = "https://kite.trade/connect/login"
	defaultAPIBase   = "https://api.kite.trade"

	// apiVersion is the Kite Connect protocol version sent on every call.
	apiVersion = "3"
)

// Gateway talks to the Zerodha Kite Connect API.
//
// Kite's login page does not echo an arbitrary OAuth state parameter, but it
// appends everything in redirect_params to the redirect, which gives the
// same server-side verifiability.
type Gateway struct {
	loginBase  string
	apiBase    string
	httpClient *http.Client
}

// Config holds gateway configuration. Zero values use the production
// endpoints.
type Config struct {
	LoginBase string
	APIBase   string
	Timeout   time.Duration
}

// NewGateway creates a Kite Connect gateway.
func NewGateway(cfg Config) *Gateway {
	loginBase := cfg.LoginBase
	if loginBase == "" {
		loginBase = defaultLoginBase
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		loginBase:  loginBase,
		apiBase:    apiBase,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// LoginURL builds the Kite login page URL for an authorization attempt.
func (g *Gateway) LoginURL(apiKey, state string) string {
	params := url.Values{
		"api_key":         {apiKey},
		"v":               {apiVersion},
		"redirect_params": {"state=" + state},
	}
	return g.loginBase + "?" + params.Encode()
}

// Exchange swaps a request token for an access token.
// Kite requires checksum = SHA-256(api_key + request_token + api_secret).
func (g *Gateway) Exchange(ctx context.Context, apiKey, apiSecret, requestToken string) (*driven.BrokerSession, error) {
	checksum := sha256.Sum256([]byte(apiKey + requestToken + apiSecret))

	params := url.Values{
		"api_key":       {apiKey},
		"request_token": {requestToken},
		"checksum":      {hex.EncodeToString(checksum[:])},
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		g.apiBase+"/session/token",
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Kite-Version", apiVersion)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrVerifyUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		Status    string `json:"status"`
		Message   string `json:"message"`
		ErrorType string `json:"error_type"`
		Data      struct {
			UserID       string `json:"user_id"`
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || envelope.Status != "success" {
		return nil, fmt.Errorf("%w: %s (%s)", domain.ErrExchangeFailed, envelope.Message, envelope.ErrorType)
	}

	return &driven.BrokerSession{
		AccessToken:  envelope.Data.AccessToken,
		RefreshToken: envelope.Data.RefreshToken,
		BrokerUserID: envelope.Data.UserID,
	}, nil
}

// Verify checks the access token by fetching the user profile.
func (g *Gateway) Verify(ctx context.Context, apiKey, accessToken string) (*driven.BrokerVerification, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", g.apiBase+"/user/profile", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "token "+apiKey+":"+accessToken)
	req.Header.Set("X-Kite-Version", apiVersion)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrVerifyUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrVerifyUnavailable, err)
	}

	if resp.StatusCode == http.StatusOK {
		return &driven.BrokerVerification{
			Connected:   true,
			TokenStatus: string(domain.TokenStatusValid),
			Message:     "session active",
		}, nil
	}

	var envelope struct {
		Message   string `json:"message"`
		ErrorType string `json:"error_type"`
	}
	_ = json.Unmarshal(body, &envelope)

	// TokenException covers expired and manually invalidated sessions.
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusUnauthorized:
		status := string(domain.TokenStatusExpired)
		if envelope.ErrorType == "PermissionException" {
			status = string(domain.TokenStatusRevoked)
		}
		return &driven.BrokerVerification{
			Connected:   false,
			TokenStatus: status,
			Message:     envelope.Message,
		}, nil
	}

	// 5xx and anything unexpected is a transient backend problem, not a
	// verdict about the token.
	return nil, fmt.Errorf("%w: status %d: %s", domain.ErrVerifyUnavailable, resp.StatusCode, envelope.Message)
}
