package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantumleap-labs/brokerlink-core/internal/adapters/driven/brokers"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driven"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driving"
)

// Ensure connectService implements ConnectService
var _ driving.ConnectService = (*connectService)(nil)

// ConnectServiceConfig holds configuration for the connect service.
type ConnectServiceConfig struct {
	Connections driven.ConnectionStore
	Vault       driven.Vault
	Attempts    driven.AttemptStore
	Cache       driven.SessionCache

	// GatewayFactory resolves broker gateways by provider name.
	GatewayFactory *brokers.Factory

	// Hub receives single-fire completion events per attempt. Optional.
	Hub *CallbackHub

	// Revisions orders session cache writes by completion time.
	Revisions *RevisionSource

	// TrustedOrigins is the allow-list for post-callback browser
	// redirects. The first entry is the default.
	TrustedOrigins []string

	Logger *slog.Logger

	// AttemptTTL bounds how long a pending attempt stays redeemable.
	AttemptTTL time.Duration

	// ExchangeRetryDelay is the backoff before the single automatic
	// exchange retry.
	ExchangeRetryDelay time.Duration
}

// connectService implements the broker connection state machine.
type connectService struct {
	connections driven.ConnectionStore
	vault       driven.Vault
	attempts    driven.AttemptStore
	cache       driven.SessionCache
	gateways    *brokers.Factory
	hub         *CallbackHub
	revisions   *RevisionSource
	origins     []string
	logger      *slog.Logger
	attemptTTL  time.Duration
	retryDelay  time.Duration
}

// NewConnectService creates the connect service.
func NewConnectService(cfg ConnectServiceConfig) driving.ConnectService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.AttemptTTL
	if ttl == 0 {
		ttl = domain.DefaultAttemptTTL
	}
	retryDelay := cfg.ExchangeRetryDelay
	if retryDelay == 0 {
		retryDelay = 2 * time.Second
	}
	revisions := cfg.Revisions
	if revisions == nil {
		revisions = NewRevisionSource()
	}
	return &connectService{
		connections: cfg.Connections,
		vault:       cfg.Vault,
		attempts:    cfg.Attempts,
		cache:       cfg.Cache,
		gateways:    cfg.GatewayFactory,
		hub:         cfg.Hub,
		revisions:   revisions,
		origins:     cfg.TrustedOrigins,
		logger:      logger,
		attemptTTL:  ttl,
		retryDelay:  retryDelay,
	}
}

// BeginAuthorization creates a disconnected connection with a pending
// attempt and returns the provider login URL. The credentials are shape
// checked before anything is persisted; no network call happens here.
func (s *connectService) BeginAuthorization(ctx context.Context, req driving.BeginAuthorizationRequest) (*driving.BeginAuthorizationResponse, error) {
	gateway := s.gateways.Gateway(req.BrokerName)
	if gateway == nil {
		return nil, fmt.Errorf("%w: unknown broker %q", domain.ErrInvalidCredentials, req.BrokerName)
	}

	if err := validateCredentialShape(req.APIKey, req.APISecret); err != nil {
		return nil, err
	}

	origin, err := s.resolveOrigin(req.RedirectOrigin)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	conn := &domain.BrokerConnection{
		ID:          uuid.NewString(),
		BrokerName:  req.BrokerName,
		APIKey:      req.APIKey,
		TokenStatus: domain.TokenStatusUnknown,
		State:       domain.StateDisconnected,
		CreatedAt:   now,
	}

	if err := s.connections.Save(ctx, conn); err != nil {
		return nil, fmt.Errorf("save connection: %w", err)
	}
	if err := s.vault.Store(ctx, conn.ID, &domain.ConnectionSecrets{APISecret: req.APISecret}); err != nil {
		return nil, fmt.Errorf("store secrets: %w", err)
	}

	// Anti-forgery token, single-use, short TTL.
	state, err := generateState(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	expiresAt := now.Add(s.attemptTTL)
	attempt := &domain.OAuthAttempt{
		State:          state,
		ConnectionID:   conn.ID,
		RedirectOrigin: origin,
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
	}
	if err := s.attempts.Save(ctx, attempt); err != nil {
		return nil, fmt.Errorf("save attempt: %w", err)
	}

	if s.hub != nil {
		s.hub.Register(state)
	}

	s.logger.Info("authorization started",
		"connection_id", conn.ID,
		"broker", req.BrokerName,
	)

	return &driving.BeginAuthorizationResponse{
		ConnectionID:     conn.ID,
		AuthorizationURL: gateway.LoginURL(req.APIKey, state),
		State:            state,
		ExpiresAt:        expiresAt.Format(time.RFC3339),
	}, nil
}

// HandleCallback redeems a provider callback. The attempt state is consumed
// exactly once; a replayed or expired state fails with ErrStateMismatch no
// matter what else the callback carries.
func (s *connectService) HandleCallback(ctx context.Context, req driving.CallbackRequest) (*driving.CallbackResult, error) {
	attempt, err := s.attempts.GetAndDelete(ctx, req.State)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if attempt == nil || attempt.IsExpired() {
		return nil, domain.ErrStateMismatch
	}

	conn, err := s.connections.Get(ctx, attempt.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}

	// Provider-reported error: the attempt is FAILED, the connection stays
	// disconnected, and the provider's description goes to the caller
	// verbatim.
	if req.Error != "" {
		s.writeCacheEntry(ctx, conn, domain.DisplayDisconnected, false, false)
		oauthErr := &driving.OAuthError{Code: req.Error, Description: req.ErrorDescription}
		s.complete(attempt, CallbackOutcome{Err: oauthErr})
		s.logger.Warn("authorization rejected by provider",
			"connection_id", conn.ID,
			"error", req.Error,
		)
		return nil, oauthErr
	}

	secrets, err := s.vault.Retrieve(ctx, conn.ID)
	if err != nil {
		s.complete(attempt, CallbackOutcome{Err: err})
		return nil, fmt.Errorf("retrieve secrets: %w", err)
	}

	gateway := s.gateways.Gateway(conn.BrokerName)
	if gateway == nil {
		err := fmt.Errorf("%w: gateway %q gone", domain.ErrExchangeFailed, conn.BrokerName)
		s.complete(attempt, CallbackOutcome{Err: err})
		return nil, err
	}

	session, err := s.exchangeWithRetry(ctx, gateway, conn.APIKey, secrets.APISecret, req.AuthorizationCode)
	if err != nil {
		// Authorization codes are single-use; the user must restart
		// the flow. Nothing was written: the connection is still
		// exactly as disconnected as before.
		s.complete(attempt, CallbackOutcome{Err: err})
		s.logger.Warn("token exchange failed",
			"connection_id", conn.ID,
			"error", err,
		)
		return nil, err
	}

	if err := s.persistSession(ctx, conn, secrets, session); err != nil {
		s.complete(attempt, CallbackOutcome{Err: err})
		return nil, err
	}

	// Push the cache entry so the client reflects the new state without
	// waiting for the next heartbeat.
	s.writeCacheEntry(ctx, conn, domain.DisplayConnected, true, false)

	result := &driving.CallbackResult{
		Connection:     conn.ToSummary(),
		RedirectOrigin: attempt.RedirectOrigin,
		Message:        fmt.Sprintf("Connected to %s as %s", conn.BrokerName, conn.BrokerUserID),
	}
	s.complete(attempt, CallbackOutcome{Result: result})

	s.logger.Info("broker connected",
		"connection_id", conn.ID,
		"broker", conn.BrokerName,
		"broker_user_id", conn.BrokerUserID,
	)
	return result, nil
}

// UpdateToken accepts an access token obtained outside the callback flow,
// validates it against the broker, and persists it through the same
// all-or-nothing path as a callback exchange.
func (s *connectService) UpdateToken(ctx context.Context, req driving.TokenUpdateRequest) (*domain.ConnectionSummary, error) {
	if req.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", domain.ErrInvalidCredentials)
	}

	conn, err := s.connections.Get(ctx, req.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	secrets, err := s.vault.Retrieve(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("retrieve secrets: %w", err)
	}

	gateway := s.gateways.Gateway(conn.BrokerName)
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway %q gone", domain.ErrExchangeFailed, conn.BrokerName)
	}

	verification, err := gateway.Verify(ctx, conn.APIKey, req.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if !verification.Connected {
		return nil, fmt.Errorf("%w: broker rejected token: %s", domain.ErrExchangeFailed, verification.Message)
	}

	session := &driven.BrokerSession{
		AccessToken:  req.AccessToken,
		BrokerUserID: conn.BrokerUserID,
	}
	if err := s.persistSession(ctx, conn, secrets, session); err != nil {
		return nil, err
	}
	s.writeCacheEntry(ctx, conn, domain.DisplayConnected, true, false)

	source := req.Source
	if source == "" {
		source = "api"
	}
	s.logger.Info("access token updated",
		"connection_id", conn.ID,
		"source", source,
	)
	return conn.ToSummary(), nil
}

// Disconnect erases the vault record, the connection row and the cache
// entry. Disconnecting an id that is already gone is a success.
func (s *connectService) Disconnect(ctx context.Context, connectionID string) error {
	if err := s.vault.Erase(ctx, connectionID); err != nil {
		return fmt.Errorf("erase secrets: %w", err)
	}
	if err := s.connections.Delete(ctx, connectionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("delete connection: %w", err)
	}
	if err := s.cache.Clear(ctx, connectionID); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	s.logger.Info("broker disconnected", "connection_id", connectionID)
	return nil
}

// exchangeWithRetry calls the token endpoint, retrying once with backoff on
// a transient failure. A broker rejection is not retried: the code is
// single-use, resubmitting it cannot succeed.
func (s *connectService) exchangeWithRetry(ctx context.Context, gateway driven.BrokerGateway, apiKey, apiSecret, code string) (*driven.BrokerSession, error) {
	session, err := gateway.Exchange(ctx, apiKey, apiSecret, code)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, domain.ErrVerifyUnavailable) {
		return nil, fmt.Errorf("%w: %v", domain.ErrExchangeFailed, err)
	}

	select {
	case <-time.After(s.retryDelay):
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrExchangeFailed, ctx.Err())
	}

	session, err = gateway.Exchange(ctx, apiKey, apiSecret, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrExchangeFailed, err)
	}
	return session, nil
}

// persistSession writes the exchanged session. The vault write happens
// first; if the connection row update then fails, the vault is rolled back
// to the previous secrets so the token invariant holds (a stored token
// implies a connected row).
func (s *connectService) persistSession(ctx context.Context, conn *domain.BrokerConnection, secrets *domain.ConnectionSecrets, session *driven.BrokerSession) error {
	previous := *secrets

	secrets.AccessToken = session.AccessToken
	if session.RefreshToken != "" {
		secrets.RefreshToken = session.RefreshToken
	}
	if err := s.vault.Rotate(ctx, conn.ID, secrets); err != nil {
		return fmt.Errorf("store session: %w", err)
	}

	now := time.Now()
	if session.BrokerUserID != "" {
		conn.BrokerUserID = session.BrokerUserID
	}
	conn.Secrets = secrets
	conn.State = domain.StateConnected
	conn.TokenStatus = domain.TokenStatusValid
	conn.LastExchangedAt = &now
	conn.LastVerifiedAt = &now

	if err := s.connections.Save(ctx, conn); err != nil {
		if rbErr := s.vault.Rotate(ctx, conn.ID, &previous); rbErr != nil {
			s.logger.Error("session rollback failed",
				"connection_id", conn.ID,
				"error", rbErr,
			)
		}
		conn.Secrets = &previous
		conn.State = domain.StateDisconnected
		return fmt.Errorf("%w: save connection: %v", domain.ErrExchangeFailed, err)
	}
	return nil
}

// writeCacheEntry pushes the connection's public fields into the session
// cache. The revision is taken here, at completion time.
func (s *connectService) writeCacheEntry(ctx context.Context, conn *domain.BrokerConnection, state domain.DisplayState, confirmed, needsReauth bool) {
	entry := &domain.SessionCacheEntry{
		ConnectionID: conn.ID,
		BrokerUserID: conn.BrokerUserID,
		NeedsReauth:  needsReauth,
		Confirmed:    confirmed,
		LastChecked:  time.Now(),
		DisplayState: state,
		Revision:     s.revisions.Next(),
	}
	if _, err := s.cache.Put(ctx, entry); err != nil {
		s.logger.Warn("session cache write failed",
			"connection_id", conn.ID,
			"error", err,
		)
	}
}

// complete fires the attempt's single-fire completion, if a hub is wired.
func (s *connectService) complete(attempt *domain.OAuthAttempt, outcome CallbackOutcome) {
	if s.hub != nil {
		s.hub.Complete(attempt.State, outcome)
	}
}

// resolveOrigin checks the requested redirect origin against the allow-list.
// Anything not on the list is rejected, not silently replaced.
func (s *connectService) resolveOrigin(requested string) (string, error) {
	if len(s.origins) == 0 {
		return "", nil
	}
	if requested == "" {
		return s.origins[0], nil
	}
	for _, origin := range s.origins {
		if origin == requested {
			return origin, nil
		}
	}
	return "", fmt.Errorf("%w: %s", domain.ErrUntrustedOrigin, requested)
}

// validateCredentialShape applies basic length and charset checks before
// any persistence or network call.
func validateCredentialShape(apiKey, apiSecret string) error {
	if len(apiKey) < 6 || len(apiKey) > 64 {
		return fmt.Errorf("%w: api key length", domain.ErrInvalidCredentials)
	}
	if len(apiSecret) < 16 || len(apiSecret) > 128 {
		return fmt.Errorf("%w: api secret length", domain.ErrInvalidCredentials)
	}
	for _, field := range []string{apiKey, apiSecret} {
		for _, c := range field {
			if !isCredentialChar(c) {
				return fmt.Errorf("%w: illegal character", domain.ErrInvalidCredentials)
			}
		}
	}
	return nil
}

func isCredentialChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-':
		return true
	}
	return false
}

// generateState generates a cryptographically secure random string.
func generateState(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes)[:length], nil
}
