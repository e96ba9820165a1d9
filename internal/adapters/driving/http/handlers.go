package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driving"
)

// attemptWaitTimeout caps how long a callback long-poll request is held open.
const attemptWaitTimeout = 30 * time.Second

// ErrorResponse is a generic error payload
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is a generic status payload
type StatusResponse struct {
	Status string `json:"status"`
}

// VersionResponse reports the running version
type VersionResponse struct {
	Version string `json:"version"`
}

// Health endpoints

// handleHealth godoc
// @Summary      Health check
// @Description  Returns the health status of the API
// @Tags         Health
// @Produce      json
// @Success      200  {object}  StatusResponse
// @Router       /health [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady godoc
// @Summary      Readiness check
// @Description  Returns the readiness status of the API (checks database and cache connections)
// @Tags         Health
// @Produce      json
// @Success      200  {object}  StatusResponse
// @Failure      503  {object}  ErrorResponse  "Dependency unavailable"
// @Router       /ready [get]
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "cache unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleVersion godoc
// @Summary      Get API version
// @Description  Returns the current API version
// @Tags         Health
// @Produce      json
// @Success      200  {object}  VersionResponse
// @Router       /version [get]
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// Connection lifecycle endpoints

// handleConnect godoc
// @Summary      Start a broker authorization flow
// @Description  Validates the supplied app credentials and returns the broker login URL
// @Tags         Connections
// @Accept       json
// @Produce      json
// @Param        request  body      driving.BeginAuthorizationRequest  true  "Broker app credentials"
// @Success      200      {object}  driving.BeginAuthorizationResponse
// @Failure      400      {object}  ErrorResponse  "Invalid request body or credential shape"
// @Failure      403      {object}  ErrorResponse  "Untrusted redirect origin"
// @Failure      500      {object}  ErrorResponse  "Internal server error"
// @Security     BearerAuth
// @Router       /broker/connect [post]
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req driving.BeginAuthorizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.connectService.BeginAuthorization(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidCredentials):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrUntrustedOrigin):
			writeError(w, http.StatusForbidden, "redirect origin not trusted")
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusBadRequest, "unknown broker")
		default:
			writeError(w, http.StatusInternalServerError, "failed to start authorization")
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCallback godoc
// @Summary      Broker callback
// @Description  Redeems the provider redirect. On success the browser is sent back to the recorded origin; the redirect carries no secret material.
// @Tags         Connections
// @Produce      json
// @Param        state          query  string  true   "Anti-forgery state token"
// @Param        request_token  query  string  false  "Single-use authorization code"
// @Param        code           query  string  false  "OAuth2 authorization code"
// @Param        error          query  string  false  "Provider error code"
// @Success      302  "Redirect to the trusted origin"
// @Failure      400  {object}  ErrorResponse  "Unknown or expired state"
// @Failure      502  {object}  ErrorResponse  "Token exchange failed"
// @Router       /broker/callback [get]
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	code := q.Get("request_token")
	if code == "" {
		code = q.Get("code")
	}

	req := driving.CallbackRequest{
		State:             q.Get("state"),
		AuthorizationCode: code,
		Error:             q.Get("error"),
		ErrorDescription:  q.Get("error_description"),
	}
	if req.State == "" {
		writeError(w, http.StatusBadRequest, "missing state parameter")
		return
	}

	result, err := s.connectService.HandleCallback(r.Context(), req)
	if err != nil {
		var oauthErr *driving.OAuthError
		switch {
		case errors.As(err, &oauthErr):
			writeJSON(w, http.StatusBadRequest, oauthErr)
		case errors.Is(err, domain.ErrStateMismatch):
			writeError(w, http.StatusBadRequest, "unknown or expired state")
		case errors.Is(err, domain.ErrExchangeFailed):
			writeError(w, http.StatusBadGateway, "token exchange failed")
		default:
			writeError(w, http.StatusInternalServerError, "callback processing failed")
		}
		return
	}

	// Schedule a fast first confirmation against the broker.
	if s.reconciler != nil {
		s.reconciler.TrackSoon(result.Connection.ID)
	}

	http.Redirect(w, r, completionRedirectURL(result), http.StatusFound)
}

// completionRedirectURL builds the post-callback browser redirect. Only
// non-secret identifiers go into the URL.
func completionRedirectURL(result *driving.CallbackResult) string {
	params := url.Values{}
	params.Set("connection_id", result.Connection.ID)
	params.Set("status", "connected")
	if result.Connection.BrokerUserID != "" {
		params.Set("broker_user_id", result.Connection.BrokerUserID)
	}
	return result.RedirectOrigin + "/broker/callback/complete?" + params.Encode()
}

// handleListConnections godoc
// @Summary      List broker connections
// @Description  Returns safe summaries of all connections, without secret material
// @Tags         Connections
// @Produce      json
// @Success      200  {array}   domain.ConnectionSummary
// @Failure      500  {object}  ErrorResponse  "Internal server error"
// @Security     BearerAuth
// @Router       /broker/connections [get]
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.connections.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	if summaries == nil {
		summaries = []*domain.ConnectionSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

// handleDisconnect godoc
// @Summary      Disconnect a broker connection
// @Description  Erases stored secrets and removes the connection. Idempotent.
// @Tags         Connections
// @Produce      json
// @Param        id   path      string  true  "Connection ID"
// @Success      200  {object}  StatusResponse
// @Failure      500  {object}  ErrorResponse  "Internal server error"
// @Security     BearerAuth
// @Router       /broker/connections/{id} [delete]
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.connectService.Disconnect(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// Status endpoints

// handleStatus godoc
// @Summary      Cached connection status
// @Description  Answers from the local session cache without contacting the broker
// @Tags         Status
// @Produce      json
// @Param        id   path      string  true  "Connection ID"
// @Success      200  {object}  driving.VerifyResult
// @Failure      500  {object}  ErrorResponse  "Internal server error"
// @Security     BearerAuth
// @Router       /broker/connections/{id}/status [get]
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	result, err := s.statusService.Status(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleVerify godoc
// @Summary      Verify a connection now
// @Description  Runs one reconciliation against the broker and returns the merged result. Transient broker failures surface as a degraded state, not an error.
// @Tags         Status
// @Produce      json
// @Param        id   path      string  true  "Connection ID"
// @Success      200  {object}  driving.VerifyResult
// @Failure      500  {object}  ErrorResponse  "Internal server error"
// @Security     BearerAuth
// @Router       /broker/connections/{id}/verify [post]
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	result, err := s.statusService.Verify(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Token update endpoint

// handleTokenUpdate godoc
// @Summary      Update an access token directly
// @Description  Accepts a token obtained outside the callback flow (e.g. by login automation), validates it against the broker, and stores it
// @Tags         Connections
// @Accept       json
// @Produce      json
// @Param        request  body      driving.TokenUpdateRequest  true  "Token update"
// @Success      200      {object}  domain.ConnectionSummary
// @Failure      400      {object}  ErrorResponse  "Invalid request body or rejected token"
// @Failure      404      {object}  ErrorResponse  "Unknown connection"
// @Failure      502      {object}  ErrorResponse  "Broker unreachable"
// @Security     BearerAuth
// @Router       /broker/token/update [post]
func (s *Server) handleTokenUpdate(w http.ResponseWriter, r *http.Request) {
	var req driving.TokenUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConnectionID == "" || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "connection_id and access_token are required")
		return
	}

	summary, err := s.connectService.UpdateToken(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "connection not found")
		case errors.Is(err, domain.ErrVerifyUnavailable):
			writeError(w, http.StatusBadGateway, "broker unreachable")
		case errors.Is(err, domain.ErrInvalidCredentials):
			writeError(w, http.StatusBadRequest, "broker rejected the token")
		default:
			writeError(w, http.StatusInternalServerError, "token update failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// Long-poll endpoint

// attemptWaitResponse is the long-poll outcome for one pending attempt.
type attemptWaitResponse struct {
	Done   bool                    `json:"done"`
	Result *driving.CallbackResult `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// handleAttemptWait godoc
// @Summary      Wait for a callback to complete
// @Description  Blocks until the provider callback for the given state has been redeemed, or until the timeout elapses
// @Tags         Connections
// @Produce      json
// @Param        state  path      string  true  "Anti-forgery state token"
// @Success      200    {object}  attemptWaitResponse
// @Failure      408    {object}  ErrorResponse  "Timed out waiting for the callback"
// @Security     BearerAuth
// @Router       /broker/attempts/{state}/wait [get]
func (s *Server) handleAttemptWait(w http.ResponseWriter, r *http.Request) {
	state := r.PathValue("state")

	outcome, ok := s.hub.Wait(r.Context(), state, attemptWaitTimeout)
	if !ok {
		writeError(w, http.StatusRequestTimeout, "timed out waiting for callback")
		return
	}

	resp := attemptWaitResponse{Done: true, Result: outcome.Result}
	if outcome.Err != nil {
		resp.Error = outcome.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
