package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantumleap-labs/brokerlink-core/internal/adapters/driven/brokers"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driven"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driving"
)

// Ensure Reconciler implements StatusService
var _ driving.StatusService = (*Reconciler)(nil)

// heartbeatLock names the distributed lock guarding a sweep.
const heartbeatLock = "broker-heartbeat"

// Reconciler keeps the cached belief about connection health close to the
// broker's truth: a fast first confirmation after connect, a fixed-period
// heartbeat while running, manual checks on demand. Consecutive failures
// back off exponentially up to a cap; a manual check resets the backoff.
//
// For multi-instance deployments, configure a DistributedLock so a
// connection is not verified twice in the same tick.
type Reconciler struct {
	connections driven.ConnectionStore
	vault       driven.Vault
	cache       driven.SessionCache
	attempts    driven.AttemptStore
	gateways    *brokers.Factory
	lock        driven.DistributedLock
	revisions   *RevisionSource
	logger      *slog.Logger

	firstDelay    time.Duration
	interval      time.Duration
	maxInterval   time.Duration
	verifyTimeout time.Duration
	lockTTL       time.Duration
	cleanupTicks  int

	// Internal state
	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	ctx      context.Context
	backoffs map[string]*backoffState
}

// backoffState tracks consecutive verify failures for one connection.
type backoffState struct {
	failures int
	delay    time.Duration
	nextAt   time.Time
}

// ReconcilerConfig holds configuration for the reconciler.
type ReconcilerConfig struct {
	Connections driven.ConnectionStore
	Vault       driven.Vault
	Cache       driven.SessionCache
	Attempts    driven.AttemptStore

	GatewayFactory *brokers.Factory
	Lock           driven.DistributedLock // Optional
	Revisions      *RevisionSource
	Logger         *slog.Logger

	FirstCheckDelay time.Duration // Delay before the post-connect confirmation (default: 5s)
	Interval        time.Duration // Heartbeat period (default: 60s)
	MaxInterval     time.Duration // Backoff cap (default: 10m)
	VerifyTimeout   time.Duration // Per-call timeout (default: 5s)
	LockTTL         time.Duration // TTL for the sweep lock (default: 2x interval)
	CleanupTicks    int           // Sweeps between attempt cleanups (default: 10)
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	firstDelay := cfg.FirstCheckDelay
	if firstDelay == 0 {
		firstDelay = 5 * time.Second
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}
	maxInterval := cfg.MaxInterval
	if maxInterval == 0 {
		maxInterval = 10 * time.Minute
	}
	verifyTimeout := cfg.VerifyTimeout
	if verifyTimeout == 0 {
		verifyTimeout = 5 * time.Second
	}
	lockTTL := cfg.LockTTL
	if lockTTL == 0 {
		lockTTL = 2 * interval
	}
	cleanupTicks := cfg.CleanupTicks
	if cleanupTicks <= 0 {
		cleanupTicks = 10
	}
	revisions := cfg.Revisions
	if revisions == nil {
		revisions = NewRevisionSource()
	}
	return &Reconciler{
		connections:   cfg.Connections,
		vault:         cfg.Vault,
		cache:         cfg.Cache,
		attempts:      cfg.Attempts,
		gateways:      cfg.GatewayFactory,
		lock:          cfg.Lock,
		revisions:     revisions,
		logger:        logger,
		firstDelay:    firstDelay,
		interval:      interval,
		maxInterval:   maxInterval,
		verifyTimeout: verifyTimeout,
		lockTTL:       lockTTL,
		cleanupTicks:  cleanupTicks,
		backoffs:      make(map[string]*backoffState),
	}
}

// Start begins the heartbeat loop.
// It runs until Stop is called or the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.ctx = ctx
	r.mu.Unlock()

	r.logger.Info("reconciler starting",
		"interval", r.interval,
		"max_interval", r.maxInterval,
	)

	go r.run(ctx)

	return nil
}

// Stop gracefully stops the heartbeat loop. In-flight verify calls finish
// but their results are discarded.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	r.mu.Unlock()

	<-r.doneCh

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.logger.Info("reconciler stopped")
}

// TrackSoon schedules a fast first confirmation for a freshly established
// connection, without waiting for the next sweep.
func (r *Reconciler) TrackSoon(connectionID string) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stopCh := r.stopCh
	ctx := r.ctx
	r.mu.Unlock()

	go func() {
		select {
		case <-time.After(r.firstDelay):
		case <-stopCh:
			return
		}
		if _, err := r.reconcile(ctx, connectionID, false); err != nil {
			r.logger.Warn("first confirmation failed",
				"connection_id", connectionID,
				"error", err,
			)
		}
	}()
}

// run is the heartbeat loop.
func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler context cancelled")
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(ctx)
			tick++
			if tick%r.cleanupTicks == 0 {
				if err := r.attempts.Cleanup(ctx); err != nil {
					r.logger.Warn("attempt cleanup failed", "error", err)
				}
			}
		}
	}
}

// sweep verifies every tracked connection that is due.
func (r *Reconciler) sweep(ctx context.Context) {
	if r.lock != nil {
		acquired, err := r.lock.Acquire(ctx, heartbeatLock, r.lockTTL)
		if err != nil {
			r.logger.Warn("heartbeat lock error", "error", err)
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := r.lock.Release(ctx, heartbeatLock); err != nil {
				r.logger.Warn("heartbeat lock release failed", "error", err)
			}
		}()
	}

	summaries, err := r.connections.List(ctx)
	if err != nil {
		r.logger.Warn("list connections failed", "error", err)
		return
	}

	now := time.Now()
	for _, summary := range summaries {
		if !r.due(summary.ID, now) {
			continue
		}
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if _, err := r.reconcile(ctx, summary.ID, false); err != nil {
			r.logger.Warn("heartbeat check failed",
				"connection_id", summary.ID,
				"error", err,
			)
		}
	}
}

// Verify runs one reconciliation now, as a manual user-triggered check.
// The backoff for the connection is reset first, so the check runs
// immediately and a success returns the schedule to its minimum period.
func (r *Reconciler) Verify(ctx context.Context, connectionID string) (*driving.VerifyResult, error) {
	r.mu.Lock()
	delete(r.backoffs, connectionID)
	r.mu.Unlock()

	return r.reconcile(ctx, connectionID, true)
}

// Status answers from the session cache alone, without a network call.
func (r *Reconciler) Status(ctx context.Context, connectionID string) (*driving.VerifyResult, error) {
	entry, err := r.cache.Get(ctx, connectionID)
	if errors.Is(err, domain.ErrNotFound) {
		entry = nil
	} else if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}

	result := &driving.VerifyResult{
		ConnectionID: connectionID,
		TokenStatus:  domain.TokenStatusUnknown,
		DisplayState: domain.Project(entry, domain.VerifyOutcome{Phase: domain.VerifyNotStarted}),
	}
	if entry != nil {
		result.Connected = result.DisplayState == domain.DisplayConnected
		result.LastChecked = entry.LastChecked
		if entry.NeedsReauth {
			result.TokenStatus = domain.TokenStatusExpired
		} else if entry.Confirmed {
			result.TokenStatus = domain.TokenStatusValid
		}
	}
	return result, nil
}

// reconcile performs one verify call and merges the answer with the cached
// belief. Policy, first match wins:
//
//  1. no cache entry                          -> disconnected
//  2. verify ok, broker says connected        -> adopt connected
//  3. verify ok, broker says not connected    -> adopt disconnected
//  4. verify failed, prior confirmation held  -> connected_degraded
//  5. verify failed, nothing confirmed        -> disconnected
func (r *Reconciler) reconcile(ctx context.Context, connectionID string, manual bool) (*driving.VerifyResult, error) {
	entry, err := r.cache.Get(ctx, connectionID)
	if errors.Is(err, domain.ErrNotFound) {
		entry = nil
	} else if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}

	// Rule 1: nothing to verify.
	if entry == nil {
		return &driving.VerifyResult{
			ConnectionID: connectionID,
			TokenStatus:  domain.TokenStatusUnknown,
			Message:      "no local session",
			LastChecked:  time.Now(),
			DisplayState: domain.DisplayDisconnected,
		}, nil
	}

	conn, err := r.connections.Get(ctx, connectionID)
	if errors.Is(err, domain.ErrNotFound) {
		// Authoritative row is gone; the cache entry is stale.
		if clearErr := r.cache.Clear(ctx, connectionID); clearErr != nil {
			r.logger.Warn("cache clear failed", "connection_id", connectionID, "error", clearErr)
		}
		return &driving.VerifyResult{
			ConnectionID: connectionID,
			TokenStatus:  domain.TokenStatusUnknown,
			Message:      "connection no longer exists",
			LastChecked:  time.Now(),
			DisplayState: domain.DisplayDisconnected,
		}, nil
	} else if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}

	secrets, err := r.vault.Retrieve(ctx, connectionID)
	switch {
	case errors.Is(err, domain.ErrDecryptionFailed):
		return r.adoptCorrupt(ctx, conn, entry)
	case errors.Is(err, domain.ErrNotFound):
		secrets = nil
	case err != nil:
		return nil, fmt.Errorf("retrieve secrets: %w", err)
	}

	if secrets == nil || secrets.AccessToken == "" {
		// No token forces disconnected.
		return r.adoptDisconnected(ctx, conn, entry, domain.TokenStatusUnknown, "no access token")
	}

	gateway := r.gateways.Gateway(conn.BrokerName)
	if gateway == nil {
		return r.adoptDisconnected(ctx, conn, entry, domain.TokenStatusUnknown, "broker gateway not configured")
	}

	vctx, cancel := context.WithTimeout(ctx, r.verifyTimeout)
	verification, verr := gateway.Verify(vctx, conn.APIKey, secrets.AccessToken)
	cancel()

	// The call was allowed to complete, but if we were cancelled first the
	// result is discarded.
	if err := r.cancelled(ctx); err != nil {
		return nil, err
	}

	if verr != nil {
		return r.adoptUnavailable(ctx, conn, entry, verr, manual)
	}

	r.resetBackoff(connectionID)

	if verification.Connected {
		return r.adoptConnected(ctx, conn, entry, verification)
	}
	return r.adoptDisconnected(ctx, conn, entry, tokenStatusOf(verification.TokenStatus), verification.Message)
}

// adoptConnected applies rule 2: the server answer is adopted fully.
func (r *Reconciler) adoptConnected(ctx context.Context, conn *domain.BrokerConnection, entry *domain.SessionCacheEntry, verification *driven.BrokerVerification) (*driving.VerifyResult, error) {
	now := time.Now()
	conn.State = domain.StateConnected
	conn.TokenStatus = domain.TokenStatusValid
	conn.LastVerifiedAt = &now
	if err := r.connections.Save(ctx, conn); err != nil {
		r.logger.Warn("connection update failed", "connection_id", conn.ID, "error", err)
	}

	entry.BrokerUserID = conn.BrokerUserID
	entry.NeedsReauth = false
	entry.Confirmed = true
	entry.LastChecked = now
	entry.DisplayState = domain.DisplayConnected
	r.putEntry(ctx, entry)

	return &driving.VerifyResult{
		ConnectionID: conn.ID,
		Connected:    true,
		TokenStatus:  domain.TokenStatusValid,
		Message:      verification.Message,
		LastChecked:  now,
		DisplayState: domain.Project(entry, domain.VerifyOutcome{
			Phase:     domain.VerifyDone,
			Connected: true,
		}),
	}, nil
}

// adoptDisconnected applies rule 3: the server reported not-connected.
func (r *Reconciler) adoptDisconnected(ctx context.Context, conn *domain.BrokerConnection, entry *domain.SessionCacheEntry, status domain.TokenStatus, message string) (*driving.VerifyResult, error) {
	now := time.Now()
	conn.State = domain.StateDisconnected
	conn.TokenStatus = status
	conn.LastVerifiedAt = &now
	if err := r.connections.Save(ctx, conn); err != nil {
		r.logger.Warn("connection update failed", "connection_id", conn.ID, "error", err)
	}

	entry.NeedsReauth = status == domain.TokenStatusExpired || status == domain.TokenStatusRevoked
	entry.Confirmed = false
	entry.LastChecked = now
	entry.DisplayState = domain.DisplayDisconnected
	r.putEntry(ctx, entry)

	return &driving.VerifyResult{
		ConnectionID: conn.ID,
		Connected:    false,
		TokenStatus:  status,
		Message:      message,
		LastChecked:  now,
		DisplayState: domain.DisplayDisconnected,
	}, nil
}

// adoptUnavailable applies rules 4 and 5: the verify call itself failed.
// A previously confirmed connection degrades instead of flipping to
// disconnected; the result carries an explicit backend-unavailable mark and
// is never presented as a full confirmation.
func (r *Reconciler) adoptUnavailable(ctx context.Context, conn *domain.BrokerConnection, entry *domain.SessionCacheEntry, verr error, manual bool) (*driving.VerifyResult, error) {
	if !manual {
		r.raiseBackoff(conn.ID)
	}

	now := time.Now()
	degraded := entry.Confirmed && !entry.NeedsReauth

	entry.LastChecked = now
	if degraded {
		entry.DisplayState = domain.DisplayConnectedDegraded
	} else {
		entry.DisplayState = domain.DisplayDisconnected
	}
	r.putEntry(ctx, entry)

	displayState := domain.Project(entry, domain.VerifyOutcome{
		Phase:   domain.VerifyDone,
		Failure: domain.FailureUnreachable,
	})

	r.logger.Warn("verify unavailable",
		"connection_id", conn.ID,
		"degraded", degraded,
		"error", verr,
	)

	return &driving.VerifyResult{
		ConnectionID:       conn.ID,
		Connected:          degraded,
		TokenStatus:        conn.TokenStatus,
		Message:            "backend unavailable",
		LastChecked:        now,
		DisplayState:       displayState,
		BackendUnavailable: true,
	}, nil
}

// adoptCorrupt handles a vault blob that no longer authenticates: treated
// as data corruption, the connection is forced disconnected pending
// re-authorization.
func (r *Reconciler) adoptCorrupt(ctx context.Context, conn *domain.BrokerConnection, entry *domain.SessionCacheEntry) (*driving.VerifyResult, error) {
	now := time.Now()
	conn.State = domain.StateDisconnected
	conn.TokenStatus = domain.TokenStatusUnknown
	if err := r.connections.Save(ctx, conn); err != nil {
		r.logger.Warn("connection update failed", "connection_id", conn.ID, "error", err)
	}

	entry.NeedsReauth = true
	entry.Confirmed = false
	entry.LastChecked = now
	entry.DisplayState = domain.DisplayError
	r.putEntry(ctx, entry)

	r.logger.Error("vault record corrupt", "connection_id", conn.ID)

	return &driving.VerifyResult{
		ConnectionID: conn.ID,
		Connected:    false,
		TokenStatus:  domain.TokenStatusUnknown,
		Message:      "credential store corrupted; reconnect required",
		LastChecked:  now,
		DisplayState: domain.DisplayError,
	}, nil
}

// putEntry writes the cache entry with a completion-time revision.
func (r *Reconciler) putEntry(ctx context.Context, entry *domain.SessionCacheEntry) {
	entry.Revision = r.revisions.Next()
	applied, err := r.cache.Put(ctx, entry)
	if err != nil {
		r.logger.Warn("session cache write failed",
			"connection_id", entry.ConnectionID,
			"error", err,
		)
		return
	}
	if !applied {
		r.logger.Debug("stale cache write dropped", "connection_id", entry.ConnectionID)
	}
}

// cancelled reports whether the reconciler was stopped or the context
// cancelled while a verify call was in flight.
func (r *Reconciler) cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		select {
		case <-r.stopCh:
			return context.Canceled
		default:
		}
	}
	return nil
}

// due reports whether a connection's next check time has arrived.
func (r *Reconciler) due(connectionID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.backoffs[connectionID]
	if !ok {
		return true
	}
	return !now.Before(state.nextAt)
}

// raiseBackoff doubles the connection's recheck delay, up to the cap.
func (r *Reconciler) raiseBackoff(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.backoffs[connectionID]
	if !ok {
		state = &backoffState{delay: r.interval}
		r.backoffs[connectionID] = state
	}
	state.failures++
	state.delay *= 2
	if state.delay > r.maxInterval {
		state.delay = r.maxInterval
	}
	state.nextAt = time.Now().Add(state.delay)
}

// resetBackoff returns the connection to the minimum recheck period.
func (r *Reconciler) resetBackoff(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backoffs, connectionID)
}

// NextDelay reports the current recheck delay for a connection. The base
// interval means no backoff is in effect.
func (r *Reconciler) NextDelay(connectionID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.backoffs[connectionID]
	if !ok {
		return r.interval
	}
	return state.delay
}

// tokenStatusOf maps a gateway-reported status onto the domain vocabulary.
func tokenStatusOf(s string) domain.TokenStatus {
	switch domain.TokenStatus(s) {
	case domain.TokenStatusValid, domain.TokenStatusExpired, domain.TokenStatusRevoked:
		return domain.TokenStatus(s)
	}
	return domain.TokenStatusUnknown
}
