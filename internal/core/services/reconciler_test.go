package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quantumleap-labs/brokerlink-core/internal/adapters/driven/brokers"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driven"
)

// mockDistributedLock implements driven.DistributedLock for testing
type mockDistributedLock struct {
	mu       sync.Mutex
	held     bool
	acquires int
	releases int
	denyAll  bool
}

func (m *mockDistributedLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires++
	if m.denyAll || m.held {
		return false, nil
	}
	m.held = true
	return true, nil
}

func (m *mockDistributedLock) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	m.held = false
	return nil
}

func (m *mockDistributedLock) Extend(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held, nil
}

// reconcilerFixture wires a reconciler around fresh mocks
type reconcilerFixture struct {
	reconciler  *Reconciler
	connections *mockConnectionStore
	vault       *mockVault
	cache       *mockSessionCache
	attempts    *mockAttemptStore
	gateway     *mockGateway
	revisions   *RevisionSource
}

func newReconcilerFixture(t *testing.T, cfg ReconcilerConfig) *reconcilerFixture {
	t.Helper()

	f := &reconcilerFixture{
		connections: newMockConnectionStore(),
		vault:       newMockVault(),
		cache:       newMockSessionCache(),
		attempts:    newMockAttemptStore(),
		gateway:     &mockGateway{},
		revisions:   NewRevisionSource(),
	}

	factory := brokers.NewFactory()
	factory.Register("kite", f.gateway)

	cfg.Connections = f.connections
	cfg.Vault = f.vault
	cfg.Cache = f.cache
	cfg.Attempts = f.attempts
	cfg.GatewayFactory = factory
	cfg.Revisions = f.revisions
	if cfg.VerifyTimeout == 0 {
		cfg.VerifyTimeout = time.Second
	}

	f.reconciler = NewReconciler(cfg)
	return f
}

// seedConnected installs a connected connection with a cached entry.
func (f *reconcilerFixture) seedConnected(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()

	conn := &domain.BrokerConnection{
		ID:          id,
		BrokerName:  "kite",
		APIKey:      "testapikey",
		TokenStatus: domain.TokenStatusValid,
		State:       domain.StateConnected,
		CreatedAt:   time.Now(),
	}
	if err := f.connections.Save(ctx, conn); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := f.vault.Store(ctx, id, &domain.ConnectionSecrets{
		APISecret:   "0123456789abcdef0123456789abcdef",
		AccessToken: "access-token",
	}); err != nil {
		t.Fatalf("vault Store() error = %v", err)
	}
	if _, err := f.cache.Put(ctx, &domain.SessionCacheEntry{
		ConnectionID: id,
		BrokerUserID: "AB1234",
		Confirmed:    true,
		LastChecked:  time.Now(),
		DisplayState: domain.DisplayConnected,
		Revision:     f.revisions.Next(),
	}); err != nil {
		t.Fatalf("cache Put() error = %v", err)
	}
}

func TestReconciler_Verify_NoLocalSession(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{})

	result, err := f.reconciler.Verify(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.DisplayState != domain.DisplayDisconnected {
		t.Errorf("DisplayState = %q, want disconnected", result.DisplayState)
	}
	if result.Connected {
		t.Error("Connected = true for missing session")
	}
	if f.gateway.verifyCalls != 0 {
		t.Errorf("gateway called %d times with no local session", f.gateway.verifyCalls)
	}
}

func TestReconciler_Verify_StaleCacheRowGone(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{})
	ctx := context.Background()

	// Cache entry without an authoritative row.
	if _, err := f.cache.Put(ctx, &domain.SessionCacheEntry{
		ConnectionID: "conn-1",
		Confirmed:    true,
		DisplayState: domain.DisplayConnected,
		Revision:     f.revisions.Next(),
	}); err != nil {
		t.Fatalf("cache Put() error = %v", err)
	}

	result, err := f.reconciler.Verify(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.DisplayState != domain.DisplayDisconnected {
		t.Errorf("DisplayState = %q, want disconnected", result.DisplayState)
	}

	// The stale entry was dropped.
	if _, err := f.cache.Get(ctx, "conn-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("cache Get() error = %v, want ErrNotFound", err)
	}
}

func TestReconciler_Verify_AdoptsConnected(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{})
	f.seedConnected(t, "conn-1")

	result, err := f.reconciler.Verify(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Connected || result.DisplayState != domain.DisplayConnected {
		t.Errorf("result = %+v, want connected", result)
	}
	if result.TokenStatus != domain.TokenStatusValid {
		t.Errorf("TokenStatus = %q, want valid", result.TokenStatus)
	}
	if result.BackendUnavailable {
		t.Error("BackendUnavailable set on a full confirmation")
	}
}

func TestReconciler_Verify_AdoptsDisconnectedOnExpiredToken(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{})
	f.seedConnected(t, "conn-1")

	f.gateway.verifyFn = func(apiKey, accessToken string) (*driven.BrokerVerification, error) {
		return &driven.BrokerVerification{Connected: false, TokenStatus: "expired", Message: "token expired"}, nil
	}

	result, err := f.reconciler.Verify(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Connected || result.DisplayState != domain.DisplayDisconnected {
		t.Errorf("result = %+v, want disconnected", result)
	}
	if result.TokenStatus != domain.TokenStatusExpired {
		t.Errorf("TokenStatus = %q, want expired", result.TokenStatus)
	}

	// The cached entry now requires re-authorization.
	entry, err := f.cache.Get(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("cache Get() error = %v", err)
	}
	if !entry.NeedsReauth || entry.Confirmed {
		t.Errorf("entry = %+v, want needs_reauth and unconfirmed", entry)
	}

	// The authoritative row followed.
	conn, err := f.connections.Get(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if conn.State != domain.StateDisconnected || conn.TokenStatus != domain.TokenStatusExpired {
		t.Errorf("conn = state %q status %q", conn.State, conn.TokenStatus)
	}
}

func TestReconciler_Verify_DegradesWhenUnreachable(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{})
	f.seedConnected(t, "conn-1")

	f.gateway.verifyFn = func(apiKey, accessToken string) (*driven.BrokerVerification, error) {
		return nil, fmt.Errorf("%w: connection refused", domain.ErrVerifyUnavailable)
	}

	result, err := f.reconciler.Verify(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.DisplayState != domain.DisplayConnectedDegraded {
		t.Errorf("DisplayState = %q, want connected_degraded", result.DisplayState)
	}
	if !result.BackendUnavailable {
		t.Error("BackendUnavailable not set")
	}
}

func TestReconciler_Verify_UnreachableWithoutConfirmation(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{})
	f.seedConnected(t, "conn-1")

	// Strip the prior confirmation.
	entry, _ := f.cache.Get(context.Background(), "conn-1")
	entry.Confirmed = false
	entry.DisplayState = domain.DisplayDisconnected
	entry.Revision = f.revisions.Next()
	if _, err := f.cache.Put(context.Background(), entry); err != nil {
		t.Fatalf("cache Put() error = %v", err)
	}

	f.gateway.verifyFn = func(apiKey, accessToken string) (*driven.BrokerVerification, error) {
		return nil, fmt.Errorf("%w: timeout", domain.ErrVerifyUnavailable)
	}

	result, err := f.reconciler.Verify(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.DisplayState != domain.DisplayDisconnected {
		t.Errorf("DisplayState = %q, want disconnected", result.DisplayState)
	}
	if !result.BackendUnavailable {
		t.Error("BackendUnavailable not set")
	}
}

func TestReconciler_Verify_CorruptVault(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{})
	f.seedConnected(t, "conn-1")

	f.vault.retrieveFn = func(connectionID string) (*domain.ConnectionSecrets, error) {
		return nil, fmt.Errorf("%w: cipher: message authentication failed", domain.ErrDecryptionFailed)
	}

	result, err := f.reconciler.Verify(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.DisplayState != domain.DisplayError {
		t.Errorf("DisplayState = %q, want error", result.DisplayState)
	}
	if f.gateway.verifyCalls != 0 {
		t.Error("gateway called despite corrupt secrets")
	}

	entry, err := f.cache.Get(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("cache Get() error = %v", err)
	}
	if !entry.NeedsReauth {
		t.Error("corrupt vault did not force re-authorization")
	}
}

func TestReconciler_Verify_NoTokenForcesDisconnected(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{})
	f.seedConnected(t, "conn-1")

	// Vault holds only the api secret, no access token.
	if err := f.vault.Store(context.Background(), "conn-1", &domain.ConnectionSecrets{
		APISecret: "0123456789abcdef0123456789abcdef",
	}); err != nil {
		t.Fatalf("vault Store() error = %v", err)
	}

	result, err := f.reconciler.Verify(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.DisplayState != domain.DisplayDisconnected {
		t.Errorf("DisplayState = %q, want disconnected", result.DisplayState)
	}
	if f.gateway.verifyCalls != 0 {
		t.Error("gateway called with no token to verify")
	}
}

func TestReconciler_BackoffDoublesAndResets(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{
		Interval:    10 * time.Second,
		MaxInterval: 60 * time.Second,
	})
	f.seedConnected(t, "conn-1")

	f.gateway.verifyFn = func(apiKey, accessToken string) (*driven.BrokerVerification, error) {
		return nil, fmt.Errorf("%w: down", domain.ErrVerifyUnavailable)
	}

	// Automatic (non-manual) failures raise the backoff each time.
	var delays []time.Duration
	for i := 0; i < 4; i++ {
		if _, err := f.reconciler.reconcile(context.Background(), "conn-1", false); err != nil {
			t.Fatalf("reconcile() error = %v", err)
		}
		delays = append(delays, f.reconciler.NextDelay("conn-1"))
	}

	want := []time.Duration{20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay after failure %d = %v, want %v", i+1, delays[i], want[i])
		}
	}

	// A successful check returns the schedule to the base interval.
	f.gateway.verifyFn = nil
	if _, err := f.reconciler.Verify(context.Background(), "conn-1"); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got := f.reconciler.NextDelay("conn-1"); got != 10*time.Second {
		t.Errorf("delay after success = %v, want base interval", got)
	}
}

func TestReconciler_ManualVerifyBypassesBackoff(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{
		Interval:    10 * time.Second,
		MaxInterval: 60 * time.Second,
	})
	f.seedConnected(t, "conn-1")

	f.gateway.verifyFn = func(apiKey, accessToken string) (*driven.BrokerVerification, error) {
		return nil, fmt.Errorf("%w: down", domain.ErrVerifyUnavailable)
	}
	if _, err := f.reconciler.reconcile(context.Background(), "conn-1", false); err != nil {
		t.Fatalf("reconcile() error = %v", err)
	}
	if f.reconciler.due("conn-1", time.Now()) {
		t.Fatal("connection due immediately after a failure")
	}

	// A manual check clears the schedule and runs now; the broker is back.
	f.gateway.verifyFn = nil
	result, err := f.reconciler.Verify(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Connected {
		t.Error("manual check did not run")
	}
	if !f.reconciler.due("conn-1", time.Now()) {
		t.Error("backoff survived a successful manual check")
	}
}

func TestReconciler_Status_FromCacheOnly(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{})
	f.seedConnected(t, "conn-1")

	result, err := f.reconciler.Status(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if result.DisplayState != domain.DisplayConnected {
		t.Errorf("DisplayState = %q, want connected", result.DisplayState)
	}
	if f.gateway.verifyCalls != 0 {
		t.Errorf("Status() made %d network calls", f.gateway.verifyCalls)
	}

	// Unknown connection: no cache entry at all.
	result, err = f.reconciler.Status(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if result.DisplayState != domain.DisplayUnknown {
		t.Errorf("DisplayState = %q, want unknown", result.DisplayState)
	}
}

func TestReconciler_StaleWriteDropped(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{})
	f.seedConnected(t, "conn-1")

	// A newer revision lands while an older check was still in flight.
	newer := &domain.SessionCacheEntry{
		ConnectionID: "conn-1",
		Confirmed:    true,
		DisplayState: domain.DisplayConnected,
		Revision:     f.revisions.Next() + 1000,
	}
	if _, err := f.cache.Put(context.Background(), newer); err != nil {
		t.Fatalf("cache Put() error = %v", err)
	}

	// The reconciler's write carries a lower revision and must be dropped.
	if _, err := f.reconciler.Verify(context.Background(), "conn-1"); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	entry, err := f.cache.Get(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("cache Get() error = %v", err)
	}
	if entry.Revision != newer.Revision {
		t.Errorf("Revision = %d, the newer entry was overwritten", entry.Revision)
	}
	if f.cache.dropped == 0 {
		t.Error("no stale write was dropped")
	}
}

func TestReconciler_SweepRespectsLock(t *testing.T) {
	lock := &mockDistributedLock{denyAll: true}
	f := newReconcilerFixture(t, ReconcilerConfig{Lock: lock})
	f.seedConnected(t, "conn-1")

	f.reconciler.sweep(context.Background())
	if f.gateway.verifyCalls != 0 {
		t.Error("sweep ran without holding the lock")
	}

	lock.denyAll = false
	f.reconciler.sweep(context.Background())
	if f.gateway.verifyCalls != 1 {
		t.Errorf("verify calls = %d, want 1", f.gateway.verifyCalls)
	}
	if lock.releases == 0 {
		t.Error("lock never released")
	}
}

func TestReconciler_StartStop(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{
		Interval: 10 * time.Millisecond,
	})
	f.seedConnected(t, "conn-1")

	ctx := context.Background()
	if err := f.reconciler.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Starting twice is a no-op.
	if err := f.reconciler.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	// Let a few sweeps run.
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.reconciler.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return")
	}

	// Stopping again is safe.
	f.reconciler.Stop()

	f.gateway.mu.Lock()
	calls := f.gateway.verifyCalls
	f.gateway.mu.Unlock()
	if calls == 0 {
		t.Error("heartbeat never verified the connection")
	}
}

func TestReconciler_TrackSoon(t *testing.T) {
	f := newReconcilerFixture(t, ReconcilerConfig{
		FirstCheckDelay: 5 * time.Millisecond,
		Interval:        time.Hour, // keep the sweep out of the way
	})
	f.seedConnected(t, "conn-1")

	if err := f.reconciler.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.reconciler.Stop()

	f.reconciler.TrackSoon("conn-1")

	deadline := time.After(time.Second)
	for {
		f.gateway.mu.Lock()
		calls := f.gateway.verifyCalls
		f.gateway.mu.Unlock()
		if calls > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("first confirmation never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
