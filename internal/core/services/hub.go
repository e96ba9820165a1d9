package services

import (
	"context"
	"sync"
	"time"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driving"
)

// CallbackOutcome is what a waiting client learns about a redeemed attempt.
type CallbackOutcome struct {
	Result *driving.CallbackResult
	Err    error
}

// completion is a single-fire slot for one attempt state.
type completion struct {
	ch      chan CallbackOutcome
	fired   bool
	expires time.Time
}

// CallbackHub lets a client that opened the broker login (e.g. a popup
// opener) wait for the outcome of its attempt. Each attempt state is a
// single-fire channel: the outcome is delivered exactly once, and anything
// arriving for an unknown state is dropped as noise.
type CallbackHub struct {
	mu      sync.Mutex
	pending map[string]*completion
	ttl     time.Duration
}

// NewCallbackHub creates a hub. Completions that nobody collects are
// dropped after ttl (defaults to the attempt TTL's order of magnitude).
func NewCallbackHub(ttl time.Duration) *CallbackHub {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CallbackHub{
		pending: make(map[string]*completion),
		ttl:     ttl,
	}
}

// Register creates the single-fire slot for an attempt state. Called when
// the authorization URL is issued.
func (h *CallbackHub) Register(state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictLocked()
	h.pending[state] = &completion{
		ch:      make(chan CallbackOutcome, 1),
		expires: time.Now().Add(h.ttl),
	}
}

// Complete fires the outcome for a state. A second Complete for the same
// state, or a Complete for a state that was never registered, is a no-op.
func (h *CallbackHub) Complete(state string, outcome CallbackOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.pending[state]
	if !ok || c.fired {
		return
	}
	c.fired = true
	c.ch <- outcome
}

// Wait blocks until the state's outcome fires, the timeout elapses, or ctx
// is cancelled. The slot is removed once collected.
func (h *CallbackHub) Wait(ctx context.Context, state string, timeout time.Duration) (CallbackOutcome, bool) {
	h.mu.Lock()
	c, ok := h.pending[state]
	h.mu.Unlock()
	if !ok {
		return CallbackOutcome{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-c.ch:
		h.forget(state)
		return outcome, true
	case <-timer.C:
		return CallbackOutcome{}, false
	case <-ctx.Done():
		return CallbackOutcome{}, false
	}
}

// forget removes a slot.
func (h *CallbackHub) forget(state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, state)
}

// evictLocked drops expired slots. Caller holds the mutex.
func (h *CallbackHub) evictLocked() {
	now := time.Now()
	for state, c := range h.pending {
		if now.After(c.expires) {
			delete(h.pending, state)
		}
	}
}
