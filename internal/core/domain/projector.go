package domain

// DisplayState is the user-facing connection status. It is derived, never
// stored authoritatively, and consumed by the UI and by feature gates.
type DisplayState string

const (
	DisplayUnknown            DisplayState = "unknown"
	DisplayChecking           DisplayState = "checking"
	DisplayConnected          DisplayState = "connected"
	DisplayConnectedDegraded  DisplayState = "connected_degraded"
	DisplayDisconnected       DisplayState = "disconnected"
	DisplayError              DisplayState = "error"
)

// VerifyPhase describes how far the most recent verify call has progressed.
type VerifyPhase string

const (
	VerifyNotStarted VerifyPhase = "not_started"
	VerifyInFlight   VerifyPhase = "in_flight"
	VerifyDone       VerifyPhase = "done"
)

// VerifyFailure classifies a failed verify call.
type VerifyFailure string

const (
	// FailureNone means the call completed normally.
	FailureNone VerifyFailure = ""

	// FailureUnreachable is a transient network/timeout failure. The server
	// may well still consider the connection valid.
	FailureUnreachable VerifyFailure = "unreachable"

	// FailureCorrupt means local secret material could not be authenticated.
	// Treated as data corruption; the connection needs re-authorization.
	FailureCorrupt VerifyFailure = "corrupt"
)

// VerifyOutcome is the result of the most recent verify call, as seen by
// the projector. The zero value means no verify has been attempted.
type VerifyOutcome struct {
	Phase       VerifyPhase
	Failure     VerifyFailure
	Connected   bool
	TokenStatus TokenStatus
}

// Project maps the cached entry and the latest verify outcome to a single
// DisplayState. It is pure: no I/O, no clock reads, same inputs always give
// the same output.
//
// The degraded rule: a transient verify failure downgrades a previously
// confirmed connection to connected_degraded rather than disconnected, so a
// flaky backend does not flap the UI. A degraded state is never presented as
// a full connected confirmation.
func Project(entry *SessionCacheEntry, outcome VerifyOutcome) DisplayState {
	switch outcome.Phase {
	case VerifyInFlight:
		if entry == nil {
			return DisplayChecking
		}
		// Keep showing the last settled state while a check is running.
		return projectSettled(entry)

	case VerifyDone:
		switch outcome.Failure {
		case FailureCorrupt:
			return DisplayError
		case FailureUnreachable:
			if entry != nil && entry.Confirmed && !entry.NeedsReauth {
				return DisplayConnectedDegraded
			}
			return DisplayDisconnected
		}
		if outcome.Connected {
			return DisplayConnected
		}
		return DisplayDisconnected

	default: // VerifyNotStarted or zero value
		if entry == nil {
			return DisplayUnknown
		}
		return projectSettled(entry)
	}
}

// projectSettled derives a state from the cache alone, with no fresh verify
// information.
func projectSettled(entry *SessionCacheEntry) DisplayState {
	if entry.NeedsReauth {
		return DisplayDisconnected
	}
	switch entry.DisplayState {
	case DisplayConnected, DisplayConnectedDegraded, DisplayDisconnected, DisplayError, DisplayChecking:
		return entry.DisplayState
	}
	return DisplayUnknown
}
