package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionCacheSchemaVersion is the current cache record shape.
// Version 0 records (legacy field names) are migrated on read.
const SessionCacheSchemaVersion = 1

// SessionCacheEntry is the client-local projection of a connection's public
// fields. It never contains secrets and is safe to discard at any time; the
// BrokerConnection row is the source of truth.
type SessionCacheEntry struct {
	SchemaVersion int    `json:"schema_version"`
	ConnectionID  string `json:"connection_id"`
	BrokerUserID  string `json:"broker_user_id,omitempty"`

	// NeedsReauth is set when the server reported the token expired or
	// revoked; the user must restart the authorization flow.
	NeedsReauth bool `json:"needs_reauth"`

	// Confirmed is set once a verify call has succeeded for this entry.
	// It gates the degraded state: a network failure only downgrades to
	// connected_degraded when a prior confirmation exists.
	Confirmed bool `json:"confirmed"`

	LastChecked  time.Time    `json:"last_checked"`
	DisplayState DisplayState `json:"display_state"`

	// Revision orders writes by completion time. A write carrying a lower
	// revision than the stored entry is stale and must be dropped.
	Revision uint64 `json:"revision"`
}

// legacySessionCacheEntry is the version-0 shape written by older clients.
type legacySessionCacheEntry struct {
	ConnectionID   string `json:"connection_id"`
	BrokerUser     string `json:"broker_user"`
	ReauthRequired bool   `json:"reauth_required"`
	LastSync       int64  `json:"last_sync"` // unix seconds
	Status         string `json:"status"`
}

// DecodeSessionCacheEntry parses a cache record, migrating legacy version-0
// payloads to the current shape.
func DecodeSessionCacheEntry(data []byte) (*SessionCacheEntry, error) {
	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}

	if probe.SchemaVersion >= SessionCacheSchemaVersion {
		var entry SessionCacheEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("decode cache entry: %w", err)
		}
		return &entry, nil
	}

	var legacy legacySessionCacheEntry
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("decode legacy cache entry: %w", err)
	}
	return migrateLegacyEntry(&legacy), nil
}

// migrateLegacyEntry maps the version-0 field names onto the current record.
func migrateLegacyEntry(legacy *legacySessionCacheEntry) *SessionCacheEntry {
	entry := &SessionCacheEntry{
		SchemaVersion: SessionCacheSchemaVersion,
		ConnectionID:  legacy.ConnectionID,
		BrokerUserID:  legacy.BrokerUser,
		NeedsReauth:   legacy.ReauthRequired,
	}
	if legacy.LastSync > 0 {
		entry.LastChecked = time.Unix(legacy.LastSync, 0)
	}
	switch legacy.Status {
	case "connected", "active":
		entry.DisplayState = DisplayConnected
		entry.Confirmed = true
	case "disconnected", "inactive", "":
		entry.DisplayState = DisplayDisconnected
	default:
		entry.DisplayState = DisplayUnknown
	}
	return entry
}

// Encode serializes the entry at the current schema version.
func (e *SessionCacheEntry) Encode() ([]byte, error) {
	e.SchemaVersion = SessionCacheSchemaVersion
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return data, nil
}
