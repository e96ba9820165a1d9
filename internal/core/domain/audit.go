package domain

import "time"

// AuditOperation names a vault operation for the audit trail.
type AuditOperation string

const (
	AuditOpStore    AuditOperation = "store"
	AuditOpRetrieve AuditOperation = "retrieve"
	AuditOpRotate   AuditOperation = "rotate"
	AuditOpErase    AuditOperation = "erase"
)

// AuditOutcome is the result of an audited vault operation.
type AuditOutcome string

const (
	AuditOK     AuditOutcome = "ok"
	AuditFailed AuditOutcome = "failed"
)

// AuditRecord is one line of the append-only vault audit log.
type AuditRecord struct {
	Timestamp    time.Time      `json:"timestamp"`
	ConnectionID string         `json:"connection_id"`
	Operation    AuditOperation `json:"operation"`
	Outcome      AuditOutcome   `json:"outcome"`
}
