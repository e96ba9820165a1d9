package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/ports/driven"
)

// Ensure VaultStore implements the interface.
var _ driven.Vault = (*VaultStore)(nil)

// VaultStore implements driven.Vault using PostgreSQL with AES-256-GCM
// blobs. The cipher comes from a CipherSource so a coordinated key rotation
// can swap it process-wide.
//
// Every operation appends an audit record. Audit writes are best-effort:
// failures are logged and never propagated to the caller.
type VaultStore struct {
	db     *DB
	cipher CipherSource
	audit  driven.AuditLog
	logger *slog.Logger
}

// NewVaultStore creates a new PostgreSQL-backed vault.
func NewVaultStore(db *DB, cipher CipherSource, audit driven.AuditLog, logger *slog.Logger) *VaultStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &VaultStore{
		db:     db,
		cipher: cipher,
		audit:  audit,
		logger: logger,
	}
}

// Store writes the secret fields for a connection, replacing any existing
// record.
func (s *VaultStore) Store(ctx context.Context, connectionID string, secrets *domain.ConnectionSecrets) error {
	err := s.upsert(ctx, connectionID, secrets)
	s.appendAudit(ctx, connectionID, domain.AuditOpStore, err)
	return err
}

// Retrieve returns the decrypted secret fields.
func (s *VaultStore) Retrieve(ctx context.Context, connectionID string) (*domain.ConnectionSecrets, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT secret_blob FROM broker_vault WHERE connection_id = $1`,
		connectionID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		s.appendAudit(ctx, connectionID, domain.AuditOpRetrieve, domain.ErrNotFound)
		return nil, domain.ErrNotFound
	}
	if err != nil {
		s.appendAudit(ctx, connectionID, domain.AuditOpRetrieve, err)
		return nil, fmt.Errorf("retrieve secrets: %w", err)
	}

	var secrets domain.ConnectionSecrets
	if err := s.cipher.Cipher().Decrypt(blob, &secrets); err != nil {
		s.appendAudit(ctx, connectionID, domain.AuditOpRetrieve, err)
		if errors.Is(err, ErrDecryptionFailed) || errors.Is(err, ErrInvalidBlobSize) || errors.Is(err, ErrUnsupportedVersion) {
			return nil, fmt.Errorf("%w: %v", domain.ErrDecryptionFailed, err)
		}
		return nil, fmt.Errorf("decrypt secrets: %w", err)
	}

	s.appendAudit(ctx, connectionID, domain.AuditOpRetrieve, nil)
	return &secrets, nil
}

// Rotate replaces the secret fields for a connection.
func (s *VaultStore) Rotate(ctx context.Context, connectionID string, secrets *domain.ConnectionSecrets) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM broker_vault WHERE connection_id = $1)`,
		connectionID,
	).Scan(&exists)
	if err != nil {
		s.appendAudit(ctx, connectionID, domain.AuditOpRotate, err)
		return fmt.Errorf("rotate secrets: %w", err)
	}
	if !exists {
		s.appendAudit(ctx, connectionID, domain.AuditOpRotate, domain.ErrNotFound)
		return domain.ErrNotFound
	}

	err = s.upsert(ctx, connectionID, secrets)
	s.appendAudit(ctx, connectionID, domain.AuditOpRotate, err)
	return err
}

// Erase removes the secret record. Erasing an absent record succeeds.
func (s *VaultStore) Erase(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM broker_vault WHERE connection_id = $1`,
		connectionID,
	)
	s.appendAudit(ctx, connectionID, domain.AuditOpErase, err)
	if err != nil {
		return fmt.Errorf("erase secrets: %w", err)
	}
	return nil
}

// ReencryptAll decrypts every vault blob with current and re-encrypts it
// under next, inside one transaction. Used by the keyring during key
// rotation: either every record moves to the new key or none does. The
// ciphers are passed explicitly because the keyring holds its write lock
// while this runs.
func (s *VaultStore) ReencryptAll(ctx context.Context, current, next *SecretEncryptor) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT connection_id, secret_blob FROM broker_vault FOR UPDATE`)
		if err != nil {
			return fmt.Errorf("load vault rows: %w", err)
		}

		type record struct {
			id   string
			blob []byte
		}
		var records []record
		for rows.Next() {
			var rec record
			if err := rows.Scan(&rec.id, &rec.blob); err != nil {
				rows.Close()
				return fmt.Errorf("scan vault row: %w", err)
			}
			records = append(records, rec)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("load vault rows: %w", err)
		}
		rows.Close()

		for _, rec := range records {
			var secrets domain.ConnectionSecrets
			if err := current.Decrypt(rec.blob, &secrets); err != nil {
				return fmt.Errorf("decrypt %s: %w", rec.id, err)
			}
			blob, err := next.Encrypt(&secrets)
			if err != nil {
				return fmt.Errorf("re-encrypt %s: %w", rec.id, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE broker_vault SET secret_blob = $2, updated_at = $3 WHERE connection_id = $1`,
				rec.id, blob, time.Now(),
			); err != nil {
				return fmt.Errorf("update %s: %w", rec.id, err)
			}
		}
		return nil
	})
}

// upsert encrypts and writes one vault record.
func (s *VaultStore) upsert(ctx context.Context, connectionID string, secrets *domain.ConnectionSecrets) error {
	blob, err := s.cipher.Cipher().Encrypt(secrets)
	if err != nil {
		return fmt.Errorf("encrypt secrets: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO broker_vault (connection_id, secret_blob, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (connection_id) DO UPDATE SET
			secret_blob = EXCLUDED.secret_blob,
			updated_at = EXCLUDED.updated_at
	`, connectionID, blob, time.Now())
	if err != nil {
		return fmt.Errorf("store secrets: %w", err)
	}
	return nil
}

// appendAudit records one vault operation, best-effort.
func (s *VaultStore) appendAudit(ctx context.Context, connectionID string, op domain.AuditOperation, opErr error) {
	if s.audit == nil {
		return
	}
	outcome := domain.AuditOK
	if opErr != nil {
		outcome = domain.AuditFailed
	}
	record := &domain.AuditRecord{
		Timestamp:    time.Now(),
		ConnectionID: connectionID,
		Operation:    op,
		Outcome:      outcome,
	}
	if err := s.audit.Append(ctx, record); err != nil {
		s.logger.Warn("audit append failed",
			"connection_id", connectionID,
			"operation", op,
			"error", err,
		)
	}
}
