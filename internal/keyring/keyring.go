// Package keyring holds the process-wide vault encryption key. The key is
// initialized once at startup and only changes through Rotate, which
// re-encrypts every stored record before the old key is discarded.
package keyring

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/quantumleap-labs/brokerlink-core/internal/adapters/driven/postgres"
)

// scrypt parameters for key derivation.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Reencryptor re-encrypts all stored secrets under a new cipher.
// Implemented by the vault store.
type Reencryptor interface {
	ReencryptAll(ctx context.Context, current, next *postgres.SecretEncryptor) error
}

// Keyring holds the active secret encryptor behind a read/write lock.
// Reads are cheap and concurrent; rotation takes the write lock so no
// encrypt/decrypt can race the swap.
type Keyring struct {
	mu     sync.RWMutex
	active *postgres.SecretEncryptor
}

// New creates a keyring around an initial encryptor.
func New(enc *postgres.SecretEncryptor) *Keyring {
	return &Keyring{active: enc}
}

// NewFromPassphrase derives the 32-byte vault key from a passphrase and
// salt using scrypt, then wraps it in a keyring.
func NewFromPassphrase(passphrase, salt string) (*Keyring, error) {
	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	enc, err := postgres.NewSecretEncryptor(key)
	if err != nil {
		return nil, err
	}
	return New(enc), nil
}

// DeriveKey derives a 32-byte AES key from a passphrase and salt.
func DeriveKey(passphrase, salt string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("empty vault passphrase")
	}
	key, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	return key, nil
}

// Cipher returns the encryptor currently in effect.
func (k *Keyring) Cipher() *postgres.SecretEncryptor {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Rotate re-encrypts every stored record under next and then swaps the
// active cipher. If re-encryption fails nothing is swapped and the old key
// stays in effect.
func (k *Keyring) Rotate(ctx context.Context, next *postgres.SecretEncryptor, re Reencryptor) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := re.ReencryptAll(ctx, k.active, next); err != nil {
		return fmt.Errorf("rotate vault key: %w", err)
	}
	k.active = next
	return nil
}
