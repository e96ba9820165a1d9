package keyring

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumleap-labs/brokerlink-core/internal/adapters/driven/postgres"
	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
)

// fakeReencryptor re-encrypts an in-memory blob set, like the vault store
// does against its table.
type fakeReencryptor struct {
	blobs map[string][]byte
	fail  bool
	calls int
}

func (f *fakeReencryptor) ReencryptAll(ctx context.Context, current, next *postgres.SecretEncryptor) error {
	f.calls++
	if f.fail {
		return errors.New("database gone")
	}
	for id, blob := range f.blobs {
		var secrets domain.ConnectionSecrets
		if err := current.Decrypt(blob, &secrets); err != nil {
			return err
		}
		reblob, err := next.Encrypt(&secrets)
		if err != nil {
			return err
		}
		f.blobs[id] = reblob
	}
	return nil
}

func TestDeriveKey(t *testing.T) {
	key, err := DeriveKey("correct horse battery staple", "salt-1")
	require.NoError(t, err)
	assert.Len(t, key, 32)

	// Deterministic for the same inputs.
	again, err := DeriveKey("correct horse battery staple", "salt-1")
	require.NoError(t, err)
	assert.Equal(t, key, again)

	// Different salt, different key.
	other, err := DeriveKey("correct horse battery staple", "salt-2")
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	_, err = DeriveKey("", "salt-1")
	assert.Error(t, err, "empty passphrase must be rejected")
}

func TestKeyring_Rotate(t *testing.T) {
	ctx := context.Background()

	ring, err := NewFromPassphrase("old passphrase", "salt-1")
	require.NoError(t, err)

	secrets := &domain.ConnectionSecrets{APISecret: "api-secret", AccessToken: "access-1"}
	blob, err := ring.Cipher().Encrypt(secrets)
	require.NoError(t, err)

	store := &fakeReencryptor{blobs: map[string][]byte{"conn-1": blob}}

	nextKey, err := DeriveKey("new passphrase", "salt-1")
	require.NoError(t, err)
	next, err := postgres.NewSecretEncryptor(nextKey)
	require.NoError(t, err)

	require.NoError(t, ring.Rotate(ctx, next, store))
	assert.Equal(t, 1, store.calls)

	// The active cipher now reads what the store holds.
	var decrypted domain.ConnectionSecrets
	require.NoError(t, ring.Cipher().Decrypt(store.blobs["conn-1"], &decrypted))
	assert.Equal(t, *secrets, decrypted)
}

func TestKeyring_Rotate_FailureKeepsOldKey(t *testing.T) {
	ctx := context.Background()

	ring, err := NewFromPassphrase("old passphrase", "salt-1")
	require.NoError(t, err)
	oldCipher := ring.Cipher()

	secrets := &domain.ConnectionSecrets{APISecret: "api-secret"}
	blob, err := oldCipher.Encrypt(secrets)
	require.NoError(t, err)

	store := &fakeReencryptor{blobs: map[string][]byte{"conn-1": blob}, fail: true}

	nextKey, err := DeriveKey("new passphrase", "salt-1")
	require.NoError(t, err)
	next, err := postgres.NewSecretEncryptor(nextKey)
	require.NoError(t, err)

	require.Error(t, ring.Rotate(ctx, next, store))

	// Nothing swapped: the old cipher still decrypts the untouched blob.
	assert.Same(t, oldCipher, ring.Cipher())
	var decrypted domain.ConnectionSecrets
	require.NoError(t, ring.Cipher().Decrypt(store.blobs["conn-1"], &decrypted))
	assert.Equal(t, *secrets, decrypted)
}
