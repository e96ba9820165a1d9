package postgres

import (
	"bytes"
	"errors"
	"testing"

	"github.com/quantumleap-labs/brokerlink-core/internal/core/domain"
)

func testKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestSecretEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewSecretEncryptor(testKey(0x01))
	if err != nil {
		t.Fatalf("NewSecretEncryptor() error = %v", err)
	}

	original := &domain.ConnectionSecrets{
		APISecret:    "0123456789abcdef0123456789abcdef",
		AccessToken:  "access-token-value",
		RefreshToken: "refresh-token-value",
	}

	blob, err := enc.Encrypt(original)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if blob[0] != secretVersion {
		t.Errorf("blob version = %d, want %d", blob[0], secretVersion)
	}
	if bytes.Contains(blob, []byte("access-token-value")) {
		t.Error("plaintext visible in blob")
	}

	var decrypted domain.ConnectionSecrets
	if err := enc.Decrypt(blob, &decrypted); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if decrypted != *original {
		t.Errorf("Decrypt() = %+v, want %+v", decrypted, original)
	}
}

func TestSecretEncryptor_InvalidKeySize(t *testing.T) {
	if _, err := NewSecretEncryptor([]byte("short")); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("error = %v, want ErrInvalidKeySize", err)
	}
}

func TestSecretEncryptor_TamperedBlob(t *testing.T) {
	enc, err := NewSecretEncryptor(testKey(0x01))
	if err != nil {
		t.Fatalf("NewSecretEncryptor() error = %v", err)
	}

	blob, err := enc.Encrypt(&domain.ConnectionSecrets{APISecret: "secret"})
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// Flip one ciphertext bit.
	blob[len(blob)-1] ^= 0x01

	var out domain.ConnectionSecrets
	if err := enc.Decrypt(blob, &out); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("error = %v, want ErrDecryptionFailed", err)
	}
}

func TestSecretEncryptor_WrongKey(t *testing.T) {
	enc1, _ := NewSecretEncryptor(testKey(0x01))
	enc2, _ := NewSecretEncryptor(testKey(0x02))

	blob, err := enc1.Encrypt(&domain.ConnectionSecrets{APISecret: "secret"})
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	var out domain.ConnectionSecrets
	if err := enc2.Decrypt(blob, &out); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("error = %v, want ErrDecryptionFailed", err)
	}
}

func TestSecretEncryptor_TruncatedBlob(t *testing.T) {
	enc, _ := NewSecretEncryptor(testKey(0x01))

	var out domain.ConnectionSecrets
	if err := enc.Decrypt([]byte{secretVersion, 0x01, 0x02}, &out); !errors.Is(err, ErrInvalidBlobSize) {
		t.Errorf("error = %v, want ErrInvalidBlobSize", err)
	}
}

func TestSecretEncryptor_UnsupportedVersion(t *testing.T) {
	enc, _ := NewSecretEncryptor(testKey(0x01))

	blob, err := enc.Encrypt(&domain.ConnectionSecrets{APISecret: "secret"})
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	blob[0] = 0x7f

	var out domain.ConnectionSecrets
	if err := enc.Decrypt(blob, &out); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestSecretEncryptor_NonceUnique(t *testing.T) {
	enc, _ := NewSecretEncryptor(testKey(0x01))
	value := &domain.ConnectionSecrets{APISecret: "secret"}

	blob1, _ := enc.Encrypt(value)
	blob2, _ := enc.Encrypt(value)
	if bytes.Equal(blob1, blob2) {
		t.Error("two encryptions of the same value produced identical blobs")
	}
}
