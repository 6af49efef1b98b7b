package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinPasswordIterations is the lowest PBKDF2 work factor accepted.
	MinPasswordIterations = 100000

	// DefaultPasswordIterations follows the OWASP 2023 recommendation for PBKDF2-HMAC-SHA256.
	DefaultPasswordIterations = 600000
)

// Key is a versioned 256-bit symmetric key.
type Key struct {
	Version   uint32    // Key generation, starting at 1
	Material  []byte    // 32-byte AES-256 key
	CreatedAt time.Time // When the key was derived or generated
}

// Validate checks if the key is usable for AES-256.
func (k *Key) Validate() error {
	if k == nil || len(k.Material) != KeySize {
		return ErrInvalidKey
	}
	return nil
}

// Cipher builds an AEAD cipher for this key.
func (k *Key) Cipher() (*Cipher, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return NewCipher(k.Material, k.Version)
}

// Fingerprint returns the HashKey identifier of the key material.
func (k *Key) Fingerprint() string {
	if k == nil {
		return ""
	}
	return HashKey(k.Material)
}

// DeriveKeyFromPassword derives a 256-bit key from a password using PBKDF2-HMAC-SHA256.
//
// The derivation is deliberately slow: iterations below MinPasswordIterations are
// rejected with ErrWeakKeyDerivation, and iterations <= 0 select
// DefaultPasswordIterations. The salt should be unique per installation or per
// secret and at least 16 bytes long.
//
// # Security Properties
//
// Brute Force Resistance:
//   - Each guess costs `iterations` HMAC-SHA256 evaluations
//   - 600,000 iterations is roughly 0.2-0.5s per guess on commodity CPUs
//
// Deterministic:
//   - Same password, salt and iterations always produce the same key
//   - Safe to re-derive on restart instead of persisting the key
//
// Example:
//
//	salt, _ := encryption.GenerateSalt()
//	key, err := encryption.DeriveKeyFromPassword([]byte("correct horse"), salt, 0)
//	if err != nil {
//		return err
//	}
//	defer encryption.SecureWipe(key)
func DeriveKeyFromPassword(password, salt []byte, iterations int) ([]byte, error) {
	if iterations <= 0 {
		iterations = DefaultPasswordIterations
	}
	if iterations < MinPasswordIterations {
		return nil, fmt.Errorf("%w: %d < %d", ErrWeakKeyDerivation, iterations, MinPasswordIterations)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("encryption: salt is required for password derivation")
	}
	return pbkdf2.Key(password, salt, iterations, KeySize, sha256.New), nil
}

// StretchToken applies the PBKDF2 construction used by DeriveKeyFromPassword to a
// short value under a secret salt. It does not enforce MinPasswordIterations;
// callers pick the work factor for their latency budget.
func StretchToken(token, secret []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = MinPasswordIterations
	}
	return pbkdf2.Key(token, secret, iterations, KeySize, sha256.New)
}

// GenerateKey returns 32 bytes from crypto/rand.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("encryption: failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateSalt returns a 32-byte random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("encryption: failed to generate salt: %w", err)
	}
	return salt, nil
}

// HashKey returns a SHA-256 fingerprint of key material, safe to log.
func HashKey(key []byte) string {
	hash := sha256.Sum256(key)
	return hex.EncodeToString(hash[:16])
}

// SecureWipe overwrites data with zeros.
func SecureWipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
