// Package encryption provides the authenticated encryption primitives for tenantcrypt.
//
// This package implements AES-256-GCM encryption with associated data, following
// compliance requirements for GDPR, HIPAA, PCI-DSS and SOC2:
//   - GDPR Art.32: Appropriate security of processing
//   - HIPAA §164.312(a)(2)(iv): Encryption and decryption
//   - PCI-DSS Req. 3.5: Protect stored cardholder data
//   - SOC2 CC6.1: Encryption
//
// Features:
//   - AES-256-GCM authenticated encryption with associated data (AEAD)
//   - Fresh 96-bit nonce from crypto/rand on every call
//   - Key version tagging on every ciphertext bundle
//   - Password key stretching with PBKDF2-HMAC-SHA256 (>= 100,000 iterations)
//   - Per-cipher operation counters for diagnostics
//
// Every higher-level engine (field-level, end-to-end, document-level) seals its
// payloads through a Cipher, so the nonce discipline and the authentication
// failure semantics are defined in exactly one place.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Algorithm is the only AEAD construction produced by this package.
const Algorithm = "AES-256-GCM"

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// NonceSize is the GCM standard nonce length (96 bits).
	NonceSize = 12
)

// Errors
var (
	ErrInvalidKey           = errors.New("encryption: invalid key length (must be 32 bytes)")
	ErrInvalidCiphertext    = errors.New("encryption: invalid ciphertext bundle")
	ErrAuthenticationFailed = errors.New("encryption: authentication failed (tampered data, wrong key or wrong associated data)")
	ErrWeakKeyDerivation    = errors.New("encryption: key derivation iterations below minimum")
	ErrKeyNotFound          = errors.New("encryption: key version not found")

	ErrTenantMismatch  = errors.New("encryption: tenant mismatch")
	ErrSession         = errors.New("encryption: client session unavailable")
	ErrInvalidDocument = errors.New("encryption: invalid encrypted document")
)

// Ciphertext is the opaque bundle returned by Cipher.Encrypt.
//
// Ciphertext holds the GCM output (ciphertext followed by the 16-byte tag).
// KeyVersion records which tenant or session key generation sealed the bundle
// so that rotated keys can still be resolved on decryption.
type Ciphertext struct {
	Nonce      []byte `json:"nonce" yaml:"nonce"`
	Ciphertext []byte `json:"ciphertext" yaml:"ciphertext"`
	Algorithm  string `json:"algorithm" yaml:"algorithm"`
	KeyVersion uint32 `json:"key_version,omitempty" yaml:"key_version,omitempty"`
}

// Size returns the number of bytes carried by the bundle.
func (c *Ciphertext) Size() int {
	if c == nil {
		return 0
	}
	return len(c.Nonce) + len(c.Ciphertext)
}

// Validate checks the bundle is structurally usable. It does not authenticate it.
func (c *Ciphertext) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil bundle", ErrInvalidCiphertext)
	}
	if c.Algorithm != Algorithm {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidCiphertext, c.Algorithm)
	}
	if len(c.Nonce) != NonceSize {
		return fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrInvalidCiphertext, NonceSize, len(c.Nonce))
	}
	return nil
}

// Clone returns a deep copy of the bundle.
func (c *Ciphertext) Clone() *Ciphertext {
	if c == nil {
		return nil
	}
	return &Ciphertext{
		Nonce:      append([]byte(nil), c.Nonce...),
		Ciphertext: append([]byte(nil), c.Ciphertext...),
		Algorithm:  c.Algorithm,
		KeyVersion: c.KeyVersion,
	}
}

// CipherStats reports the local operation counters of a Cipher.
type CipherStats struct {
	Encryptions uint64
	Decryptions uint64
	Failures    uint64
	TotalTime   time.Duration
	AverageTime time.Duration
}

// Cipher performs AES-256-GCM encryption under a single key.
type Cipher struct {
	aead    cipher.AEAD
	version uint32

	mu          sync.Mutex
	encryptions uint64
	decryptions uint64
	failures    uint64
	totalTime   time.Duration
}

// NewCipher creates an AEAD cipher bound to one 256-bit key.
//
// The key material is copied into the AES key schedule; callers may wipe their
// copy with SecureWipe once the Cipher exists. version is stamped onto every
// Ciphertext produced so decryption can select the right key generation.
//
// Example:
//
//	key, _ := encryption.GenerateKey()
//	c, err := encryption.NewCipher(key, 1)
//	if err != nil {
//		return err
//	}
//	ct, _ := c.Encrypt([]byte("4111-1111-1111-1111"), []byte("tenant-a\x00card_number"))
//	pt, err := c.Decrypt(ct, []byte("tenant-a\x00card_number"))
//
// # Thread Safety
//
// Safe for concurrent use. The GCM instance is stateless; counters are mutex guarded.
func NewCipher(key []byte, version uint32) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: creating block cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encryption: creating GCM: %w", err)
	}

	return &Cipher{aead: gcm, version: version}, nil
}

// Version returns the key version stamped on produced ciphertexts.
func (c *Cipher) Version() uint32 {
	return c.version
}

// Encrypt seals plaintext with a fresh random nonce.
// associatedData is authenticated but not encrypted and may be nil.
func (c *Cipher) Encrypt(plaintext, associatedData []byte) (*Ciphertext, error) {
	start := time.Now()

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		c.observe(start, false, true)
		return nil, fmt.Errorf("encryption: generating nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, associatedData)

	c.observe(start, false, false)
	return &Ciphertext{
		Nonce:      nonce,
		Ciphertext: sealed,
		Algorithm:  Algorithm,
		KeyVersion: c.version,
	}, nil
}

// Decrypt opens a bundle produced by Encrypt.
//
// Any mismatch of tag, nonce, key or associated data yields ErrAuthenticationFailed
// and a nil plaintext.
func (c *Cipher) Decrypt(ct *Ciphertext, associatedData []byte) ([]byte, error) {
	start := time.Now()

	if err := ct.Validate(); err != nil {
		c.observe(start, true, true)
		return nil, err
	}

	plaintext, err := c.aead.Open(nil, ct.Nonce, ct.Ciphertext, associatedData)
	if err != nil {
		c.observe(start, true, true)
		return nil, ErrAuthenticationFailed
	}

	c.observe(start, true, false)
	return plaintext, nil
}

// Stats returns the cipher's running counters.
func (c *Cipher) Stats() CipherStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CipherStats{
		Encryptions: c.encryptions,
		Decryptions: c.decryptions,
		Failures:    c.failures,
		TotalTime:   c.totalTime,
	}
	if ops := c.encryptions + c.decryptions; ops > 0 {
		stats.AverageTime = c.totalTime / time.Duration(ops)
	}
	return stats
}

func (c *Cipher) observe(start time.Time, decrypt, failed bool) {
	elapsed := time.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()

	if decrypt {
		c.decryptions++
	} else {
		c.encryptions++
	}
	if failed {
		c.failures++
	}
	c.totalTime += elapsed
}

// AssociatedData joins identity components with a 0x00 separator so that
// ("ab", "c") and ("a", "bc") never authenticate as the same context.
func AssociatedData(parts ...string) []byte {
	size := 0
	for _, p := range parts {
		size += len(p) + 1
	}
	out := make([]byte, 0, size)
	for i, p := range parts {
		if i > 0 {
			out = append(out, 0)
		}
		out = append(out, p...)
	}
	return out
}
