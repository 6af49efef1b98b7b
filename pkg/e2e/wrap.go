package e2e

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/hkdf"

	"github.com/orneryd/tenantcrypt/pkg/encryption"
)

const (
	// SchemeRSAOAEP wraps session keys with RSA-OAEP over SHA-256.
	SchemeRSAOAEP = "RSA-OAEP-SHA256"

	// SchemeMLKEM wraps session keys under a KEK derived from an ML-KEM-768 shared secret.
	SchemeMLKEM = "ML-KEM-768+HKDF-SHA256+AES-256-GCM"

	// WrapLabel is the OAEP label and HKDF info prefix for session-key wrapping.
	WrapLabel = "tenantcrypt-session"
)

// WrappedSessionKey is the bundle returned to a client on establish and rotate.
// The session key inside can only be recovered with the client's private key.
type WrappedSessionKey struct {
	ClientID        string    `json:"client_id"`
	Scheme          string    `json:"scheme"`
	WrappedKey      []byte    `json:"wrapped_key"`
	EncapsulatedKey []byte    `json:"encapsulated_key,omitempty"`
	Nonce           []byte    `json:"nonce,omitempty"`
	Generation      uint32    `json:"generation"`
	EstablishedAt   time.Time `json:"established_at"`
}

// KeyWrapper seals a session key to a client's public key.
type KeyWrapper interface {
	Scheme() string
	Wrap(clientID string, sessionKey []byte) (*WrappedSessionKey, error)
}

// RSAWrapper wraps session keys with RSA-OAEP(SHA-256).
type RSAWrapper struct {
	PublicKey *rsa.PublicKey
}

// Scheme implements KeyWrapper.
func (w RSAWrapper) Scheme() string { return SchemeRSAOAEP }

// Wrap implements KeyWrapper.
func (w RSAWrapper) Wrap(clientID string, sessionKey []byte) (*WrappedSessionKey, error) {
	if w.PublicKey == nil {
		return nil, fmt.Errorf("%w: missing peer public key", encryption.ErrSession)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, w.PublicKey, sessionKey, []byte(WrapLabel))
	if err != nil {
		return nil, fmt.Errorf("e2e: wrapping session key: %w", err)
	}
	return &WrappedSessionKey{ClientID: clientID, Scheme: SchemeRSAOAEP, WrappedKey: wrapped}, nil
}

// MLKEMWrapper wraps session keys with ML-KEM-768 encapsulation.
//
// The shared secret is expanded with HKDF-SHA256 into a key-encryption key,
// which seals the session key with AES-256-GCM bound to the client id.
type MLKEMWrapper struct {
	PublicKey []byte
}

// Scheme implements KeyWrapper.
func (w MLKEMWrapper) Scheme() string { return SchemeMLKEM }

// Wrap implements KeyWrapper.
func (w MLKEMWrapper) Wrap(clientID string, sessionKey []byte) (*WrappedSessionKey, error) {
	scheme := mlkem768.Scheme()
	if len(w.PublicKey) != scheme.PublicKeySize() {
		return nil, fmt.Errorf("%w: ML-KEM public key must be %d bytes", encryption.ErrSession, scheme.PublicKeySize())
	}
	pub, err := scheme.UnmarshalBinaryPublicKey(w.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("e2e: parsing ML-KEM public key: %w", err)
	}
	encapsulated, shared, err := scheme.Encapsulate(pub)
	if err != nil {
		return nil, fmt.Errorf("e2e: encapsulating: %w", err)
	}
	defer encryption.SecureWipe(shared)

	kek, err := kemKEK(shared, encapsulated, clientID)
	if err != nil {
		return nil, err
	}
	ct, err := kek.Encrypt(sessionKey, []byte(clientID))
	if err != nil {
		return nil, err
	}

	return &WrappedSessionKey{
		ClientID:        clientID,
		Scheme:          SchemeMLKEM,
		WrappedKey:      ct.Ciphertext,
		EncapsulatedKey: encapsulated,
		Nonce:           ct.Nonce,
	}, nil
}

// UnwrapSessionKey recovers an RSA-OAEP wrapped session key on the client side.
func UnwrapSessionKey(priv *rsa.PrivateKey, w *WrappedSessionKey) ([]byte, error) {
	if w == nil || w.Scheme != SchemeRSAOAEP {
		return nil, fmt.Errorf("%w: expected %s bundle", encryption.ErrInvalidCiphertext, SchemeRSAOAEP)
	}
	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, w.WrappedKey, []byte(WrapLabel))
	if err != nil {
		return nil, encryption.ErrAuthenticationFailed
	}
	return key, nil
}

// UnwrapSessionKeyMLKEM recovers an ML-KEM wrapped session key on the client side.
func UnwrapSessionKeyMLKEM(secretKey []byte, w *WrappedSessionKey) ([]byte, error) {
	if w == nil || w.Scheme != SchemeMLKEM {
		return nil, fmt.Errorf("%w: expected %s bundle", encryption.ErrInvalidCiphertext, SchemeMLKEM)
	}
	scheme := mlkem768.Scheme()
	if len(secretKey) != scheme.PrivateKeySize() || len(w.EncapsulatedKey) != scheme.CiphertextSize() {
		return nil, encryption.ErrInvalidCiphertext
	}
	priv, err := scheme.UnmarshalBinaryPrivateKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("e2e: parsing ML-KEM secret key: %w", err)
	}
	shared, err := scheme.Decapsulate(priv, w.EncapsulatedKey)
	if err != nil {
		return nil, encryption.ErrAuthenticationFailed
	}
	defer encryption.SecureWipe(shared)

	kek, err := kemKEK(shared, w.EncapsulatedKey, w.ClientID)
	if err != nil {
		return nil, err
	}
	return kek.Decrypt(&encryption.Ciphertext{
		Nonce:      w.Nonce,
		Ciphertext: w.WrappedKey,
		Algorithm:  encryption.Algorithm,
	}, []byte(w.ClientID))
}

// kemKEK derives the key-encryption key from an ML-KEM shared secret.
// The encapsulation is the HKDF salt so the KEK is bound to this exchange.
func kemKEK(shared, encapsulated []byte, clientID string) (*encryption.Cipher, error) {
	kek := make([]byte, encryption.KeySize)
	r := hkdf.New(sha256.New, shared, encapsulated, []byte(WrapLabel+"|"+clientID))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("e2e: deriving KEK: %w", err)
	}
	defer encryption.SecureWipe(kek)
	return encryption.NewCipher(kek, 0)
}
