package e2e

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

// ClientKeyBits is the RSA modulus size for client keypairs.
const ClientKeyBits = 4096

// ErrInvalidKeyPEM is returned when a PEM block cannot be parsed as the expected key.
var ErrInvalidKeyPEM = errors.New("e2e: invalid PEM key")

// GenerateClientKeypair creates a 4096-bit RSA keypair for session-key wrapping.
func GenerateClientKeypair() (*rsa.PrivateKey, *rsa.PublicKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, ClientKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("e2e: generating client keypair: %w", err)
	}
	return priv, &priv.PublicKey, nil
}

// EncodePublicKeyPEM encodes a public key as a PKIX "PUBLIC KEY" PEM block.
func EncodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("e2e: encoding public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM parses a PKIX or PKCS#1 RSA public key.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKeyPEM)
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPEM, err)
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA public key", ErrInvalidKeyPEM)
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPEM, err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: unexpected block type %q", ErrInvalidKeyPEM, block.Type)
	}
}

// EncodePrivateKeyPEM encodes a private key as a PKCS#8 "PRIVATE KEY" PEM block.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("e2e: encoding private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM parses a PKCS#8 or PKCS#1 RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKeyPEM)
	}

	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPEM, err)
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA private key", ErrInvalidKeyPEM)
		}
		return priv, nil
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPEM, err)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("%w: unexpected block type %q", ErrInvalidKeyPEM, block.Type)
	}
}

// GenerateMLKEMKeypair creates an ML-KEM-768 keypair for post-quantum session-key
// wrapping. Returns the packed public and secret keys.
func GenerateMLKEMKeypair() (publicKey, secretKey []byte, err error) {
	pub, priv, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("e2e: generating ML-KEM keypair: %w", err)
	}
	if publicKey, err = pub.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	if secretKey, err = priv.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	return publicKey, secretKey, nil
}
