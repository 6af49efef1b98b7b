// Package e2e implements client sessions and end-to-end document encryption.
//
// A session is established by generating a fresh 256-bit key, storing it under
// the client id and returning it wrapped to the client's public key (RSA-OAEP
// by default, ML-KEM-768 optionally). The key never leaves the process in the
// clear.
//
// Session lifecycle per client id:
//
//	Uninitialized --establish--> Established --rotate--> Established
//	Established --revoke--> Revoked (terminal)
//
// Rotation discards the previous key, so data sealed before a rotation cannot
// be opened through the live session afterwards. Revocation erases the key;
// any further use of the client id fails with encryption.ErrSession.
package e2e

import (
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/tenantcrypt/pkg/encryption"
)

// Option configures a ClientEncryption.
type Option func(*ClientEncryption)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *ClientEncryption) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *ClientEncryption) { c.now = now }
}

// ClientEncryption manages client sessions over a SessionStore.
type ClientEncryption struct {
	store  SessionStore
	logger *zap.Logger
	now    func() time.Time

	// serializes lifecycle transitions; data operations only read the store
	lifecycle sync.Mutex
	revoked   map[string]time.Time
}

// NewClientEncryption creates a session manager. A nil store selects a
// MemorySessionStore.
func NewClientEncryption(store SessionStore, opts ...Option) *ClientEncryption {
	if store == nil {
		store = NewMemorySessionStore()
	}
	c := &ClientEncryption{
		store:   store,
		logger:  zap.NewNop(),
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the underlying session store.
func (c *ClientEncryption) Store() SessionStore {
	return c.store
}

// EstablishSecureSession creates a session for clientID and returns its key
// wrapped with RSA-OAEP to peer.
func (c *ClientEncryption) EstablishSecureSession(clientID string, peer *rsa.PublicKey) (*WrappedSessionKey, error) {
	return c.EstablishWith(clientID, RSAWrapper{PublicKey: peer})
}

// EstablishWith creates a session for clientID using any KeyWrapper.
// Fails with ErrSession if the client already has a live session or was revoked.
func (c *ClientEncryption) EstablishWith(clientID string, w KeyWrapper) (*WrappedSessionKey, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: empty client id", encryption.ErrSession)
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if _, revoked := c.revoked[clientID]; revoked {
		return nil, fmt.Errorf("%w: client %q was revoked", encryption.ErrSession, clientID)
	}
	if _, ok := c.store.Get(clientID); ok {
		return nil, fmt.Errorf("%w: client %q already has a session", encryption.ErrSession, clientID)
	}

	key, err := encryption.GenerateKey()
	if err != nil {
		return nil, err
	}
	defer encryption.SecureWipe(key)

	wrapped, err := w.Wrap(clientID, key)
	if err != nil {
		return nil, err
	}

	now := c.now()
	c.store.Put(&Session{
		ClientID:      clientID,
		Key:           key,
		EstablishedAt: now,
		Generation:    1,
	})
	wrapped.Generation = 1
	wrapped.EstablishedAt = now

	c.logger.Info("client session established",
		zap.String("client_id", clientID),
		zap.String("scheme", w.Scheme()),
	)
	return wrapped, nil
}

// RotateSessionKey replaces the session key of an established client with a
// fresh one wrapped to peer. Fails with ErrSession for absent or revoked clients.
func (c *ClientEncryption) RotateSessionKey(clientID string, peer *rsa.PublicKey) (*WrappedSessionKey, error) {
	return c.RotateWith(clientID, RSAWrapper{PublicKey: peer})
}

// RotateWith rotates using any KeyWrapper.
func (c *ClientEncryption) RotateWith(clientID string, w KeyWrapper) (*WrappedSessionKey, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if _, revoked := c.revoked[clientID]; revoked {
		return nil, fmt.Errorf("%w: client %q was revoked", encryption.ErrSession, clientID)
	}
	if _, ok := c.store.Get(clientID); !ok {
		return nil, fmt.Errorf("%w: no session for client %q", encryption.ErrSession, clientID)
	}

	key, err := encryption.GenerateKey()
	if err != nil {
		return nil, err
	}
	defer encryption.SecureWipe(key)

	wrapped, err := w.Wrap(clientID, key)
	if err != nil {
		return nil, err
	}

	s, err := c.store.Rotate(clientID, key, c.now())
	if err != nil {
		return nil, err
	}
	wrapped.Generation = s.Generation
	wrapped.EstablishedAt = s.EstablishedAt

	c.logger.Info("client session rotated",
		zap.String("client_id", clientID),
		zap.Uint32("generation", s.Generation),
	)
	return wrapped, nil
}

// RevokeSession erases the client's session key. The client id cannot be used again.
func (c *ClientEncryption) RevokeSession(clientID string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.store.Delete(clientID) {
		return fmt.Errorf("%w: no session for client %q", encryption.ErrSession, clientID)
	}
	c.revoked[clientID] = c.now()

	c.logger.Info("client session revoked", zap.String("client_id", clientID))
	return nil
}

// RevokeAll revokes every live session and returns the revoked client ids.
func (c *ClientEncryption) RevokeAll() []string {
	ids := c.store.ClientIDs()
	revoked := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := c.RevokeSession(id); err == nil {
			revoked = append(revoked, id)
		}
	}
	return revoked
}

// IsRevoked reports whether clientID was revoked.
func (c *ClientEncryption) IsRevoked(clientID string) bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	_, ok := c.revoked[clientID]
	return ok
}

// HasSession reports whether clientID has a live session.
func (c *ClientEncryption) HasSession(clientID string) bool {
	_, ok := c.store.Get(clientID)
	return ok
}

// Session returns the live session metadata without its key.
func (c *ClientEncryption) Session(clientID string) (*Session, error) {
	s, err := c.session(clientID)
	if err != nil {
		return nil, err
	}
	encryption.SecureWipe(s.Key)
	s.Key = nil
	return s, nil
}

// EncryptClientData seals data with the client's session key.
// Associated data is client_id || 0x00 || tenant_id, or client_id alone when
// tenantID is empty.
func (c *ClientEncryption) EncryptClientData(clientID, tenantID string, data []byte) (*encryption.Ciphertext, error) {
	s, err := c.session(clientID)
	if err != nil {
		return nil, err
	}
	defer encryption.SecureWipe(s.Key)

	cipher, err := encryption.NewCipher(s.Key, s.Generation)
	if err != nil {
		return nil, err
	}
	return cipher.Encrypt(data, clientAD(clientID, tenantID))
}

// DecryptClientData opens data sealed by EncryptClientData under the live session key.
func (c *ClientEncryption) DecryptClientData(clientID, tenantID string, ct *encryption.Ciphertext) ([]byte, error) {
	s, err := c.session(clientID)
	if err != nil {
		return nil, err
	}
	defer encryption.SecureWipe(s.Key)

	cipher, err := encryption.NewCipher(s.Key, s.Generation)
	if err != nil {
		return nil, err
	}
	return cipher.Decrypt(ct, clientAD(clientID, tenantID))
}

func (c *ClientEncryption) session(clientID string) (*Session, error) {
	s, ok := c.store.Get(clientID)
	if !ok {
		if c.IsRevoked(clientID) {
			return nil, fmt.Errorf("%w: client %q was revoked", encryption.ErrSession, clientID)
		}
		return nil, fmt.Errorf("%w: no session for client %q", encryption.ErrSession, clientID)
	}
	return s, nil
}

func clientAD(clientID, tenantID string) []byte {
	if tenantID == "" {
		return encryption.AssociatedData(clientID)
	}
	return encryption.AssociatedData(clientID, tenantID)
}
