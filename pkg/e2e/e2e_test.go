package e2e

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/tenantcrypt/pkg/encryption"
)

var (
	keyOnce sync.Once
	keyPriv *rsa.PrivateKey
	keyPub  *rsa.PublicKey
	keyErr  error
)

// clientKeypair generates one 4096-bit keypair for the whole package.
func clientKeypair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	keyOnce.Do(func() {
		keyPriv, keyPub, keyErr = GenerateClientKeypair()
	})
	require.NoError(t, keyErr)
	return keyPriv, keyPub
}

// =============================================================================
// Session store
// =============================================================================

func TestMemorySessionStore(t *testing.T) {
	store := NewMemorySessionStore()
	key := bytes.Repeat([]byte{0x5a}, encryption.KeySize)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	store.Put(&Session{ClientID: "client-1", Key: key, EstablishedAt: now, Generation: 1})
	assert.Equal(t, bytes.Repeat([]byte{0x5a}, encryption.KeySize), key, "caller's key is not consumed")

	t.Run("get_returns_independent_copy", func(t *testing.T) {
		s, ok := store.Get("client-1")
		require.True(t, ok)
		assert.Equal(t, key, s.Key)
		encryption.SecureWipe(s.Key)

		again, ok := store.Get("client-1")
		require.True(t, ok)
		assert.Equal(t, key, again.Key)
	})

	t.Run("rotate_replaces_key", func(t *testing.T) {
		next := bytes.Repeat([]byte{0x33}, encryption.KeySize)
		s, err := store.Rotate("client-1", next, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, uint32(2), s.Generation)

		got, ok := store.Get("client-1")
		require.True(t, ok)
		assert.Equal(t, next, got.Key)
		assert.Equal(t, now.Add(time.Hour), got.RotatedAt)
		assert.Equal(t, now, got.EstablishedAt)
	})

	t.Run("rotate_unknown_client", func(t *testing.T) {
		_, err := store.Rotate("nobody", key, now)
		assert.ErrorIs(t, err, encryption.ErrSession)
	})

	t.Run("delete", func(t *testing.T) {
		assert.Equal(t, []string{"client-1"}, store.ClientIDs())
		assert.True(t, store.Delete("client-1"))
		assert.False(t, store.Delete("client-1"))
		_, ok := store.Get("client-1")
		assert.False(t, ok)
		assert.Equal(t, 0, store.Len())
	})
}

// =============================================================================
// Keys
// =============================================================================

func TestGenerateClientKeypair(t *testing.T) {
	priv, pub := clientKeypair(t)
	assert.Equal(t, ClientKeyBits, pub.N.BitLen())
	assert.Equal(t, &priv.PublicKey, pub)
}

func TestPEMRoundTrip(t *testing.T) {
	priv, pub := clientKeypair(t)

	pubPEM, err := EncodePublicKeyPEM(pub)
	require.NoError(t, err)
	parsedPub, err := ParsePublicKeyPEM(pubPEM)
	require.NoError(t, err)
	assert.True(t, pub.Equal(parsedPub))

	privPEM, err := EncodePrivateKeyPEM(priv)
	require.NoError(t, err)
	parsedPriv, err := ParsePrivateKeyPEM(privPEM)
	require.NoError(t, err)
	assert.True(t, priv.Equal(parsedPriv))

	_, err = ParsePublicKeyPEM([]byte("not pem"))
	assert.ErrorIs(t, err, ErrInvalidKeyPEM)
	_, err = ParsePrivateKeyPEM(pubPEM)
	assert.ErrorIs(t, err, ErrInvalidKeyPEM)
}

// =============================================================================
// Session lifecycle
// =============================================================================

func TestEstablishSecureSession(t *testing.T) {
	priv, pub := clientKeypair(t)
	ce := NewClientEncryption(nil)

	wrapped, err := ce.EstablishSecureSession("client-1", pub)
	require.NoError(t, err)
	assert.Equal(t, SchemeRSAOAEP, wrapped.Scheme)
	assert.Equal(t, uint32(1), wrapped.Generation)
	assert.True(t, ce.HasSession("client-1"))

	key, err := UnwrapSessionKey(priv, wrapped)
	require.NoError(t, err)
	assert.Len(t, key, encryption.KeySize)

	t.Run("client_side_key_opens_server_ciphertext", func(t *testing.T) {
		ct, err := ce.EncryptClientData("client-1", "tenant-a", []byte("hello"))
		require.NoError(t, err)

		c, err := encryption.NewCipher(key, ct.KeyVersion)
		require.NoError(t, err)
		pt, err := c.Decrypt(ct, encryption.AssociatedData("client-1", "tenant-a"))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(pt))
	})

	t.Run("duplicate_establish_refused", func(t *testing.T) {
		_, err := ce.EstablishSecureSession("client-1", pub)
		assert.ErrorIs(t, err, encryption.ErrSession)
	})

	t.Run("missing_peer_key", func(t *testing.T) {
		_, err := ce.EstablishSecureSession("client-2", nil)
		assert.ErrorIs(t, err, encryption.ErrSession)
		assert.False(t, ce.HasSession("client-2"))
	})

	t.Run("empty_client_id", func(t *testing.T) {
		_, err := ce.EstablishSecureSession("", pub)
		assert.ErrorIs(t, err, encryption.ErrSession)
	})

	t.Run("tampered_wrapped_key", func(t *testing.T) {
		bad := *wrapped
		bad.WrappedKey = append([]byte(nil), wrapped.WrappedKey...)
		bad.WrappedKey[10] ^= 0xff
		_, err := UnwrapSessionKey(priv, &bad)
		assert.ErrorIs(t, err, encryption.ErrAuthenticationFailed)
	})
}

func TestClientData_AssociatedData(t *testing.T) {
	_, pub := clientKeypair(t)
	ce := NewClientEncryption(nil)
	_, err := ce.EstablishSecureSession("client-1", pub)
	require.NoError(t, err)

	ct, err := ce.EncryptClientData("client-1", "tenant-a", []byte("data"))
	require.NoError(t, err)

	pt, err := ce.DecryptClientData("client-1", "tenant-a", ct)
	require.NoError(t, err)
	assert.Equal(t, "data", string(pt))

	_, err = ce.DecryptClientData("client-1", "tenant-b", ct)
	assert.ErrorIs(t, err, encryption.ErrAuthenticationFailed)

	_, err = ce.DecryptClientData("client-1", "", ct)
	assert.ErrorIs(t, err, encryption.ErrAuthenticationFailed)

	noTenant, err := ce.EncryptClientData("client-1", "", []byte("x"))
	require.NoError(t, err)
	pt, err = ce.DecryptClientData("client-1", "", noTenant)
	require.NoError(t, err)
	assert.Equal(t, "x", string(pt))
}

func TestRotateSessionKey(t *testing.T) {
	priv, pub := clientKeypair(t)
	ce := NewClientEncryption(nil)
	first, err := ce.EstablishSecureSession("client-1", pub)
	require.NoError(t, err)

	before, err := ce.EncryptClientData("client-1", "tenant-a", []byte("pre-rotation"))
	require.NoError(t, err)

	rotated, err := ce.RotateSessionKey("client-1", pub)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), rotated.Generation)

	k1, err := UnwrapSessionKey(priv, first)
	require.NoError(t, err)
	k2, err := UnwrapSessionKey(priv, rotated)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	_, err = ce.DecryptClientData("client-1", "tenant-a", before)
	assert.ErrorIs(t, err, encryption.ErrAuthenticationFailed, "pre-rotation data must not open under the live session")

	after, err := ce.EncryptClientData("client-1", "tenant-a", []byte("post"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), after.KeyVersion)
	pt, err := ce.DecryptClientData("client-1", "tenant-a", after)
	require.NoError(t, err)
	assert.Equal(t, "post", string(pt))

	s, err := ce.Session("client-1")
	require.NoError(t, err)
	assert.Nil(t, s.Key)
	assert.Equal(t, uint32(2), s.Generation)
	assert.False(t, s.RotatedAt.IsZero())

	t.Run("absent_client", func(t *testing.T) {
		_, err := ce.RotateSessionKey("nobody", pub)
		assert.ErrorIs(t, err, encryption.ErrSession)
	})
}

func TestRevokeSession(t *testing.T) {
	_, pub := clientKeypair(t)
	ce := NewClientEncryption(nil)
	_, err := ce.EstablishSecureSession("client-1", pub)
	require.NoError(t, err)

	ct, err := ce.EncryptClientData("client-1", "", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, ce.RevokeSession("client-1"))
	assert.True(t, ce.IsRevoked("client-1"))
	assert.Equal(t, 0, ce.Store().Len())

	_, err = ce.EncryptClientData("client-1", "", []byte("x"))
	assert.ErrorIs(t, err, encryption.ErrSession)
	_, err = ce.DecryptClientData("client-1", "", ct)
	assert.ErrorIs(t, err, encryption.ErrSession)
	_, err = ce.RotateSessionKey("client-1", pub)
	assert.ErrorIs(t, err, encryption.ErrSession)
	_, err = ce.EstablishSecureSession("client-1", pub)
	assert.ErrorIs(t, err, encryption.ErrSession, "revocation is terminal")
	assert.ErrorIs(t, ce.RevokeSession("client-1"), encryption.ErrSession)
}

func TestRevokeAll(t *testing.T) {
	_, pub := clientKeypair(t)
	ce := NewClientEncryption(nil)
	for _, id := range []string{"b", "a", "c"} {
		_, err := ce.EstablishSecureSession(id, pub)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"a", "b", "c"}, ce.RevokeAll())
	assert.Equal(t, 0, ce.Store().Len())
}

func TestClientEncryption_Concurrent(t *testing.T) {
	_, pub := clientKeypair(t)
	ce := NewClientEncryption(nil)
	_, err := ce.EstablishSecureSession("client-1", pub)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ct, err := ce.EncryptClientData("client-1", "t", []byte("x"))
			if !assert.NoError(t, err) {
				return
			}
			_, err = ce.DecryptClientData("client-1", "t", ct)
			// a concurrent rotation may invalidate ct
			if err != nil {
				assert.ErrorIs(t, err, encryption.ErrAuthenticationFailed)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := ce.RotateSessionKey("client-1", pub)
		assert.NoError(t, err)
	}()
	wg.Wait()
}

// =============================================================================
// ML-KEM wrapping
// =============================================================================

func TestMLKEMWrapper(t *testing.T) {
	pk, sk, err := GenerateMLKEMKeypair()
	require.NoError(t, err)

	ce := NewClientEncryption(nil)
	wrapped, err := ce.EstablishWith("pq-client", MLKEMWrapper{PublicKey: pk})
	require.NoError(t, err)
	assert.Equal(t, SchemeMLKEM, wrapped.Scheme)
	assert.NotEmpty(t, wrapped.EncapsulatedKey)

	key, err := UnwrapSessionKeyMLKEM(sk, wrapped)
	require.NoError(t, err)

	ct, err := ce.EncryptClientData("pq-client", "tenant-a", []byte("quantum safe"))
	require.NoError(t, err)
	c, err := encryption.NewCipher(key, 1)
	require.NoError(t, err)
	pt, err := c.Decrypt(ct, encryption.AssociatedData("pq-client", "tenant-a"))
	require.NoError(t, err)
	assert.Equal(t, "quantum safe", string(pt))

	t.Run("client_id_bound", func(t *testing.T) {
		bad := *wrapped
		bad.ClientID = "other"
		_, err := UnwrapSessionKeyMLKEM(sk, &bad)
		assert.ErrorIs(t, err, encryption.ErrAuthenticationFailed)
	})

	t.Run("wrong_scheme", func(t *testing.T) {
		priv, _ := clientKeypair(t)
		_, err := UnwrapSessionKey(priv, wrapped)
		assert.ErrorIs(t, err, encryption.ErrInvalidCiphertext)
	})

	t.Run("rotate_with_mlkem", func(t *testing.T) {
		next, err := ce.RotateWith("pq-client", MLKEMWrapper{PublicKey: pk})
		require.NoError(t, err)
		assert.Equal(t, uint32(2), next.Generation)
		k2, err := UnwrapSessionKeyMLKEM(sk, next)
		require.NoError(t, err)
		assert.NotEqual(t, key, k2)
	})

	t.Run("short_public_key", func(t *testing.T) {
		_, err := ce.EstablishWith("pq-2", MLKEMWrapper{PublicKey: []byte("short")})
		assert.ErrorIs(t, err, encryption.ErrSession)
	})
}

// =============================================================================
// End-to-end documents
// =============================================================================

func TestEndToEnd_RoundTrip(t *testing.T) {
	_, pub := clientKeypair(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ce := NewClientEncryption(nil, WithClock(func() time.Time { return fixed }))
	_, err := ce.EstablishSecureSession("client-1", pub)
	require.NoError(t, err)
	e2e := NewEndToEnd(ce)

	doc := map[string]any{
		"patient": "Jane",
		"score":   json.Number("7"),
		"tags":    []any{"a", "b"},
	}
	sealed, err := e2e.EncryptDocumentE2E(doc, "tenant-a", "client-1")
	require.NoError(t, err)

	assert.NotContains(t, sealed, "patient")
	meta, err := encryption.MetadataFromDocument(sealed)
	require.NoError(t, err)
	assert.Equal(t, encryption.TypeEndToEnd, meta.EncryptionType)
	assert.Equal(t, "client-1", meta.ClientID)
	assert.Equal(t, fixed, meta.Timestamp)

	back, err := e2e.DecryptDocumentE2E(sealed, "tenant-a", "client-1")
	require.NoError(t, err)
	assert.Equal(t, doc, back)

	t.Run("after_json", func(t *testing.T) {
		data, err := json.Marshal(sealed)
		require.NoError(t, err)
		var reloaded map[string]any
		require.NoError(t, json.Unmarshal(data, &reloaded))

		back, err := e2e.DecryptDocumentE2E(reloaded, "tenant-a", "client-1")
		require.NoError(t, err)
		assert.Equal(t, doc, back)
	})

	t.Run("wrong_tenant", func(t *testing.T) {
		_, err := e2e.DecryptDocumentE2E(sealed, "tenant-b", "client-1")
		assert.ErrorIs(t, err, encryption.ErrTenantMismatch)
	})

	t.Run("wrong_client", func(t *testing.T) {
		_, err := e2e.DecryptDocumentE2E(sealed, "tenant-a", "client-2")
		assert.ErrorIs(t, err, encryption.ErrTenantMismatch)
	})

	t.Run("forged_tenant_in_metadata", func(t *testing.T) {
		forged := map[string]any{
			encryption.PayloadKey: sealed[encryption.PayloadKey],
			encryption.MetadataKey: &encryption.Metadata{
				TenantID:       "tenant-b",
				ClientID:       "client-1",
				EncryptionType: encryption.TypeEndToEnd,
			},
		}
		_, err := e2e.DecryptDocumentE2E(forged, "tenant-b", "client-1")
		assert.ErrorIs(t, err, encryption.ErrAuthenticationFailed)
	})

	t.Run("revoked_session", func(t *testing.T) {
		require.NoError(t, ce.RevokeSession("client-1"))
		_, err := e2e.DecryptDocumentE2E(sealed, "tenant-a", "client-1")
		assert.ErrorIs(t, err, encryption.ErrSession)
		_, err = e2e.EncryptDocumentE2E(doc, "tenant-a", "client-1")
		assert.ErrorIs(t, err, encryption.ErrSession)
	})
}

func TestEndToEnd_InvalidDocuments(t *testing.T) {
	e2e := NewEndToEnd(NewClientEncryption(nil))

	_, err := e2e.EncryptDocumentE2E(nil, "t", "c")
	assert.ErrorIs(t, err, encryption.ErrInvalidDocument)

	_, err = e2e.DecryptDocumentE2E(map[string]any{"x": 1}, "t", "c")
	assert.ErrorIs(t, err, encryption.ErrInvalidDocument)

	fieldLevel := map[string]any{encryption.MetadataKey: &encryption.Metadata{TenantID: "t", EncryptionType: encryption.TypeFieldLevel}}
	_, err = e2e.DecryptDocumentE2E(fieldLevel, "t", "c")
	assert.ErrorIs(t, err, encryption.ErrInvalidDocument)

	noPayload := map[string]any{encryption.MetadataKey: &encryption.Metadata{TenantID: "t", ClientID: "c", EncryptionType: encryption.TypeEndToEnd}}
	_, err = e2e.DecryptDocumentE2E(noPayload, "t", "c")
	assert.ErrorIs(t, err, encryption.ErrInvalidDocument)
}

func TestEndToEnd_LargeIntegers(t *testing.T) {
	_, pub := clientKeypair(t)
	ce := NewClientEncryption(nil)
	_, err := ce.EstablishSecureSession("client-1", pub)
	require.NoError(t, err)
	e2e := NewEndToEnd(ce)

	sealed, err := e2e.EncryptDocumentE2E(map[string]any{"account_number": int64(9007199254740993)}, "tenant-a", "client-1")
	require.NoError(t, err)
	back, err := e2e.DecryptDocumentE2E(sealed, "tenant-a", "client-1")
	require.NoError(t, err)

	n, ok := back["account_number"].(json.Number)
	require.True(t, ok, "numbers decode as json.Number, got %T", back["account_number"])
	v, err := n.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), v)
}
