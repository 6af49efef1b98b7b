package manager

import (
	"context"
	"crypto/rsa"

	"go.uber.org/zap"

	"github.com/orneryd/tenantcrypt/pkg/e2e"
	"github.com/orneryd/tenantcrypt/pkg/perf"
)

// GenerateClientKeypair produces a 4096-bit RSA keypair for a client.
func (m *Manager) GenerateClientKeypair(ctx context.Context) (priv *rsa.PrivateKey, pub *rsa.PublicKey, err error) {
	err = m.run(ctx, "generate_keypair", perf.OpKeyOperation, nil, func() (int, error) {
		priv, pub, err = e2e.GenerateClientKeypair()
		if err != nil {
			return 0, err
		}
		return pub.Size(), nil
	})
	return priv, pub, err
}

// EstablishSecureSession creates a session for clientID and returns its key
// wrapped with RSA-OAEP under peer.
func (m *Manager) EstablishSecureSession(ctx context.Context, clientID string, peer *rsa.PublicKey) (*e2e.WrappedSessionKey, error) {
	return m.EstablishSecureSessionWith(ctx, clientID, e2e.RSAWrapper{PublicKey: peer})
}

// EstablishSecureSessionWith is EstablishSecureSession with any key wrapper.
func (m *Manager) EstablishSecureSessionWith(ctx context.Context, clientID string, w e2e.KeyWrapper) (*e2e.WrappedSessionKey, error) {
	var wrapped *e2e.WrappedSessionKey
	err := m.run(ctx, "establish_session", perf.OpKeyOperation, sessionDetails(clientID, w), func() (int, error) {
		var err error
		wrapped, err = m.client.EstablishWith(clientID, w)
		if err != nil {
			return 0, err
		}
		return len(wrapped.WrappedKey), nil
	})
	return wrapped, err
}

// RotateSession replaces clientID's session key. Data sealed under the old
// key no longer decrypts through the live session.
func (m *Manager) RotateSession(ctx context.Context, clientID string, peer *rsa.PublicKey) (*e2e.WrappedSessionKey, error) {
	return m.RotateSessionWith(ctx, clientID, e2e.RSAWrapper{PublicKey: peer})
}

// RotateSessionWith is RotateSession with any key wrapper.
func (m *Manager) RotateSessionWith(ctx context.Context, clientID string, w e2e.KeyWrapper) (*e2e.WrappedSessionKey, error) {
	var wrapped *e2e.WrappedSessionKey
	err := m.run(ctx, "rotate_session", perf.OpKeyOperation, sessionDetails(clientID, w), func() (int, error) {
		var err error
		wrapped, err = m.client.RotateWith(clientID, w)
		if err != nil {
			return 0, err
		}
		return len(wrapped.WrappedKey), nil
	})
	return wrapped, err
}

// RevokeSession erases clientID's session key. Revocation is terminal.
func (m *Manager) RevokeSession(ctx context.Context, clientID string) error {
	return m.run(ctx, "revoke_session", perf.OpKeyOperation, map[string]any{"client_id": clientID}, func() (int, error) {
		return 0, m.client.RevokeSession(clientID)
	})
}

func sessionDetails(clientID string, w e2e.KeyWrapper) map[string]any {
	d := map[string]any{"client_id": clientID}
	if w != nil {
		d["scheme"] = w.Scheme()
	}
	return d
}

// RotateTenantKey advances the tenant key version. New encryptions use the new
// key; documents sealed under retained earlier versions still decrypt.
func (m *Manager) RotateTenantKey(ctx context.Context) (uint32, error) {
	details := map[string]any{"from_version": m.tenant.KeyVersion()}
	var version uint32
	err := m.run(ctx, "rotate_tenant_key", perf.OpKeyOperation, details, func() (int, error) {
		var err error
		version, err = m.tenant.Rotate()
		if err != nil {
			return 0, err
		}
		details["to_version"] = version
		return 0, nil
	})
	if err == nil {
		m.logger.Info("tenant key rotated",
			zap.Uint32("key_version", version),
			zap.String("key_fingerprint", m.tenant.Fingerprint()),
		)
	}
	return version, err
}

// KeyRotationDue reports whether the policy governing doc requires a tenant
// key rotation. A key that was never rotated is measured from its creation.
func (m *Manager) KeyRotationDue(doc map[string]any) bool {
	pol := m.selector.PolicyForDocument(doc)
	if pol == nil {
		return false
	}
	last := m.tenant.RotatedAt()
	if last.IsZero() {
		last = m.tenant.CreatedAt()
	}
	return pol.RotationDue(last, m.now())
}
