package manager

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/orneryd/tenantcrypt/pkg/e2e"
	"github.com/orneryd/tenantcrypt/pkg/encryption"
	"github.com/orneryd/tenantcrypt/pkg/fieldenc"
	"github.com/orneryd/tenantcrypt/pkg/perf"
	"github.com/orneryd/tenantcrypt/pkg/policy"
	"github.com/orneryd/tenantcrypt/pkg/pool"
	"github.com/orneryd/tenantcrypt/pkg/search"
)

// ClientContext identifies the client of an end-to-end operation.
//
// When the client has no live session and PublicKey or Wrapper is set, one is
// established first and the wrapped key is returned in Established.
type ClientContext struct {
	ClientID  string
	PublicKey *rsa.PublicKey
	Wrapper   e2e.KeyWrapper

	Established *e2e.WrappedSessionKey
}

func (c *ClientContext) wrapper() e2e.KeyWrapper {
	if c.Wrapper != nil {
		return c.Wrapper
	}
	if c.PublicKey != nil {
		return e2e.RSAWrapper{PublicKey: c.PublicKey}
	}
	return nil
}

// ResolveMode returns the mode EncryptDocument would use for doc. In auto
// mode a client context selects end-to-end; otherwise the resolved policy's
// granularity decides.
func (m *Manager) ResolveMode(doc map[string]any, mode Mode, client *ClientContext) (Mode, *policy.Policy) {
	pol := m.selector.PolicyForDocument(doc)
	if mode == "" {
		mode = m.cfg.DefaultMode
	}
	if mode != ModeAuto {
		return mode, pol
	}
	switch {
	case client != nil:
		return ModeEndToEnd, pol
	case pol == nil || pol.Granularity == policy.DocumentLevel:
		return ModeDocumentLevel, pol
	default:
		return ModeFieldLevel, pol
	}
}

// auditRequired reports whether the named policy mandates audit logging.
// Unknown names, or a selector that cannot look policies up, do not.
func (m *Manager) auditRequired(name string) bool {
	lookup, ok := m.selector.(interface {
		Get(name string) (*policy.Policy, error)
	})
	if !ok || name == "" {
		return false
	}
	p, err := lookup.Get(name)
	return err == nil && p.AuditRequired
}

// EncryptDocument encrypts doc in the given mode. The input is not modified.
func (m *Manager) EncryptDocument(ctx context.Context, doc map[string]any, mode Mode, client *ClientContext) (map[string]any, error) {
	resolved, pol := m.ResolveMode(doc, mode, client)
	details := map[string]any{"mode": string(resolved)}
	if pol != nil {
		details["policy"] = pol.Name
	}
	if client != nil {
		details["client_id"] = client.ClientID
	}

	var out map[string]any
	required := pol != nil && pol.AuditRequired
	err := m.runAudited(ctx, "encrypt_document", perf.OpEncryption, details, required, func() (int, error) {
		var (
			size int
			err  error
		)
		switch resolved {
		case ModeFieldLevel:
			out, size, err = m.encryptFields(doc, pol)
		case ModeDocumentLevel:
			out, size, err = m.encryptWhole(ctx, doc)
		case ModeEndToEnd:
			out, size, err = m.encryptE2E(doc, client)
		default:
			err = fmt.Errorf("unknown encryption mode %q", resolved)
		}
		if err != nil {
			return size, err
		}
		if pol != nil {
			meta, err := encryption.MetadataFromDocument(out)
			if err != nil {
				return size, err
			}
			meta.Policy = pol.Name
			out[encryption.MetadataKey] = meta
		}
		return size, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) encryptFields(doc map[string]any, pol *policy.Policy) (map[string]any, int, error) {
	var extra []string
	if pol != nil {
		extra = pol.RequiredFields
	}
	out, err := m.fields.EncryptDocument(doc, m.tenant, extra)
	if err != nil {
		return nil, 0, err
	}

	meta, err := encryption.MetadataFromDocument(out)
	if err != nil {
		return nil, 0, err
	}
	size := 0
	for _, name := range meta.EncryptedFieldNames {
		if f, ok := out[name].(*fieldenc.EncryptedField); ok {
			size += f.Payload.Size()
		}
	}
	return out, size, nil
}

// encryptWhole seals the JSON encoding of doc under the tenant key. Large
// payloads are sealed on the worker pool.
func (m *Manager) encryptWhole(ctx context.Context, doc map[string]any) (map[string]any, int, error) {
	if doc == nil {
		return nil, 0, fmt.Errorf("%w: nil document", encryption.ErrInvalidDocument)
	}
	if encryption.IsEncrypted(doc) {
		return nil, 0, fmt.Errorf("%w: document already carries %s", encryption.ErrInvalidDocument, encryption.MetadataKey)
	}

	cipher, err := m.tenant.Cipher()
	if err != nil {
		return nil, 0, err
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := json.NewEncoder(buf).Encode(doc); err != nil {
		return nil, 0, fmt.Errorf("encoding document: %w", err)
	}
	payload := bytes.TrimRight(buf.Bytes(), "\n")
	ad := encryption.AssociatedData(m.tenant.TenantID(), documentAD)

	var ct *encryption.Ciphertext
	seal := func(context.Context) error {
		var err error
		ct, err = cipher.Encrypt(payload, ad)
		return err
	}
	if len(payload) > m.cfg.LargeDocumentBytes {
		m.logger.Debug("sealing large document on worker pool", zap.Int("bytes", len(payload)))
		err = m.workers.Do(ctx, "seal-document", seal)
	} else {
		err = seal(ctx)
	}
	if err != nil {
		return nil, 0, err
	}

	return map[string]any{
		encryption.PayloadKey: ct,
		encryption.MetadataKey: &encryption.Metadata{
			TenantID:            m.tenant.TenantID(),
			EncryptedFieldNames: []string{},
			Timestamp:           m.now().UTC(),
			Version:             encryption.FormatVersion,
			EncryptionType:      encryption.TypeDocumentLevel,
			KeyVersion:          ct.KeyVersion,
		},
	}, len(payload), nil
}

func (m *Manager) encryptE2E(doc map[string]any, client *ClientContext) (map[string]any, int, error) {
	if client == nil || client.ClientID == "" {
		return nil, 0, fmt.Errorf("%w: end-to-end encryption requires a client id", encryption.ErrSession)
	}
	if !m.client.HasSession(client.ClientID) {
		if w := client.wrapper(); w != nil {
			wrapped, err := m.client.EstablishWith(client.ClientID, w)
			if err != nil {
				return nil, 0, err
			}
			client.Established = wrapped
			m.auditLog("session_established", map[string]any{"client_id": client.ClientID, "scheme": wrapped.Scheme})
		}
	}

	out, err := m.e2e.EncryptDocumentE2E(doc, m.tenant.TenantID(), client.ClientID)
	if err != nil {
		return nil, 0, err
	}
	ct, _ := out[encryption.PayloadKey].(*encryption.Ciphertext)
	return out, ct.Size(), nil
}

// DecryptDocument restores an encrypted document, dispatching on the
// encryption type recorded in its metadata. clientID is required for
// end-to-end documents only.
func (m *Manager) DecryptDocument(ctx context.Context, doc map[string]any, clientID string) (map[string]any, error) {
	details := map[string]any{}
	if clientID != "" {
		details["client_id"] = clientID
	}

	required := false
	if meta, err := encryption.MetadataFromDocument(doc); err == nil && meta.Policy != "" {
		details["policy"] = meta.Policy
		required = m.auditRequired(meta.Policy)
	}

	var out map[string]any
	err := m.runAudited(ctx, "decrypt_document", perf.OpDecryption, details, required, func() (int, error) {
		meta, err := encryption.MetadataFromDocument(doc)
		if err != nil {
			return 0, err
		}
		details["encryption_type"] = string(meta.EncryptionType)

		switch meta.EncryptionType {
		case encryption.TypeFieldLevel:
			out, err = m.fields.DecryptDocument(doc, m.tenant)
			return len(meta.EncryptedFieldNames), err
		case encryption.TypeDocumentLevel:
			var size int
			out, size, err = m.decryptWhole(doc, meta)
			return size, err
		case encryption.TypeEndToEnd:
			if clientID == "" {
				return 0, fmt.Errorf("%w: end-to-end document requires a client id", encryption.ErrSession)
			}
			out, err = m.e2e.DecryptDocumentE2E(doc, m.tenant.TenantID(), clientID)
			return 0, err
		default:
			return 0, fmt.Errorf("%w: unknown encryption type %q", encryption.ErrInvalidDocument, meta.EncryptionType)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) decryptWhole(doc map[string]any, meta *encryption.Metadata) (map[string]any, int, error) {
	if meta.TenantID != m.tenant.TenantID() {
		return nil, 0, fmt.Errorf("%w: document belongs to %q", encryption.ErrTenantMismatch, meta.TenantID)
	}
	ct, err := encryption.ParseCiphertext(doc[encryption.PayloadKey])
	if err != nil {
		return nil, 0, err
	}
	version := ct.KeyVersion
	if version == 0 {
		version = meta.KeyVersion
	}
	cipher, err := m.tenant.CipherFor(version)
	if err != nil {
		return nil, 0, err
	}

	plaintext, err := cipher.Decrypt(ct, encryption.AssociatedData(m.tenant.TenantID(), documentAD))
	if err != nil {
		return nil, 0, err
	}
	defer encryption.SecureWipe(plaintext)

	var out map[string]any
	if err := encryption.DecodeJSON(plaintext, &out); err != nil {
		return nil, 0, fmt.Errorf("%w: decoding payload: %v", encryption.ErrInvalidDocument, err)
	}
	return out, len(plaintext), nil
}

// SearchEncryptedDocuments returns the documents of corpus whose searchable
// fields contain query, without decrypting anything. Queries that produce no
// token (shorter than the minimum token length) match nothing.
func (m *Manager) SearchEncryptedDocuments(ctx context.Context, query string, corpus []map[string]any) ([]map[string]any, error) {
	details := map[string]any{"corpus_size": len(corpus)}

	var matches []map[string]any
	err := m.run(ctx, "search_documents", perf.OpSearch, details, func() (int, error) {
		token, ok := m.index.CreateSearchToken(strings.TrimSpace(query))
		if !ok {
			matches = make([]map[string]any, 0)
			return 0, nil
		}
		matches = search.Filter(corpus, m.tenant.TenantID(), token)
		details["matches"] = len(matches)
		return len(corpus), nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}
