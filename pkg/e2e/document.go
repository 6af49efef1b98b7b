package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orneryd/tenantcrypt/pkg/encryption"
	"github.com/orneryd/tenantcrypt/pkg/pool"
)

// EndToEnd seals whole documents under a client session key.
type EndToEnd struct {
	client *ClientEncryption
	now    func() time.Time
}

// NewEndToEnd creates an end-to-end document encryptor over client sessions.
func NewEndToEnd(client *ClientEncryption) *EndToEnd {
	return &EndToEnd{client: client, now: client.now}
}

// EncryptDocumentE2E JSON-encodes doc and seals it with clientID's session key.
// The result holds only the sealed payload and metadata recording tenant and client.
func (e *EndToEnd) EncryptDocumentE2E(doc map[string]any, tenantID, clientID string) (map[string]any, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", encryption.ErrInvalidDocument)
	}
	if encryption.IsEncrypted(doc) {
		return nil, fmt.Errorf("%w: document already carries %s", encryption.ErrInvalidDocument, encryption.MetadataKey)
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := json.NewEncoder(buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("e2e: encoding document: %w", err)
	}

	ct, err := e.client.EncryptClientData(clientID, tenantID, bytes.TrimRight(buf.Bytes(), "\n"))
	if err != nil {
		return nil, err
	}

	return map[string]any{
		encryption.PayloadKey: ct,
		encryption.MetadataKey: &encryption.Metadata{
			TenantID:            tenantID,
			EncryptedFieldNames: []string{},
			Timestamp:           e.now().UTC(),
			Version:             encryption.FormatVersion,
			EncryptionType:      encryption.TypeEndToEnd,
			ClientID:            clientID,
			KeyVersion:          ct.KeyVersion,
		},
	}, nil
}

// DecryptDocumentE2E reverses EncryptDocumentE2E. The recorded tenant and client
// are checked against the caller's before the session is touched.
func (e *EndToEnd) DecryptDocumentE2E(doc map[string]any, tenantID, clientID string) (map[string]any, error) {
	meta, err := encryption.MetadataFromDocument(doc)
	if err != nil {
		return nil, err
	}
	if meta.EncryptionType != encryption.TypeEndToEnd {
		return nil, fmt.Errorf("%w: expected %s document, got %s", encryption.ErrInvalidDocument, encryption.TypeEndToEnd, meta.EncryptionType)
	}
	if meta.TenantID != tenantID {
		return nil, fmt.Errorf("%w: document belongs to %q", encryption.ErrTenantMismatch, meta.TenantID)
	}
	if meta.ClientID != clientID {
		return nil, fmt.Errorf("%w: document was sealed for client %q", encryption.ErrTenantMismatch, meta.ClientID)
	}

	ct, err := encryption.ParseCiphertext(doc[encryption.PayloadKey])
	if err != nil {
		return nil, err
	}
	plaintext, err := e.client.DecryptClientData(clientID, tenantID, ct)
	if err != nil {
		return nil, err
	}
	defer encryption.SecureWipe(plaintext)

	var out map[string]any
	if err := encryption.DecodeJSON(plaintext, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding document: %v", encryption.ErrInvalidDocument, err)
	}
	return out, nil
}
