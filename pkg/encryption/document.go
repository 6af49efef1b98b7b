package encryption

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MetadataKey is the document key holding the encryption metadata.
const MetadataKey = "encryption_metadata"

// PayloadKey holds the sealed body of document-level and end-to-end documents.
const PayloadKey = "encrypted_payload"

// FormatVersion is the encrypted document format written by this package.
const FormatVersion = "1.0"

// EncryptionType identifies which engine sealed a document.
type EncryptionType string

const (
	TypeFieldLevel    EncryptionType = "field_level"
	TypeDocumentLevel EncryptionType = "document_level"
	TypeEndToEnd      EncryptionType = "end_to_end"
)

// Metadata is attached to every encrypted document and drives decryption.
type Metadata struct {
	TenantID            string         `json:"tenant_id" yaml:"tenant_id"`
	EncryptedFieldNames []string       `json:"encrypted_field_names" yaml:"encrypted_field_names"`
	Timestamp           time.Time      `json:"timestamp" yaml:"timestamp"`
	Version             string         `json:"version" yaml:"version"`
	EncryptionType      EncryptionType `json:"encryption_type" yaml:"encryption_type"`
	Policy              string         `json:"policy,omitempty" yaml:"policy,omitempty"`
	ClientID            string         `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	KeyVersion          uint32         `json:"key_version,omitempty" yaml:"key_version,omitempty"`
}

// MetadataFromDocument extracts the metadata of an encrypted document.
//
// The metadata may be an in-memory *Metadata or the map form produced by a
// JSON round trip. Missing or malformed metadata yields ErrInvalidDocument.
// For the in-memory form the returned pointer is the one stored in doc.
func MetadataFromDocument(doc map[string]any) (*Metadata, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	raw, ok := doc[MetadataKey]
	if !ok || raw == nil {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidDocument, MetadataKey)
	}

	var meta *Metadata
	switch v := raw.(type) {
	case *Metadata:
		// defaults below must not leak into the caller's document
		cp := *v
		meta = &cp
	case Metadata:
		meta = &v
	default:
		meta = &Metadata{}
		if err := DecodeInto(raw, meta); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDocument, MetadataKey, err)
		}
	}

	if meta.TenantID == "" {
		return nil, fmt.Errorf("%w: metadata has no tenant_id", ErrInvalidDocument)
	}
	if meta.EncryptionType == "" {
		meta.EncryptionType = TypeFieldLevel
	}
	return meta, nil
}

// IsEncrypted reports whether doc carries encryption metadata.
func IsEncrypted(doc map[string]any) bool {
	_, ok := doc[MetadataKey]
	return ok
}

// DecodeInto converts a generic value (typically from JSON-decoded input) into
// a typed struct by re-encoding it.
func DecodeInto(raw any, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// DecodeJSON unmarshals a decrypted plaintext. Numbers are kept as json.Number
// so integers beyond 2^53 survive with every digit.
func DecodeJSON(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

// ParseCiphertext accepts a *Ciphertext, a Ciphertext or its JSON-decoded map form.
func ParseCiphertext(raw any) (*Ciphertext, error) {
	var ct *Ciphertext
	switch v := raw.(type) {
	case *Ciphertext:
		ct = v
	case Ciphertext:
		ct = &v
	case nil:
		return nil, fmt.Errorf("%w: missing payload", ErrInvalidDocument)
	default:
		ct = &Ciphertext{}
		if err := DecodeInto(raw, ct); err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrInvalidDocument, err)
		}
	}
	if err := ct.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return ct, nil
}
