// Package fieldenc encrypts the sensitive fields of schemaless documents.
//
// Only fields named by the Taxonomy (plus any extra fields a policy requires)
// are encrypted; everything else passes through untouched. Each field is sealed
// with the tenant key and bound to its identity through associated data:
//
//	tenant_id || 0x00 || field_name
//
// so a ciphertext cannot be moved to another field or replayed under another
// tenant without failing authentication.
//
// Value encoding:
//   - string values are encrypted as raw UTF-8 (ValueType "string")
//   - any other value is JSON-encoded (ValueType "json") and restored in its
//     JSON-decoded form (numbers become float64, objects map[string]any)
//
// Example:
//
//	enc := fieldenc.NewEncryptor()
//	out, err := enc.EncryptDocument(map[string]any{
//		"email": "a@b.com",
//		"name":  "Alice",
//		"notes": "ok",
//	}, tc, nil)
//	// out["email"] and out["name"] are *EncryptedField, out["notes"] == "ok"
//
//	back, err := enc.DecryptDocument(out, tc)
package fieldenc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/tenantcrypt/pkg/encryption"
	"github.com/orneryd/tenantcrypt/pkg/pool"
	"github.com/orneryd/tenantcrypt/pkg/tenant"
)

// ValueType records how a field value was serialized before sealing.
type ValueType string

const (
	ValueString ValueType = "string"
	ValueJSON   ValueType = "json"
)

// EncryptedField replaces a sensitive value in an encrypted document.
type EncryptedField struct {
	Encrypted    bool                   `json:"encrypted"`
	Category     Category               `json:"category"`
	Payload      *encryption.Ciphertext `json:"payload"`
	SearchTokens []string               `json:"search_tokens,omitempty"`
	ValueType    ValueType              `json:"value_type"`
}

// Indexer produces search tokens for a plaintext string value.
type Indexer interface {
	CreateSearchIndex(plaintext string) []string
}

// Option configures an Encryptor.
type Option func(*Encryptor)

// WithTaxonomy replaces the default field taxonomy.
func WithTaxonomy(t Taxonomy) Option {
	return func(e *Encryptor) { e.taxonomy = t }
}

// WithIndexer attaches search tokens to encrypted string fields.
func WithIndexer(ix Indexer) Option {
	return func(e *Encryptor) { e.indexer = ix }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Encryptor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the time source for metadata timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Encryptor) { e.now = now }
}

// Encryptor performs field-level encryption. It holds no per-tenant state and
// is safe for concurrent use.
type Encryptor struct {
	taxonomy Taxonomy
	indexer  Indexer
	logger   *zap.Logger
	now      func() time.Time
}

// NewEncryptor creates a field-level encryptor with the default taxonomy.
func NewEncryptor(opts ...Option) *Encryptor {
	e := &Encryptor{
		taxonomy: DefaultTaxonomy(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Taxonomy returns the encryptor's field taxonomy.
func (e *Encryptor) Taxonomy() Taxonomy {
	return e.taxonomy
}

// SensitiveFields returns the names in doc that EncryptDocument would encrypt, sorted.
func (e *Encryptor) SensitiveFields(doc map[string]any, extraFields []string) []string {
	taxonomy := e.taxonomy.With(extraFields)
	names := make([]string, 0, len(doc))
	for name, value := range doc {
		if name == encryption.MetadataKey || value == nil {
			continue
		}
		if _, ok := taxonomy.Category(name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// EncryptDocument returns a copy of doc with every sensitive field replaced by
// an *EncryptedField and encryption metadata attached. The input is not modified.
func (e *Encryptor) EncryptDocument(doc map[string]any, tc *tenant.Context, extraFields []string) (map[string]any, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", encryption.ErrInvalidDocument)
	}
	if encryption.IsEncrypted(doc) {
		return nil, fmt.Errorf("%w: document already carries %s", encryption.ErrInvalidDocument, encryption.MetadataKey)
	}

	cipher, err := tc.Cipher()
	if err != nil {
		return nil, err
	}

	taxonomy := e.taxonomy.With(extraFields)
	names := e.SensitiveFields(doc, extraFields)

	out := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}

	for _, name := range names {
		category, _ := taxonomy.Category(name)
		field, err := e.encryptField(cipher, tc.TenantID(), name, category, doc[name])
		if err != nil {
			return nil, err
		}
		out[name] = field
	}

	out[encryption.MetadataKey] = &encryption.Metadata{
		TenantID:            tc.TenantID(),
		EncryptedFieldNames: names,
		Timestamp:           e.now().UTC(),
		Version:             encryption.FormatVersion,
		EncryptionType:      encryption.TypeFieldLevel,
		KeyVersion:          cipher.Version(),
	}

	e.logger.Debug("document fields encrypted",
		zap.String("tenant_id", tc.TenantID()),
		zap.Int("fields", len(names)),
		zap.Uint32("key_version", cipher.Version()),
	)
	return out, nil
}

func (e *Encryptor) encryptField(cipher *encryption.Cipher, tenantID, name string, category Category, value any) (*EncryptedField, error) {
	field := &EncryptedField{Encrypted: true, Category: category}
	ad := encryption.AssociatedData(tenantID, name)

	if s, ok := value.(string); ok {
		ct, err := cipher.Encrypt([]byte(s), ad)
		if err != nil {
			return nil, fmt.Errorf("fieldenc: field %q: %w", name, err)
		}
		field.Payload = ct
		field.ValueType = ValueString
		if e.indexer != nil {
			field.SearchTokens = e.indexer.CreateSearchIndex(s)
		}
		return field, nil
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := json.NewEncoder(buf).Encode(value); err != nil {
		return nil, fmt.Errorf("fieldenc: field %q: encoding value: %w", name, err)
	}
	ct, err := cipher.Encrypt(bytes.TrimRight(buf.Bytes(), "\n"), ad)
	if err != nil {
		return nil, fmt.Errorf("fieldenc: field %q: %w", name, err)
	}
	field.Payload = ct
	field.ValueType = ValueJSON
	return field, nil
}

// DecryptDocument reverses EncryptDocument.
//
// The recorded tenant is checked against tc before any decryption is attempted
// (ErrTenantMismatch). Each field is opened with the key generation recorded
// on its payload. The returned document has the metadata removed.
func (e *Encryptor) DecryptDocument(doc map[string]any, tc *tenant.Context) (map[string]any, error) {
	meta, err := encryption.MetadataFromDocument(doc)
	if err != nil {
		return nil, err
	}
	if meta.EncryptionType != encryption.TypeFieldLevel {
		return nil, fmt.Errorf("%w: expected %s document, got %s", encryption.ErrInvalidDocument, encryption.TypeFieldLevel, meta.EncryptionType)
	}
	if meta.TenantID != tc.TenantID() {
		return nil, fmt.Errorf("%w: document belongs to %q", encryption.ErrTenantMismatch, meta.TenantID)
	}

	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if k != encryption.MetadataKey {
			out[k] = v
		}
	}

	for _, name := range meta.EncryptedFieldNames {
		raw, ok := doc[name]
		if !ok {
			return nil, fmt.Errorf("%w: listed field %q is missing", encryption.ErrInvalidDocument, name)
		}
		field, err := ParseEncryptedField(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		value, err := decryptField(tc, name, field)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

func decryptField(tc *tenant.Context, name string, field *EncryptedField) (any, error) {
	cipher, err := tc.CipherFor(field.Payload.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("fieldenc: field %q: %w", name, err)
	}
	plaintext, err := cipher.Decrypt(field.Payload, encryption.AssociatedData(tc.TenantID(), name))
	if err != nil {
		return nil, fmt.Errorf("fieldenc: field %q: %w", name, err)
	}

	switch field.ValueType {
	case ValueString, "":
		return string(plaintext), nil
	case ValueJSON:
		var v any
		if err := encryption.DecodeJSON(plaintext, &v); err != nil {
			return nil, fmt.Errorf("%w: field %q: decoding value: %v", encryption.ErrInvalidDocument, name, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: field %q: unknown value type %q", encryption.ErrInvalidDocument, name, field.ValueType)
	}
}

// ParseEncryptedField accepts an *EncryptedField or its JSON-decoded map form.
func ParseEncryptedField(raw any) (*EncryptedField, error) {
	var field *EncryptedField
	switch v := raw.(type) {
	case *EncryptedField:
		field = v
	case EncryptedField:
		field = &v
	case map[string]any:
		field = &EncryptedField{}
		if err := encryption.DecodeInto(v, field); err != nil {
			return nil, fmt.Errorf("%w: %v", encryption.ErrInvalidDocument, err)
		}
	default:
		return nil, fmt.Errorf("%w: value is not an encrypted field", encryption.ErrInvalidDocument)
	}

	if !field.Encrypted {
		return nil, fmt.Errorf("%w: field not marked encrypted", encryption.ErrInvalidDocument)
	}
	if _, err := encryption.ParseCiphertext(field.Payload); err != nil {
		return nil, err
	}
	return field, nil
}
