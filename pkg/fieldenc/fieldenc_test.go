package fieldenc

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/tenantcrypt/pkg/encryption"
	"github.com/orneryd/tenantcrypt/pkg/tenant"
)

var testMaster = bytes.Repeat([]byte{0x07}, 32)

func newTenant(t *testing.T, id string) *tenant.Context {
	t.Helper()
	tc, err := tenant.Derive(testMaster, id)
	require.NoError(t, err)
	return tc
}

// jsonRoundTrip simulates a document that was stored and reloaded as JSON.
func jsonRoundTrip(t *testing.T, doc map[string]any) map[string]any {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

type upperIndexer struct{}

func (upperIndexer) CreateSearchIndex(s string) []string {
	return []string{strings.ToUpper(s)}
}

// =============================================================================
// Taxonomy
// =============================================================================

func TestTaxonomy(t *testing.T) {
	tx := DefaultTaxonomy()

	cases := map[string]Category{
		"email":       CategoryPII,
		"Name":        CategoryPII,
		"card_number": CategoryFinancial,
		"diagnosis":   CategoryMedical,
		"api_key":     CategoryBusiness,
	}
	for field, want := range cases {
		got, ok := tx.Category(field)
		require.True(t, ok, field)
		assert.Equal(t, want, got, field)
	}

	_, ok := tx.Category("notes")
	assert.False(t, ok)

	t.Run("with_extra_fields", func(t *testing.T) {
		ext := tx.With([]string{"contract_value", "email"})
		c, ok := ext.Category("contract_value")
		require.True(t, ok)
		assert.Equal(t, CategoryBusiness, c)

		c, _ = ext.Category("email")
		assert.Equal(t, CategoryPII, c, "existing classification wins")

		_, ok = tx.Category("contract_value")
		assert.False(t, ok, "With must not mutate the receiver")
	})

	assert.Contains(t, tx.Fields(), "ssn")
}

// =============================================================================
// Privacy scenario
// =============================================================================

func TestEncryptDocument_PrivacyScenario(t *testing.T) {
	tc := newTenant(t, "tenant-a")
	enc := NewEncryptor()

	doc := map[string]any{"email": "a@b.com", "name": "Alice", "notes": "ok"}
	out, err := enc.EncryptDocument(doc, tc, nil)
	require.NoError(t, err)

	for _, f := range []string{"email", "name"} {
		ef, ok := out[f].(*EncryptedField)
		require.True(t, ok, f)
		assert.True(t, ef.Encrypted)
		assert.Equal(t, CategoryPII, ef.Category)
		assert.Equal(t, ValueString, ef.ValueType)
		assert.Equal(t, encryption.Algorithm, ef.Payload.Algorithm)
	}
	assert.Equal(t, "ok", out["notes"])

	meta, err := encryption.MetadataFromDocument(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "name"}, meta.EncryptedFieldNames)
	assert.Equal(t, "tenant-a", meta.TenantID)
	assert.Equal(t, encryption.FormatVersion, meta.Version)
	assert.Equal(t, encryption.TypeFieldLevel, meta.EncryptionType)

	// input untouched
	assert.Equal(t, "a@b.com", doc["email"])
	_, hasMeta := doc[encryption.MetadataKey]
	assert.False(t, hasMeta)

	back, err := enc.DecryptDocument(out, tc)
	require.NoError(t, err)
	assert.Equal(t, doc, back)
}

// =============================================================================
// Round trip
// =============================================================================

func TestEncryptDocument_RoundTrip(t *testing.T) {
	tc := newTenant(t, "tenant-a")
	enc := NewEncryptor(WithClock(func() time.Time { return time.Unix(1700000000, 0) }))

	doc := map[string]any{
		"ssn":         "123-45-6789",
		"salary":      json.Number("98000"),
		"medications": []any{"aspirin", "ibuprofen"},
		"address":     map[string]any{"city": "Berlin", "zip": "10115"},
		"diagnosis":   "",
		"dob":         nil,
		"active":      true,
	}

	out, err := enc.EncryptDocument(doc, tc, nil)
	require.NoError(t, err)

	meta, _ := encryption.MetadataFromDocument(out)
	assert.Equal(t, []string{"address", "diagnosis", "medications", "salary", "ssn"}, meta.EncryptedFieldNames)
	assert.Nil(t, out["dob"], "nil values are not encrypted")
	assert.Equal(t, ValueJSON, out["salary"].(*EncryptedField).ValueType)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), meta.Timestamp)

	t.Run("in_memory", func(t *testing.T) {
		back, err := enc.DecryptDocument(out, tc)
		require.NoError(t, err)
		assert.Equal(t, doc, back)
	})

	t.Run("after_json", func(t *testing.T) {
		back, err := enc.DecryptDocument(jsonRoundTrip(t, out), tc)
		require.NoError(t, err)
		assert.Equal(t, doc, back)
	})
}

func TestEncryptDocument_ExtraFields(t *testing.T) {
	tc := newTenant(t, "tenant-a")
	enc := NewEncryptor()

	out, err := enc.EncryptDocument(map[string]any{"contract_value": "1M", "notes": "x"}, tc, []string{"contract_value"})
	require.NoError(t, err)

	ef, ok := out["contract_value"].(*EncryptedField)
	require.True(t, ok)
	assert.Equal(t, CategoryBusiness, ef.Category)
	assert.Equal(t, "x", out["notes"])
}

func TestEncryptDocument_SearchTokens(t *testing.T) {
	tc := newTenant(t, "tenant-a")
	enc := NewEncryptor(WithIndexer(upperIndexer{}))

	out, err := enc.EncryptDocument(map[string]any{"name": "alice", "salary": 10.0}, tc, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"ALICE"}, out["name"].(*EncryptedField).SearchTokens)
	assert.Empty(t, out["salary"].(*EncryptedField).SearchTokens, "only strings are indexed")
}

func TestEncryptDocument_Rejects(t *testing.T) {
	tc := newTenant(t, "tenant-a")
	enc := NewEncryptor()

	_, err := enc.EncryptDocument(nil, tc, nil)
	assert.ErrorIs(t, err, encryption.ErrInvalidDocument)

	out, err := enc.EncryptDocument(map[string]any{"email": "x@y.z"}, tc, nil)
	require.NoError(t, err)
	_, err = enc.EncryptDocument(out, tc, nil)
	assert.ErrorIs(t, err, encryption.ErrInvalidDocument)

	_, err = enc.EncryptDocument(map[string]any{"email": func() {}}, tc, nil)
	assert.Error(t, err)
}

// =============================================================================
// Isolation and tampering
// =============================================================================

func TestDecryptDocument_TenantMismatch(t *testing.T) {
	a := newTenant(t, "tenant-a")
	b := newTenant(t, "tenant-b")
	enc := NewEncryptor()

	out, err := enc.EncryptDocument(map[string]any{"ssn": "123-45-6789"}, a, nil)
	require.NoError(t, err)

	_, err = enc.DecryptDocument(out, b)
	assert.ErrorIs(t, err, encryption.ErrTenantMismatch)

	t.Run("forged_tenant_fails_authentication", func(t *testing.T) {
		forged := jsonRoundTrip(t, out)
		forged[encryption.MetadataKey].(map[string]any)["tenant_id"] = "tenant-b"

		_, err := enc.DecryptDocument(forged, b)
		assert.ErrorIs(t, err, encryption.ErrAuthenticationFailed)
	})
}

func TestDecryptDocument_Tampering(t *testing.T) {
	tc := newTenant(t, "tenant-a")
	enc := NewEncryptor()

	out, err := enc.EncryptDocument(map[string]any{"email": "a@b.com", "name": "Alice"}, tc, nil)
	require.NoError(t, err)

	t.Run("swapped_fields", func(t *testing.T) {
		swapped := jsonRoundTrip(t, out)
		swapped["email"], swapped["name"] = swapped["name"], swapped["email"]
		_, err := enc.DecryptDocument(swapped, tc)
		assert.ErrorIs(t, err, encryption.ErrAuthenticationFailed)
	})

	t.Run("flipped_ciphertext_bit", func(t *testing.T) {
		bad := make(map[string]any, len(out))
		for k, v := range out {
			bad[k] = v
		}
		ef := *out["email"].(*EncryptedField)
		ef.Payload = ef.Payload.Clone()
		ef.Payload.Ciphertext[0] ^= 0x01
		bad["email"] = &ef

		_, err := enc.DecryptDocument(bad, tc)
		assert.ErrorIs(t, err, encryption.ErrAuthenticationFailed)
	})

	t.Run("missing_metadata", func(t *testing.T) {
		_, err := enc.DecryptDocument(map[string]any{"email": out["email"]}, tc)
		assert.ErrorIs(t, err, encryption.ErrInvalidDocument)
	})

	t.Run("listed_field_missing", func(t *testing.T) {
		partial := jsonRoundTrip(t, out)
		delete(partial, "name")
		_, err := enc.DecryptDocument(partial, tc)
		assert.ErrorIs(t, err, encryption.ErrInvalidDocument)
	})

	t.Run("plaintext_in_listed_field", func(t *testing.T) {
		bad := jsonRoundTrip(t, out)
		bad["email"] = "a@b.com"
		_, err := enc.DecryptDocument(bad, tc)
		assert.ErrorIs(t, err, encryption.ErrInvalidDocument)
	})
}

func TestDecryptDocument_AfterRotation(t *testing.T) {
	tc := newTenant(t, "tenant-a")
	enc := NewEncryptor()

	before, err := enc.EncryptDocument(map[string]any{"ssn": "111"}, tc, nil)
	require.NoError(t, err)

	_, err = tc.Rotate()
	require.NoError(t, err)

	after, err := enc.EncryptDocument(map[string]any{"ssn": "222"}, tc, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), after["ssn"].(*EncryptedField).Payload.KeyVersion)

	for doc, want := range map[*map[string]any]string{&before: "111", &after: "222"} {
		back, err := enc.DecryptDocument(*doc, tc)
		require.NoError(t, err)
		assert.Equal(t, want, back["ssn"])
	}
}

func TestParseEncryptedField(t *testing.T) {
	_, err := ParseEncryptedField(42)
	assert.ErrorIs(t, err, encryption.ErrInvalidDocument)

	_, err = ParseEncryptedField(map[string]any{"encrypted": false})
	assert.ErrorIs(t, err, encryption.ErrInvalidDocument)

	_, err = ParseEncryptedField(&EncryptedField{Encrypted: true})
	assert.ErrorIs(t, err, encryption.ErrInvalidDocument)
}
