package search

import (
	"github.com/orneryd/tenantcrypt/pkg/encryption"
	"github.com/orneryd/tenantcrypt/pkg/fieldenc"
)

// CanSearchEncryptedField reports whether the named field of an encrypted
// document carries token in its search-token list. Nothing is decrypted.
func CanSearchEncryptedField(doc map[string]any, field, token string) bool {
	if doc == nil || token == "" {
		return false
	}
	raw, ok := doc[field]
	if !ok {
		return false
	}
	ef, err := fieldenc.ParseEncryptedField(raw)
	if err != nil {
		return false
	}
	return Contains(ef.SearchTokens, token)
}

// MatchDocument reports whether any searchable field of doc contains token.
// Documents recorded under a different tenant never match, nor do documents
// sealed as a whole (document-level or end-to-end).
func MatchDocument(doc map[string]any, tenantID, token string) bool {
	meta, err := encryption.MetadataFromDocument(doc)
	if err != nil {
		return false
	}
	if meta.TenantID != tenantID || meta.EncryptionType != encryption.TypeFieldLevel {
		return false
	}

	for _, name := range meta.EncryptedFieldNames {
		if CanSearchEncryptedField(doc, name, token) {
			return true
		}
	}
	return false
}

// Filter returns the documents of corpus that match token, in corpus order.
func Filter(corpus []map[string]any, tenantID, token string) []map[string]any {
	matches := make([]map[string]any, 0)
	for _, doc := range corpus {
		if MatchDocument(doc, tenantID, token) {
			matches = append(matches, doc)
		}
	}
	return matches
}
