// Package search implements deterministic searchable-encryption tokens.
//
// Each plaintext token is stretched with PBKDF2-HMAC-SHA256 under the tenant's
// search key. Equal plaintext tokens under the same tenant always produce equal
// search tokens, so equality queries run over encrypted fields without
// decrypting them. Different tenants use unrelated search keys and never
// produce colliding tokens for the same plaintext.
//
// Security trade-off: the scheme leaks token-equality patterns (which records
// share a word, and how often). That is the price of search over ciphertext.
// Fields that must not leak equality should not be indexed.
package search

import (
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/orneryd/tenantcrypt/pkg/cache"
	"github.com/orneryd/tenantcrypt/pkg/encryption"
)

const (
	// MinTokenLength is the shortest indexed token, in characters.
	MinTokenLength = 3

	// DefaultIterations is the PBKDF2 work factor per token.
	DefaultIterations = 100000

	// DefaultCacheSize bounds memoized token derivations per index.
	DefaultCacheSize = 4096

	// DefaultCacheTTL expires memoized derivations.
	DefaultCacheTTL = 10 * time.Minute
)

// Config controls token derivation cost and memoization.
type Config struct {
	Iterations int
	CacheSize  int
	CacheTTL   time.Duration

	// DisableCache derives every token from scratch.
	DisableCache bool

	// AllowWeakIterations permits a work factor below
	// encryption.MinPasswordIterations. Tests only.
	AllowWeakIterations bool
}

// Validate rejects a work factor below the password-derivation minimum unless
// AllowWeakIterations is set. Zero selects DefaultIterations.
func (c Config) Validate() error {
	if c.Iterations < 0 {
		return fmt.Errorf("search: invalid iterations %d", c.Iterations)
	}
	if c.Iterations > 0 && c.Iterations < encryption.MinPasswordIterations && !c.AllowWeakIterations {
		return fmt.Errorf("%w: search iterations %d < %d", encryption.ErrWeakKeyDerivation, c.Iterations, encryption.MinPasswordIterations)
	}
	return nil
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Iterations: DefaultIterations,
		CacheSize:  DefaultCacheSize,
		CacheTTL:   DefaultCacheTTL,
	}
}

// Index derives search tokens for a single tenant.
type Index struct {
	key        []byte
	iterations int
	cache      *cache.TokenCache
}

// NewIndex creates an index bound to a tenant search key. A work factor that
// fails Config.Validate is raised to DefaultIterations.
func NewIndex(searchKey []byte, cfg Config) *Index {
	if cfg.Iterations <= 0 || cfg.Validate() != nil {
		cfg.Iterations = DefaultIterations
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	x := &Index{
		key:        append([]byte(nil), searchKey...),
		iterations: cfg.Iterations,
		cache:      cache.NewTokenCache(cfg.CacheSize, cfg.CacheTTL),
	}
	if cfg.DisableCache {
		x.cache.SetEnabled(false)
	}
	return x
}

// CreateSearchIndex tokenizes plaintext on whitespace, lowercases, drops tokens
// shorter than MinTokenLength characters and returns the deduplicated search
// tokens in first-seen order.
func (x *Index) CreateSearchIndex(plaintext string) []string {
	words := Tokenize(plaintext)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		tokens = append(tokens, x.derive(w))
	}
	return tokens
}

// CreateSearchToken maps a query term to its search token.
// Returns false if the term is shorter than MinTokenLength characters.
func (x *Index) CreateSearchToken(term string) (string, bool) {
	term = strings.ToLower(strings.TrimSpace(term))
	if utf8.RuneCountInString(term) < MinTokenLength {
		return "", false
	}
	return x.derive(term), true
}

// CacheStats reports memoization effectiveness.
func (x *Index) CacheStats() cache.Stats {
	return x.cache.Stats()
}

func (x *Index) derive(word string) string {
	if token, ok := x.cache.Get(word); ok {
		return token
	}
	raw := encryption.StretchToken([]byte(word), x.key, x.iterations)
	token := base64.RawURLEncoding.EncodeToString(raw)
	x.cache.Put(word, token)
	return token
}

// Tokenize returns the lowercased, deduplicated words of at least
// MinTokenLength characters, in first-seen order.
func Tokenize(plaintext string) []string {
	fields := strings.Fields(strings.ToLower(plaintext))
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) < MinTokenLength {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Contains reports whether token is one of tokens. A field carries one token
// per distinct word, so a single check is a linear scan without allocation.
func Contains(tokens []string, token string) bool {
	if token == "" {
		return false
	}
	return slices.Contains(tokens, token)
}
