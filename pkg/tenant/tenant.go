// Package tenant derives and caches per-tenant key material.
//
// A Context is built from the master secret once, at onboarding, and keeps only
// a tenant-scoped pseudorandom key (HKDF-Extract of the master secret salted with
// the tenant id). Each key generation is expanded from that PRK with a versioned
// info string:
//
//	tenantcrypt/tenant-key/v1|<tenant_id>|<version>
//
// so every generation can be re-derived on demand and ciphertexts sealed under an
// older generation stay decryptable after Rotate. Search tokens use a separate
// sub-key that does not change on rotation.
//
// The PRK and the search key live in memguard enclaves and are only opened for
// the duration of a derivation. After Wipe every key accessor fails with ErrWiped.
//
// Example:
//
//	tc, err := tenant.Derive(master, "tenant-a")
//	if err != nil {
//		return err
//	}
//	c, _ := tc.Cipher()
//	ct, _ := c.Encrypt(plaintext, encryption.AssociatedData(tc.TenantID(), "ssn"))
//
//	// Later, after a rotation:
//	old, _ := tc.CipherFor(ct.KeyVersion)
//	pt, _ := old.Decrypt(ct, encryption.AssociatedData(tc.TenantID(), "ssn"))
package tenant

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"

	"github.com/orneryd/tenantcrypt/pkg/encryption"
)

const (
	keyInfoPrefix    = "tenantcrypt/tenant-key/v1"
	searchInfoPrefix = "tenantcrypt/search-key/v1"
	extractSalt      = "tenantcrypt/tenant/"

	// MinMasterSecretSize is the shortest master secret accepted.
	MinMasterSecretSize = 32

	// DefaultRetainVersions bounds how many derived generations stay in memory.
	DefaultRetainVersions = 4
)

var (
	// ErrInvalidTenant is returned for an empty tenant id or a short master secret.
	ErrInvalidTenant = errors.New("tenant: invalid tenant id or master secret")

	// ErrWiped is returned by every key accessor after Wipe.
	ErrWiped = errors.New("tenant: key material wiped")
)

// Option configures a Context.
type Option func(*Context)

// WithVersion starts the context at a given key generation instead of 1.
// Used when the current generation is persisted outside the process.
func WithVersion(version uint32) Option {
	return func(c *Context) {
		if version > 0 {
			c.current = version
		}
	}
}

// WithRetainVersions sets how many derived key generations are cached.
// Evicted generations are re-derived on demand.
func WithRetainVersions(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.retain = n
		}
	}
}

// Context is the key holder for exactly one tenant. Safe for concurrent use.
type Context struct {
	tenantID  string
	createdAt time.Time

	mu        sync.RWMutex
	prk       *memguard.Enclave
	searchKey *memguard.Enclave
	wiped     bool
	current   uint32
	retain    int
	keys      map[uint32]*encryption.Key
	ciphers   map[uint32]*encryption.Cipher
	rotatedAt time.Time
}

// Derive builds the tenant context from the master secret.
// The master secret is not retained.
func Derive(masterSecret []byte, tenantID string, opts ...Option) (*Context, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: empty tenant id", ErrInvalidTenant)
	}
	if len(masterSecret) < MinMasterSecretSize {
		return nil, fmt.Errorf("%w: master secret must be at least %d bytes", ErrInvalidTenant, MinMasterSecretSize)
	}

	c := &Context{
		tenantID:  tenantID,
		prk:       memguard.NewEnclave(hkdf.Extract(sha256.New, masterSecret, []byte(extractSalt+tenantID))),
		createdAt: time.Now(),
		current:   1,
		retain:    DefaultRetainVersions,
		keys:      make(map[uint32]*encryption.Key),
		ciphers:   make(map[uint32]*encryption.Cipher),
	}
	for _, opt := range opts {
		opt(c)
	}

	searchKey, err := c.expand(searchInfoPrefix + "|" + tenantID)
	if err != nil {
		return nil, err
	}
	c.searchKey = memguard.NewEnclave(searchKey)

	if _, err := c.CipherFor(c.current); err != nil {
		return nil, err
	}
	return c, nil
}

// TenantID returns the tenant identifier.
func (c *Context) TenantID() string {
	return c.tenantID
}

// KeyVersion returns the current key generation.
func (c *Context) KeyVersion() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// CreatedAt returns when the context was derived.
func (c *Context) CreatedAt() time.Time {
	return c.createdAt
}

// RotatedAt returns the time of the last rotation, zero if never rotated.
func (c *Context) RotatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rotatedAt
}

// Cipher returns the cipher for the current key generation.
func (c *Context) Cipher() (*encryption.Cipher, error) {
	return c.CipherFor(c.KeyVersion())
}

// CipherFor returns the cipher for a given key generation. Version 0 means
// the current one. Future generations are refused with ErrKeyNotFound.
func (c *Context) CipherFor(version uint32) (*encryption.Cipher, error) {
	c.mu.RLock()
	current, wiped := c.current, c.wiped
	cached, ok := c.ciphers[version]
	c.mu.RUnlock()

	if wiped {
		return nil, ErrWiped
	}
	if version == 0 {
		return c.CipherFor(current)
	}
	if ok {
		return cached, nil
	}
	if version > current {
		return nil, fmt.Errorf("%w: tenant %s has no key version %d", encryption.ErrKeyNotFound, c.tenantID, version)
	}

	key, err := c.deriveKey(version)
	if err != nil {
		return nil, err
	}
	cipher, err := key.Cipher()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wiped {
		encryption.SecureWipe(key.Material)
		return nil, ErrWiped
	}
	if existing, ok := c.ciphers[version]; ok {
		encryption.SecureWipe(key.Material)
		return existing, nil
	}
	c.keys[version] = key
	c.ciphers[version] = cipher
	c.cleanupOldKeys()
	return cipher, nil
}

// CurrentKey returns a copy of the current generation's key.
func (c *Context) CurrentKey() (*encryption.Key, error) {
	version := c.KeyVersion()
	if _, err := c.CipherFor(version); err != nil {
		return nil, err
	}

	c.mu.RLock()
	key, ok := c.keys[version]
	if ok {
		key = &encryption.Key{
			Version:   key.Version,
			Material:  append([]byte(nil), key.Material...),
			CreatedAt: key.CreatedAt,
		}
	}
	wiped := c.wiped
	c.mu.RUnlock()

	if wiped {
		return nil, ErrWiped
	}
	if !ok {
		return c.deriveKey(version)
	}
	return key, nil
}

// Fingerprint identifies the current key without exposing it.
func (c *Context) Fingerprint() string {
	key, err := c.CurrentKey()
	if err != nil {
		return ""
	}
	defer encryption.SecureWipe(key.Material)
	return key.Fingerprint()
}

// SearchKey returns a copy of the tenant's search-token key.
func (c *Context) SearchKey() ([]byte, error) {
	c.mu.RLock()
	enclave, wiped := c.searchKey, c.wiped
	c.mu.RUnlock()
	if wiped {
		return nil, ErrWiped
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("tenant: opening search key: %w", err)
	}
	defer buf.Destroy()
	return append([]byte(nil), buf.Bytes()...), nil
}

// Rotate advances the key generation and returns the new version.
// Earlier generations remain derivable.
func (c *Context) Rotate() (uint32, error) {
	c.mu.Lock()
	next := c.current + 1
	c.mu.Unlock()

	key, err := c.deriveKey(next)
	if err != nil {
		return 0, err
	}
	cipher, err := key.Cipher()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wiped {
		encryption.SecureWipe(key.Material)
		return 0, ErrWiped
	}
	if c.current >= next {
		// concurrent rotation already advanced
		return c.current, nil
	}
	c.current = next
	c.keys[next] = key
	c.ciphers[next] = cipher
	c.rotatedAt = time.Now()
	c.cleanupOldKeys()
	return next, nil
}

// CachedVersions lists the generations currently held in memory, ascending.
func (c *Context) CachedVersions() []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	versions := make([]uint32, 0, len(c.keys))
	for v := range c.keys {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}

// Wipe zeroes all key material held by the context. Every later key
// accessor returns ErrWiped. Idempotent.
func (c *Context) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for v, key := range c.keys {
		encryption.SecureWipe(key.Material)
		delete(c.keys, v)
		delete(c.ciphers, v)
	}
	c.prk = nil
	c.searchKey = nil
	c.wiped = true
}

// Wiped reports whether Wipe has been called.
func (c *Context) Wiped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wiped
}

func (c *Context) deriveKey(version uint32) (*encryption.Key, error) {
	info := keyInfoPrefix + "|" + c.tenantID + "|" + strconv.FormatUint(uint64(version), 10)
	material, err := c.expand(info)
	if err != nil {
		return nil, err
	}
	return &encryption.Key{Version: version, Material: material, CreatedAt: time.Now()}, nil
}

func (c *Context) expand(info string) ([]byte, error) {
	c.mu.RLock()
	enclave, wiped := c.prk, c.wiped
	c.mu.RUnlock()
	if wiped {
		return nil, ErrWiped
	}

	prk, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("tenant: opening key enclave: %w", err)
	}
	defer prk.Destroy()

	out := make([]byte, encryption.KeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk.Bytes(), []byte(info)), out); err != nil {
		return nil, fmt.Errorf("tenant: deriving key: %w", err)
	}
	return out, nil
}

// cleanupOldKeys drops the oldest cached generations beyond the retention limit.
// The current generation is never dropped. Caller must hold the write lock.
func (c *Context) cleanupOldKeys() {
	if len(c.keys) <= c.retain {
		return
	}

	versions := make([]uint32, 0, len(c.keys))
	for v := range c.keys {
		if v != c.current {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	for _, v := range versions {
		if len(c.keys) <= c.retain {
			break
		}
		encryption.SecureWipe(c.keys[v].Material)
		delete(c.keys, v)
		delete(c.ciphers, v)
	}
}
