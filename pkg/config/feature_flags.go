// Feature flags for optional performance features.
//
// Flags are process-global, loaded from the environment at startup and
// toggleable at runtime for tests. Both are ENABLED by default; disable one
// if it misbehaves in a given deployment:
//
//	TENANTCRYPT_TOKEN_CACHE_ENABLED=false  // memoized search-token derivation
//	TENANTCRYPT_BUFFER_POOL_ENABLED=false  // pooled, wiped serialization buffers
package config

import (
	"os"
	"sort"
	"sync/atomic"
)

const (
	// EnvTokenCacheEnabled toggles the search-token LRU cache.
	EnvTokenCacheEnabled = "TENANTCRYPT_TOKEN_CACHE_ENABLED"

	// EnvBufferPoolEnabled toggles pooled serialization buffers.
	EnvBufferPoolEnabled = "TENANTCRYPT_BUFFER_POOL_ENABLED"
)

// Feature names reported by GetEnabledFeatures.
const (
	FeatureTokenCache = "token_cache"
	FeatureBufferPool = "buffer_pool"
)

var (
	tokenCacheEnabled atomic.Bool
	bufferPoolEnabled atomic.Bool
)

func init() {
	loadFeatureFlags()
}

func loadFeatureFlags() {
	tokenCacheEnabled.Store(true)
	if env := os.Getenv(EnvTokenCacheEnabled); env == "false" || env == "0" {
		tokenCacheEnabled.Store(false)
	}

	bufferPoolEnabled.Store(true)
	if env := os.Getenv(EnvBufferPoolEnabled); env == "false" || env == "0" {
		bufferPoolEnabled.Store(false)
	}
}

// IsTokenCacheEnabled reports whether search-token memoization is on.
func IsTokenCacheEnabled() bool { return tokenCacheEnabled.Load() }

// SetTokenCacheEnabled sets the token cache flag.
func SetTokenCacheEnabled(enabled bool) { tokenCacheEnabled.Store(enabled) }

// WithTokenCacheDisabled temporarily disables the token cache and returns a
// cleanup function.
//
// Example:
//
//	cleanup := config.WithTokenCacheDisabled()
//	defer cleanup()
func WithTokenCacheDisabled() func() {
	prev := tokenCacheEnabled.Load()
	tokenCacheEnabled.Store(false)
	return func() {
		tokenCacheEnabled.Store(prev)
	}
}

// IsBufferPoolEnabled reports whether serialization buffers are pooled.
func IsBufferPoolEnabled() bool { return bufferPoolEnabled.Load() }

// SetBufferPoolEnabled sets the buffer pool flag.
func SetBufferPoolEnabled(enabled bool) { bufferPoolEnabled.Store(enabled) }

// WithBufferPoolDisabled temporarily disables buffer pooling.
func WithBufferPoolDisabled() func() {
	prev := bufferPoolEnabled.Load()
	bufferPoolEnabled.Store(false)
	return func() {
		bufferPoolEnabled.Store(prev)
	}
}

// ResetFeatureFlags reloads all flags from the environment.
func ResetFeatureFlags() {
	loadFeatureFlags()
}

// GetEnabledFeatures returns the sorted names of enabled features.
func GetEnabledFeatures() []string {
	var enabled []string
	if tokenCacheEnabled.Load() {
		enabled = append(enabled, FeatureTokenCache)
	}
	if bufferPoolEnabled.Load() {
		enabled = append(enabled, FeatureBufferPool)
	}
	sort.Strings(enabled)
	return enabled
}
