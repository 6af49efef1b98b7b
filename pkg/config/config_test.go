package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hexSecret = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

// clearEnv unsets every TENANTCRYPT_ variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if k, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, "TENANTCRYPT_") {
			t.Setenv(k, "")
		}
	}
}

// =============================================================================
// Loading
// =============================================================================

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)
	c := LoadFromEnv()

	assert.Equal(t, "", c.Tenant.ID)
	assert.Equal(t, uint32(1), c.Tenant.KeyVersion)
	assert.Equal(t, "auto", c.Encryption.DefaultMode)
	assert.Equal(t, ByteSize(256*1024), c.Encryption.LargeDocumentSize)
	assert.Equal(t, 100000, c.Search.Iterations)
	assert.Equal(t, 10*time.Minute, c.Search.CacheTTL)
	assert.Equal(t, 10000, c.Performance.MetricsCapacity)
	assert.Equal(t, 5*time.Minute, c.Performance.RecentWindow)
	assert.True(t, c.Audit.Enabled)
	assert.Equal(t, 4, c.Workers.MaxWorkers)
	assert.Equal(t, "json", c.Logging.Format)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TENANTCRYPT_TENANT_ID", "acme")
	t.Setenv("TENANTCRYPT_MASTER_SECRET", hexSecret)
	t.Setenv("TENANTCRYPT_DEFAULT_MODE", "FIELD_LEVEL")
	t.Setenv("TENANTCRYPT_LARGE_DOCUMENT_SIZE", "1MB")
	t.Setenv("TENANTCRYPT_SEARCH_CACHE_TTL", "30")
	t.Setenv("TENANTCRYPT_PROMETHEUS_ENABLED", "yes")
	t.Setenv("TENANTCRYPT_AUDIT_ENABLED", "false")
	t.Setenv("TENANTCRYPT_WORKERS", "not-a-number")

	c := LoadFromEnv()
	assert.Equal(t, "acme", c.Tenant.ID)
	assert.Equal(t, "field_level", c.Encryption.DefaultMode)
	assert.Equal(t, ByteSize(1024*1024), c.Encryption.LargeDocumentSize)
	assert.Equal(t, 30*time.Second, c.Search.CacheTTL, "bare integers are seconds")
	assert.True(t, c.Performance.PrometheusEnabled)
	assert.False(t, c.Audit.Enabled)
	assert.Equal(t, 4, c.Workers.MaxWorkers, "unparseable values keep the default")
	require.NoError(t, c.Validate())
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "tenantcrypt.yaml")
	yamlData := `
tenant:
  id: file-tenant
  master_secret: "` + hexSecret + `"
encryption:
  default_mode: document_level
  large_document_size: 64KB
search:
  iterations: 150000
  cache_ttl: 2m
audit:
  badger_dir: /var/lib/tenantcrypt/audit
  retention_days: 30
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "file-tenant", c.Tenant.ID)
	assert.Equal(t, "document_level", c.Encryption.DefaultMode)
	assert.Equal(t, ByteSize(64*1024), c.Encryption.LargeDocumentSize)
	assert.Equal(t, 150000, c.Search.Iterations)
	assert.Equal(t, 2*time.Minute, c.Search.CacheTTL)
	assert.Equal(t, 4096, c.Search.CacheSize, "unset fields keep defaults")
	assert.Equal(t, 30*24*time.Hour, c.AuditRetention())
	require.NoError(t, c.Validate())

	t.Run("env_wins_over_file", func(t *testing.T) {
		t.Setenv("TENANTCRYPT_TENANT_ID", "env-tenant")
		c, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "env-tenant", c.Tenant.ID)
	})

	t.Run("numeric_byte_size", func(t *testing.T) {
		c, err := Parse([]byte("encryption:\n  large_document_size: 2048\n"))
		require.NoError(t, err)
		assert.Equal(t, ByteSize(2048), c.Encryption.LargeDocumentSize)
	})

	t.Run("missing_file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad_yaml", func(t *testing.T) {
		_, err := Parse([]byte("tenant: [unterminated"))
		assert.Error(t, err)
	})
}

// =============================================================================
// Validation
// =============================================================================

func validConfig() *Config {
	c := Default()
	c.Tenant.ID = "acme"
	c.Tenant.MasterSecret = hexSecret
	return c
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing_tenant", func(c *Config) { c.Tenant.ID = " " }, "tenant id"},
		{"missing_secret", func(c *Config) { c.Tenant.MasterSecret = "" }, "not set"},
		{"short_secret", func(c *Config) { c.Tenant.MasterSecret = "too-short" }, "at least 32 bytes"},
		{"zero_version", func(c *Config) { c.Tenant.KeyVersion = 0 }, "key version"},
		{"bad_mode", func(c *Config) { c.Encryption.DefaultMode = "magic" }, "default mode"},
		{"bad_iterations", func(c *Config) { c.Search.Iterations = 0 }, "search iterations"},
		{"weak_iterations", func(c *Config) { c.Search.Iterations = 1 }, "minimum 100000"},
		{"just_below_minimum", func(c *Config) { c.Search.Iterations = 99999 }, "search iterations"},
		{"bad_workers", func(c *Config) { c.Workers.MaxWorkers = 0 }, "worker count"},
		{"bad_level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
		{"bad_format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMasterKey(t *testing.T) {
	c := validConfig()
	key, err := c.MasterKey()
	require.NoError(t, err)
	assert.Len(t, key, 32, "hex is decoded")
	assert.Equal(t, byte(0x11), key[1])

	c.Tenant.MasterSecret = strings.Repeat("k", 40)
	key, err = c.MasterKey()
	require.NoError(t, err)
	assert.Len(t, key, 40, "non-hex is raw")

	c.Tenant.MasterSecret = strings.Repeat("zz", 32)
	key, err = c.MasterKey()
	require.NoError(t, err)
	assert.Len(t, key, 64, "invalid hex falls back to raw")
}

func TestString_NeverLeaksSecret(t *testing.T) {
	c := validConfig()
	s := c.String()
	assert.NotContains(t, s, hexSecret)
	assert.Contains(t, s, "MasterSecret: set")
	assert.Contains(t, s, "Tenant: acme")
	assert.Contains(t, s, "256.00 KB")
}

// =============================================================================
// Byte sizes
// =============================================================================

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"bytes numeric", "1024", 1024},
		{"bytes with B suffix", "1024B", 1024},
		{"kilobytes K", "1K", 1024},
		{"kilobytes KB", "256KB", 256 * 1024},
		{"kilobytes lowercase", "1kb", 1024},
		{"megabytes MB", "1MB", 1024 * 1024},
		{"gigabytes G", "1G", 1024 * 1024 * 1024},
		{"zero", "0", 0},
		{"empty string", "", 0},
		{"whitespace", "  2MB  ", 2 * 1024 * 1024},
		{"invalid chars", "abc", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseByteSize(tt.input))
		})
	}
}

func TestFormatByteSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatByteSize(512))
	assert.Equal(t, "1.00 KB", FormatByteSize(1024))
	assert.Equal(t, "1.50 MB", FormatByteSize(1536*1024))
	assert.Equal(t, "2.00 GB", FormatByteSize(2*1024*1024*1024))
}

// =============================================================================
// Feature flags
// =============================================================================

func TestFeatureFlags(t *testing.T) {
	clearEnv(t)
	ResetFeatureFlags()
	defer ResetFeatureFlags()

	assert.True(t, IsTokenCacheEnabled())
	assert.True(t, IsBufferPoolEnabled())
	assert.Equal(t, []string{FeatureBufferPool, FeatureTokenCache}, GetEnabledFeatures())

	t.Run("with_disabled_restores", func(t *testing.T) {
		cleanup := WithTokenCacheDisabled()
		assert.False(t, IsTokenCacheEnabled())
		cleanup()
		assert.True(t, IsTokenCacheEnabled())

		cleanup = WithBufferPoolDisabled()
		assert.Equal(t, []string{FeatureTokenCache}, GetEnabledFeatures())
		cleanup()
	})

	t.Run("env_disables", func(t *testing.T) {
		t.Setenv(EnvTokenCacheEnabled, "false")
		t.Setenv(EnvBufferPoolEnabled, "0")
		ResetFeatureFlags()
		assert.False(t, IsTokenCacheEnabled())
		assert.False(t, IsBufferPoolEnabled())
		assert.Empty(t, GetEnabledFeatures())
	})

	SetBufferPoolEnabled(false)
	assert.False(t, IsBufferPoolEnabled())
	SetTokenCacheEnabled(true)
}
