// Package config loads tenantcrypt configuration from environment variables
// and optional YAML files.
//
// Environment variables always win over file values, so a deployment can ship
// a YAML baseline and override secrets through the environment.
//
// Example Usage:
//
//	cfg, err := config.LoadFile("/etc/tenantcrypt.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//	log.Printf("starting with %s", cfg) // never prints the master secret
//
// Environment Variables:
//
//   - TENANTCRYPT_TENANT_ID="acme"
//   - TENANTCRYPT_MASTER_SECRET=<64 hex chars, or at least 32 raw bytes>
//   - TENANTCRYPT_KEY_VERSION=1
//   - TENANTCRYPT_RETAIN_KEY_VERSIONS=4
//   - TENANTCRYPT_DEFAULT_MODE="auto" (field_level, document_level, end_to_end, auto)
//   - TENANTCRYPT_LARGE_DOCUMENT_SIZE="256KB"
//   - TENANTCRYPT_POLICY_FILE="./policies.yaml"
//   - TENANTCRYPT_SEARCH_ITERATIONS=100000
//   - TENANTCRYPT_SEARCH_CACHE_SIZE=4096
//   - TENANTCRYPT_SEARCH_CACHE_TTL=10m
//   - TENANTCRYPT_METRICS_CAPACITY=10000
//   - TENANTCRYPT_ALERT_CAPACITY=1000
//   - TENANTCRYPT_RECENT_WINDOW=5m
//   - TENANTCRYPT_PROMETHEUS_ENABLED=false
//   - TENANTCRYPT_METRICS_NAMESPACE="tenantcrypt"
//   - TENANTCRYPT_AUDIT_ENABLED=true
//   - TENANTCRYPT_AUDIT_CAPACITY=10000
//   - TENANTCRYPT_AUDIT_LOG_PATH=""
//   - TENANTCRYPT_AUDIT_BADGER_DIR=""
//   - TENANTCRYPT_AUDIT_SYNC_WRITES=true
//   - TENANTCRYPT_AUDIT_RETENTION_DAYS=2555
//   - TENANTCRYPT_WORKERS=4
//   - TENANTCRYPT_WORKER_QUEUE_SIZE=64
//   - TENANTCRYPT_LOG_LEVEL="info"
//   - TENANTCRYPT_LOG_FORMAT="json"
//   - TENANTCRYPT_LOG_OUTPUT="stderr"
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/tenantcrypt/pkg/encryption"
)

// MinMasterSecretSize is the shortest accepted master secret, in bytes.
const MinMasterSecretSize = 32

// Encryption modes accepted in DefaultMode.
var validModes = []string{"field_level", "document_level", "end_to_end", "auto"}

// Config holds all tenantcrypt configuration.
type Config struct {
	Tenant      TenantConfig      `yaml:"tenant"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
	Search      SearchConfig      `yaml:"search"`
	Performance PerformanceConfig `yaml:"performance"`
	Audit       AuditConfig       `yaml:"audit"`
	Workers     WorkerConfig      `yaml:"workers"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// TenantConfig identifies the tenant and its key material.
type TenantConfig struct {
	ID string `yaml:"id"`
	// MasterSecret is hex (64+ chars) or raw text of at least 32 bytes.
	MasterSecret      string `yaml:"master_secret"`
	KeyVersion        uint32 `yaml:"key_version"`
	RetainKeyVersions int    `yaml:"retain_key_versions"`
}

// EncryptionConfig holds encryption behavior settings.
type EncryptionConfig struct {
	DefaultMode string `yaml:"default_mode"`
	// LargeDocumentSize is the payload size above which document-level
	// sealing runs on the worker pool.
	LargeDocumentSize ByteSize `yaml:"large_document_size"`
	PolicyFile        string   `yaml:"policy_file"`
}

// SearchConfig holds searchable-encryption settings.
type SearchConfig struct {
	Iterations int           `yaml:"iterations"`
	CacheSize  int           `yaml:"cache_size"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// PerformanceConfig holds monitor settings.
type PerformanceConfig struct {
	MetricsCapacity   int           `yaml:"metrics_capacity"`
	AlertCapacity     int           `yaml:"alert_capacity"`
	RecentWindow      time.Duration `yaml:"recent_window"`
	PrometheusEnabled bool          `yaml:"prometheus_enabled"`
	MetricsNamespace  string        `yaml:"metrics_namespace"`
}

// AuditConfig holds audit trail and export settings.
type AuditConfig struct {
	Enabled  bool `yaml:"enabled"`
	Capacity int  `yaml:"capacity"`
	// LogPath enables a JSON-lines file sink when set.
	LogPath string `yaml:"log_path"`
	// BadgerDir enables a Badger sink when set.
	BadgerDir     string `yaml:"badger_dir"`
	SyncWrites    bool   `yaml:"sync_writes"`
	RetentionDays int    `yaml:"retention_days"` // 0 keeps Badger entries forever
}

// WorkerConfig sizes the sealing worker pool.
type WorkerConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueSize  int `yaml:"queue_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string `yaml:"level"`
	// Format (json, console)
	Format string `yaml:"format"`
	// Output path (stdout, stderr, or file path)
	Output string `yaml:"output"`
}

// Default returns the built-in configuration. Tenant id and master secret
// have no default.
func Default() *Config {
	return &Config{
		Tenant: TenantConfig{
			KeyVersion:        1,
			RetainKeyVersions: 4,
		},
		Encryption: EncryptionConfig{
			DefaultMode:       "auto",
			LargeDocumentSize: 256 * 1024,
		},
		Search: SearchConfig{
			Iterations: 100000,
			CacheSize:  4096,
			CacheTTL:   10 * time.Minute,
		},
		Performance: PerformanceConfig{
			MetricsCapacity:  10000,
			AlertCapacity:    1000,
			RecentWindow:     5 * time.Minute,
			MetricsNamespace: "tenantcrypt",
		},
		Audit: AuditConfig{
			Enabled:       true,
			Capacity:      10000,
			SyncWrites:    true,
			RetentionDays: 2555, // 7 years for SOC2
		},
		Workers: WorkerConfig{
			MaxWorkers: 4,
			QueueSize:  64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

// LoadFromEnv returns the defaults overridden by environment variables.
func LoadFromEnv() *Config {
	c := Default()
	c.applyEnv()
	return c
}

// LoadFile reads a YAML file over the defaults, then applies environment
// overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse reads YAML over the defaults, then applies environment overrides.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config yaml: %w", err)
	}
	c.applyEnv()
	return c, nil
}

func (c *Config) applyEnv() {
	c.Tenant.ID = getEnv("TENANTCRYPT_TENANT_ID", c.Tenant.ID)
	c.Tenant.MasterSecret = getEnv("TENANTCRYPT_MASTER_SECRET", c.Tenant.MasterSecret)
	c.Tenant.KeyVersion = uint32(getEnvInt("TENANTCRYPT_KEY_VERSION", int(c.Tenant.KeyVersion)))
	c.Tenant.RetainKeyVersions = getEnvInt("TENANTCRYPT_RETAIN_KEY_VERSIONS", c.Tenant.RetainKeyVersions)

	c.Encryption.DefaultMode = strings.ToLower(getEnv("TENANTCRYPT_DEFAULT_MODE", c.Encryption.DefaultMode))
	if v := os.Getenv("TENANTCRYPT_LARGE_DOCUMENT_SIZE"); v != "" {
		c.Encryption.LargeDocumentSize = ByteSize(parseByteSize(v))
	}
	c.Encryption.PolicyFile = getEnv("TENANTCRYPT_POLICY_FILE", c.Encryption.PolicyFile)

	c.Search.Iterations = getEnvInt("TENANTCRYPT_SEARCH_ITERATIONS", c.Search.Iterations)
	c.Search.CacheSize = getEnvInt("TENANTCRYPT_SEARCH_CACHE_SIZE", c.Search.CacheSize)
	c.Search.CacheTTL = getEnvDuration("TENANTCRYPT_SEARCH_CACHE_TTL", c.Search.CacheTTL)

	c.Performance.MetricsCapacity = getEnvInt("TENANTCRYPT_METRICS_CAPACITY", c.Performance.MetricsCapacity)
	c.Performance.AlertCapacity = getEnvInt("TENANTCRYPT_ALERT_CAPACITY", c.Performance.AlertCapacity)
	c.Performance.RecentWindow = getEnvDuration("TENANTCRYPT_RECENT_WINDOW", c.Performance.RecentWindow)
	c.Performance.PrometheusEnabled = getEnvBool("TENANTCRYPT_PROMETHEUS_ENABLED", c.Performance.PrometheusEnabled)
	c.Performance.MetricsNamespace = getEnv("TENANTCRYPT_METRICS_NAMESPACE", c.Performance.MetricsNamespace)

	c.Audit.Enabled = getEnvBool("TENANTCRYPT_AUDIT_ENABLED", c.Audit.Enabled)
	c.Audit.Capacity = getEnvInt("TENANTCRYPT_AUDIT_CAPACITY", c.Audit.Capacity)
	c.Audit.LogPath = getEnv("TENANTCRYPT_AUDIT_LOG_PATH", c.Audit.LogPath)
	c.Audit.BadgerDir = getEnv("TENANTCRYPT_AUDIT_BADGER_DIR", c.Audit.BadgerDir)
	c.Audit.SyncWrites = getEnvBool("TENANTCRYPT_AUDIT_SYNC_WRITES", c.Audit.SyncWrites)
	c.Audit.RetentionDays = getEnvInt("TENANTCRYPT_AUDIT_RETENTION_DAYS", c.Audit.RetentionDays)

	c.Workers.MaxWorkers = getEnvInt("TENANTCRYPT_WORKERS", c.Workers.MaxWorkers)
	c.Workers.QueueSize = getEnvInt("TENANTCRYPT_WORKER_QUEUE_SIZE", c.Workers.QueueSize)

	c.Logging.Level = strings.ToLower(getEnv("TENANTCRYPT_LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(getEnv("TENANTCRYPT_LOG_FORMAT", c.Logging.Format))
	c.Logging.Output = getEnv("TENANTCRYPT_LOG_OUTPUT", c.Logging.Output)
}

// MasterKey decodes the master secret. A value of 64 or more hex characters
// is hex-decoded; anything else is used as raw bytes.
func (c *Config) MasterKey() ([]byte, error) {
	s := strings.TrimSpace(c.Tenant.MasterSecret)
	if s == "" {
		return nil, fmt.Errorf("master secret is not set")
	}
	key := []byte(s)
	if len(s) >= 2*MinMasterSecretSize && len(s)%2 == 0 {
		if decoded, err := hex.DecodeString(s); err == nil {
			key = decoded
		}
	}
	if len(key) < MinMasterSecretSize {
		return nil, fmt.Errorf("master secret must be at least %d bytes, got %d", MinMasterSecretSize, len(key))
	}
	return key, nil
}

// AuditRetention returns the Badger TTL for exported audit entries.
func (c *Config) AuditRetention() time.Duration {
	if c.Audit.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.Audit.RetentionDays) * 24 * time.Hour
}

// Validate checks the configuration for errors.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Tenant.ID) == "" {
		return fmt.Errorf("tenant id is required")
	}
	if _, err := c.MasterKey(); err != nil {
		return err
	}
	if c.Tenant.KeyVersion == 0 {
		return fmt.Errorf("invalid key version: 0")
	}
	if !contains(validModes, c.Encryption.DefaultMode) {
		return fmt.Errorf("invalid default mode %q (want one of %s)", c.Encryption.DefaultMode, strings.Join(validModes, ", "))
	}
	if c.Encryption.LargeDocumentSize < 0 {
		return fmt.Errorf("invalid large document size: %d", c.Encryption.LargeDocumentSize)
	}
	if c.Search.Iterations < encryption.MinPasswordIterations {
		return fmt.Errorf("invalid search iterations: %d (minimum %d)", c.Search.Iterations, encryption.MinPasswordIterations)
	}
	if c.Workers.MaxWorkers <= 0 {
		return fmt.Errorf("invalid worker count: %d", c.Workers.MaxWorkers)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	return nil
}

// String returns a safe string representation of the Config.
//
// The master secret is NOT included in the output, making this safe for logging.
func (c *Config) String() string {
	secret := "unset"
	if c.Tenant.MasterSecret != "" {
		secret = "set"
	}
	return fmt.Sprintf(
		"Config{Tenant: %s, MasterSecret: %s, KeyVersion: %d, Mode: %s, LargeDocument: %s, Audit: %v, Workers: %d}",
		c.Tenant.ID, secret, c.Tenant.KeyVersion,
		c.Encryption.DefaultMode, FormatByteSize(int64(c.Encryption.LargeDocumentSize)),
		c.Audit.Enabled, c.Workers.MaxWorkers,
	)
}

// ByteSize is a size in bytes that also unmarshals from "256KB" style strings.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid byte size: %w", err)
	}
	*b = ByteSize(parseByteSize(s))
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// parseByteSize parses a human-readable size string.
// Supports: "1024", "1KB", "1MB", "1GB", "0"
func parseByteSize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	}

	val, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatByteSize formats bytes as human-readable string.
func FormatByteSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
