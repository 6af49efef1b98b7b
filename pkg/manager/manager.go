// Package manager orchestrates tenant-isolated document encryption.
//
// A Manager owns exactly one tenant context and coordinates the engines built
// on it: field-level encryption, whole-document encryption, searchable
// encryption, end-to-end client sessions, policy selection, the performance
// monitor and the audit trail.
//
// Every public operation writes an "<op>_start" audit entry, then exactly one
// "<op>_success" or "<op>_error" entry carrying its duration, and records one
// performance metric. Cryptographic and permission errors are audited and then
// returned unchanged, so callers can match them with errors.Is:
//
//	out, err := m.DecryptDocument(ctx, doc, "")
//	if errors.Is(err, encryption.ErrTenantMismatch) {
//		// document belongs to another tenant
//	}
//
// Performance threshold breaches are never errors; they surface as alerts in
// the monitor and in HealthStatus.
//
// Example:
//
//	m, err := manager.New(manager.Config{
//		TenantID:     "acme",
//		MasterSecret: secret,
//	})
//	if err != nil {
//		return err
//	}
//	defer m.Close(ctx)
//
//	enc, err := m.EncryptDocument(ctx, doc, manager.ModeAuto, nil)
//	plain, err := m.DecryptDocument(ctx, enc, "")
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/orneryd/tenantcrypt/pkg/audit"
	"github.com/orneryd/tenantcrypt/pkg/config"
	"github.com/orneryd/tenantcrypt/pkg/e2e"
	"github.com/orneryd/tenantcrypt/pkg/encryption"
	"github.com/orneryd/tenantcrypt/pkg/fieldenc"
	"github.com/orneryd/tenantcrypt/pkg/perf"
	"github.com/orneryd/tenantcrypt/pkg/policy"
	"github.com/orneryd/tenantcrypt/pkg/search"
	"github.com/orneryd/tenantcrypt/pkg/tenant"
	"github.com/orneryd/tenantcrypt/pkg/workerpool"
)

// Mode selects the encryption engine.
type Mode string

const (
	ModeFieldLevel    Mode = "field_level"
	ModeDocumentLevel Mode = "document_level"
	ModeEndToEnd      Mode = "end_to_end"
	ModeAuto          Mode = "auto"
)

// ParseMode validates a mode name. An empty string is ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeFieldLevel, ModeDocumentLevel, ModeEndToEnd, ModeAuto:
		return m, nil
	default:
		return "", fmt.Errorf("unknown encryption mode %q", s)
	}
}

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("manager: closed")

// DefaultLargeDocumentBytes is the payload size above which whole-document
// sealing moves to the worker pool.
const DefaultLargeDocumentBytes = 256 * 1024

// documentAD binds document-level payloads to their tenant.
const documentAD = "document"

// Config configures a Manager.
type Config struct {
	TenantID     string
	MasterSecret []byte

	// KeyVersion is the tenant key generation to start at. Zero means 1.
	KeyVersion        uint32
	RetainKeyVersions int

	// DefaultMode is used when EncryptDocument is called with an empty mode.
	DefaultMode        Mode
	LargeDocumentBytes int

	Search search.Config
	Perf   perf.Config
	// Audit zero value selects audit.DefaultConfig.
	Audit   audit.Config
	Workers workerpool.Config

	// AuditLogPath adds a JSON-lines file sink.
	AuditLogPath string
	// AuditBadgerDir adds a Badger sink.
	AuditBadgerDir  string
	AuditSyncWrites bool
	AuditRetention  time.Duration
}

// FromConfig translates loaded application configuration.
func FromConfig(c *config.Config) (Config, error) {
	secret, err := c.MasterKey()
	if err != nil {
		return Config{}, err
	}
	mode, err := ParseMode(c.Encryption.DefaultMode)
	if err != nil {
		return Config{}, err
	}
	return Config{
		TenantID:           c.Tenant.ID,
		MasterSecret:       secret,
		KeyVersion:         c.Tenant.KeyVersion,
		RetainKeyVersions:  c.Tenant.RetainKeyVersions,
		DefaultMode:        mode,
		LargeDocumentBytes: int(c.Encryption.LargeDocumentSize),
		Search: search.Config{
			Iterations: c.Search.Iterations,
			CacheSize:  c.Search.CacheSize,
			CacheTTL:   c.Search.CacheTTL,
		},
		Perf: perf.Config{
			Capacity:      c.Performance.MetricsCapacity,
			AlertCapacity: c.Performance.AlertCapacity,
			RecentWindow:  c.Performance.RecentWindow,
		},
		Audit: audit.Config{
			Enabled:       c.Audit.Enabled,
			Capacity:      c.Audit.Capacity,
			AlertOnErrors: true,
		},
		Workers: workerpool.Config{
			Name:       "document-sealer",
			MaxWorkers: c.Workers.MaxWorkers,
			QueueSize:  c.Workers.QueueSize,
		},
		AuditLogPath:    c.Audit.LogPath,
		AuditBadgerDir:  c.Audit.BadgerDir,
		AuditSyncWrites: c.Audit.SyncWrites,
		AuditRetention:  c.AuditRetention(),
	}, nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger shared by all components.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock sets the time source for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSelector replaces the built-in keyword policy selector.
func WithSelector(s policy.Selector) Option {
	return func(m *Manager) { m.selector = s }
}

// WithSessionStore replaces the in-memory session store.
func WithSessionStore(s e2e.SessionStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithAuditSink registers an additional audit export sink.
func WithAuditSink(s audit.Sink) Option {
	return func(m *Manager) { m.extraSinks = append(m.extraSinks, s) }
}

// WithObserver attaches a performance observer.
func WithObserver(o perf.Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// WithPrometheus exports performance metrics to reg.
func WithPrometheus(reg prometheus.Registerer, namespace string) Option {
	return func(m *Manager) { m.promReg, m.promNamespace = reg, namespace }
}

// Manager is the tenant's encryption orchestrator. Safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	tenant   *tenant.Context
	fields   *fieldenc.Encryptor
	index    *search.Index
	client   *e2e.ClientEncryption
	e2e      *e2e.EndToEnd
	selector policy.Selector
	store    e2e.SessionStore
	monitor  *perf.Monitor
	trail    *audit.Trail
	workers  *workerpool.WorkerPool

	observers     []perf.Observer
	extraSinks    []audit.Sink
	promReg       prometheus.Registerer
	promNamespace string

	mu     sync.RWMutex
	closed bool
	// operations past gate; Close waits for them before wiping keys
	inflight sync.WaitGroup
}

// New derives the tenant context and wires every component.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.KeyVersion == 0 {
		cfg.KeyVersion = 1
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeAuto
	}
	if _, err := ParseMode(string(cfg.DefaultMode)); err != nil {
		return nil, err
	}
	if err := cfg.Search.Validate(); err != nil {
		return nil, err
	}
	if cfg.LargeDocumentBytes <= 0 {
		cfg.LargeDocumentBytes = DefaultLargeDocumentBytes
	}
	if !cfg.Audit.Enabled && cfg.Audit.Capacity == 0 {
		cfg.Audit = audit.DefaultConfig()
	}
	if cfg.Workers.Name == "" {
		cfg.Workers.Name = "document-sealer"
	}

	m := &Manager{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("tenant_id", cfg.TenantID))

	tc, err := tenant.Derive(cfg.MasterSecret, cfg.TenantID,
		tenant.WithVersion(cfg.KeyVersion),
		tenant.WithRetainVersions(cfg.RetainKeyVersions),
	)
	if err != nil {
		return nil, err
	}
	m.tenant = tc

	searchCfg := cfg.Search
	if !config.IsTokenCacheEnabled() {
		searchCfg.DisableCache = true
	}
	searchKey, err := tc.SearchKey()
	if err != nil {
		tc.Wipe()
		return nil, err
	}
	m.index = search.NewIndex(searchKey, searchCfg)
	encryption.SecureWipe(searchKey)
	m.fields = fieldenc.NewEncryptor(
		fieldenc.WithIndexer(m.index),
		fieldenc.WithLogger(m.logger),
		fieldenc.WithClock(m.now),
	)

	if m.selector == nil {
		m.selector = policy.DefaultSelector()
	}
	m.client = e2e.NewClientEncryption(m.store, e2e.WithLogger(m.logger), e2e.WithClock(m.now))
	m.e2e = e2e.NewEndToEnd(m.client)

	perfOpts := []perf.Option{perf.WithLogger(m.logger), perf.WithClock(m.now)}
	for _, o := range m.observers {
		perfOpts = append(perfOpts, perf.WithObserver(o))
	}
	if m.promReg != nil {
		ns := m.promNamespace
		if ns == "" {
			ns = "tenantcrypt"
		}
		perfOpts = append(perfOpts, perf.WithObserver(perf.NewPrometheusObserver(m.promReg, ns)))
	}
	m.monitor = perf.NewMonitor(cfg.Perf, perfOpts...)

	m.trail = audit.NewTrail(cfg.Audit, audit.WithLogger(m.logger), audit.WithClock(m.now))
	m.trail.SetAlertCallback(func(e audit.Entry) {
		m.logger.Warn("operation failed", zap.String("event", string(e.EventType)), zap.Any("details", e.Details))
	})
	if err := m.openSinks(); err != nil {
		tc.Wipe()
		return nil, err
	}

	workersCfg := cfg.Workers
	workersCfg.Logger = m.logger
	m.workers = workerpool.NewWorkerPool(workersCfg)

	m.logger.Info("encryption manager ready",
		zap.Uint32("key_version", tc.KeyVersion()),
		zap.String("key_fingerprint", tc.Fingerprint()),
		zap.String("default_mode", string(cfg.DefaultMode)),
	)
	return m, nil
}

func (m *Manager) openSinks() error {
	var opened []audit.Sink
	closeOpened := func() {
		for _, s := range opened {
			_ = s.Close()
		}
	}

	if m.cfg.AuditLogPath != "" {
		s, err := audit.OpenFileSink(m.cfg.AuditLogPath, m.cfg.AuditSyncWrites)
		if err != nil {
			return err
		}
		opened = append(opened, s)
	}
	if m.cfg.AuditBadgerDir != "" {
		s, err := audit.OpenBadgerSink(audit.BadgerOptions{
			DataDir:    m.cfg.AuditBadgerDir,
			SyncWrites: m.cfg.AuditSyncWrites,
			Retention:  m.cfg.AuditRetention,
			Logger:     m.logger,
		})
		if err != nil {
			closeOpened()
			return err
		}
		opened = append(opened, s)
	}

	for _, s := range append(opened, m.extraSinks...) {
		m.trail.AddSink(s)
	}
	return nil
}

// TenantID returns the managed tenant.
func (m *Manager) TenantID() string {
	return m.tenant.TenantID()
}

// Monitor exposes the performance monitor.
func (m *Manager) Monitor() *perf.Monitor {
	return m.monitor
}

// AuditLog returns up to limit most recent audit entries, oldest first.
func (m *Manager) AuditLog(limit int) []audit.Entry {
	return m.trail.Recent(limit)
}

// QueryAudit filters the retained audit entries.
func (m *Manager) QueryAudit(q audit.Query) *audit.QueryResult {
	return m.trail.Query(q)
}

// FlushAudit exports pending audit entries to every configured sink.
func (m *Manager) FlushAudit(ctx context.Context) error {
	return m.trail.Flush(ctx)
}

// Close waits for operations already in progress, then revokes every client
// session, stops the worker pool, flushes and closes audit sinks and wipes
// tenant key material. If ctx ends first the remaining steps still run and
// in-flight operations fail with tenant.ErrWiped. Idempotent.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	drained := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for in-flight operations: %w", ctx.Err()))
	}

	revoked := m.client.RevokeAll()
	if len(revoked) > 0 {
		m.auditLog(audit.Success("close_sessions"), map[string]any{"revoked": len(revoked)})
	}

	if err := m.workers.Stop(10 * time.Second); err != nil {
		errs = append(errs, err)
	}
	if err := m.trail.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	m.tenant.Wipe()

	m.logger.Info("encryption manager closed", zap.Int("sessions_revoked", len(revoked)))
	return errors.Join(errs...)
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) auditLog(event audit.EventType, details map[string]any) {
	m.writeAudit(event, details, false)
}

// writeAudit records an entry; required entries bypass a disabled trail.
func (m *Manager) writeAudit(event audit.EventType, details map[string]any, required bool) {
	log := m.trail.Log
	if required {
		log = m.trail.LogRequired
	}
	if err := log(m.tenant.TenantID(), event, details); err != nil && !errors.Is(err, audit.ErrClosed) {
		m.logger.Error("audit log failed", zap.String("event", string(event)), zap.Error(err))
	}
}

// run brackets fn with audit entries and a performance metric. fn returns the
// number of bytes processed.
func (m *Manager) run(ctx context.Context, op string, kind perf.Operation, details map[string]any, fn func() (int, error)) error {
	return m.runAudited(ctx, op, kind, details, false, fn)
}

// runAudited is run with mandatory auditing when required is set, used for
// documents under a policy with AuditRequired.
func (m *Manager) runAudited(ctx context.Context, op string, kind perf.Operation, details map[string]any, required bool, fn func() (int, error)) error {
	if details == nil {
		details = make(map[string]any)
	}
	m.writeAudit(audit.Start(op), details, required)

	start := time.Now()
	var size int
	err := m.gate(ctx)
	if err == nil {
		defer m.inflight.Done()
		size, err = fn()
	}
	elapsed := time.Since(start)
	m.monitor.Record(kind, elapsed, size, m.tenant.TenantID())

	done := make(map[string]any, len(details)+2)
	for k, v := range details {
		done[k] = v
	}
	done["duration_ms"] = float64(elapsed.Microseconds()) / 1000

	if err != nil {
		done["error"] = err.Error()
		m.writeAudit(audit.Failure(op), done, required)
		return err
	}
	m.writeAudit(audit.Success(op), done, required)
	return nil
}

// gate rejects work on a closed manager or a done context and otherwise
// registers the operation as in flight. The caller must call inflight.Done.
// Work that has started is never interrupted.
func (m *Manager) gate(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.inflight.Add(1)
	return nil
}
