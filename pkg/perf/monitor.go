// Package perf records encryption latencies and enforces the latency SLA.
//
// Every operation is appended to a fixed-capacity ring buffer (oldest evicted)
// and folded into running per-operation counters. An operation slower than its
// hard threshold emits one Alert; the operation itself is never failed.
//
// Thresholds:
//
//	operation        limit   warning  critical
//	encryption       5ms     4ms      8ms
//	decryption       5ms     4ms      8ms
//	search           10ms    8ms      20ms
//	key_operation    100ms   80ms     200ms
//
// An alert is "critical" at or past the critical level and "warning" otherwise.
// The warning level drives the elevated-average score penalty, not alerts.
package perf

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Operation is the class of a recorded operation.
type Operation string

const (
	OpEncryption   Operation = "encryption"
	OpDecryption   Operation = "decryption"
	OpSearch       Operation = "search"
	OpKeyOperation Operation = "key_operation"
)

// Operations lists every operation class in report order.
var Operations = []Operation{OpEncryption, OpDecryption, OpSearch, OpKeyOperation}

// Severity of a performance alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ComplianceStatus is the SLA verdict.
type ComplianceStatus string

const (
	Compliant    ComplianceStatus = "compliant"
	NonCompliant ComplianceStatus = "non_compliant"
)

// Thresholds for one operation class.
type Thresholds struct {
	Limit    time.Duration `yaml:"limit" json:"limit"`
	Warning  time.Duration `yaml:"warning" json:"warning"`
	Critical time.Duration `yaml:"critical" json:"critical"`
}

// DefaultThresholds returns the SLA thresholds.
func DefaultThresholds() map[Operation]Thresholds {
	crypto := Thresholds{Limit: 5 * time.Millisecond, Warning: 4 * time.Millisecond, Critical: 8 * time.Millisecond}
	return map[Operation]Thresholds{
		OpEncryption:   crypto,
		OpDecryption:   crypto,
		OpSearch:       {Limit: 10 * time.Millisecond, Warning: 8 * time.Millisecond, Critical: 20 * time.Millisecond},
		OpKeyOperation: {Limit: 100 * time.Millisecond, Warning: 80 * time.Millisecond, Critical: 200 * time.Millisecond},
	}
}

// Metric is one recorded operation.
type Metric struct {
	Operation Operation     `json:"operation"`
	Duration  time.Duration `json:"duration"`
	DataSize  int           `json:"data_size"`
	Timestamp time.Time     `json:"timestamp"`
	TenantID  string        `json:"tenant_id,omitempty"`
}

// Alert is emitted when an operation exceeds its limit.
type Alert struct {
	Operation Operation     `json:"operation"`
	Severity  Severity      `json:"severity"`
	Duration  time.Duration `json:"duration"`
	Threshold time.Duration `json:"threshold"`
	TenantID  string        `json:"tenant_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Message   string        `json:"message"`
}

// Observer receives every metric and alert. Implementations must not block.
type Observer interface {
	ObserveMetric(Metric)
	ObserveAlert(Alert)
}

// Config configures a Monitor.
type Config struct {
	Capacity      int
	AlertCapacity int
	RecentWindow  time.Duration
	Thresholds    map[Operation]Thresholds
}

// DefaultConfig returns the default monitor settings.
func DefaultConfig() Config {
	return Config{
		Capacity:      10000,
		AlertCapacity: 1000,
		RecentWindow:  5 * time.Minute,
		Thresholds:    DefaultThresholds(),
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger used for alerts.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithObserver attaches an observer.
func WithObserver(o Observer) Option {
	return func(m *Monitor) { m.observers = append(m.observers, o) }
}

type aggregate struct {
	count      uint64
	total      time.Duration
	max        time.Duration
	violations uint64
	bytes      int64
}

// Monitor records operation timings. Safe for concurrent use.
type Monitor struct {
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	observers []Observer

	mu          sync.Mutex
	metrics     *ring[Metric]
	alerts      *ring[Alert]
	totals      map[Operation]*aggregate
	alertsTotal uint64
}

// NewMonitor creates a monitor. Zero config fields take defaults.
func NewMonitor(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.AlertCapacity <= 0 {
		cfg.AlertCapacity = def.AlertCapacity
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = def.RecentWindow
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = def.Thresholds
	}

	m := &Monitor{
		cfg:     cfg,
		logger:  zap.NewNop(),
		now:     time.Now,
		metrics: newRing[Metric](cfg.Capacity),
		alerts:  newRing[Alert](cfg.AlertCapacity),
		totals:  make(map[Operation]*aggregate, len(Operations)),
	}
	for _, op := range Operations {
		m.totals[op] = &aggregate{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordEncryption records an encryption. Returns the alert raised, if any.
func (m *Monitor) RecordEncryption(d time.Duration, size int, tenantID string) *Alert {
	return m.Record(OpEncryption, d, size, tenantID)
}

// RecordDecryption records a decryption.
func (m *Monitor) RecordDecryption(d time.Duration, size int, tenantID string) *Alert {
	return m.Record(OpDecryption, d, size, tenantID)
}

// RecordSearch records a search.
func (m *Monitor) RecordSearch(d time.Duration, size int, tenantID string) *Alert {
	return m.Record(OpSearch, d, size, tenantID)
}

// RecordKeyOperation records a key derivation, rotation or session operation.
func (m *Monitor) RecordKeyOperation(d time.Duration, size int, tenantID string) *Alert {
	return m.Record(OpKeyOperation, d, size, tenantID)
}

// Record appends a metric and emits an alert if d exceeds the operation's limit.
func (m *Monitor) Record(op Operation, d time.Duration, size int, tenantID string) *Alert {
	metric := Metric{Operation: op, Duration: d, DataSize: size, Timestamp: m.now(), TenantID: tenantID}
	th, hasThreshold := m.cfg.Thresholds[op]

	var alert *Alert
	if hasThreshold && th.Limit > 0 && d > th.Limit {
		severity := SeverityWarning
		if th.Critical > 0 && d >= th.Critical {
			severity = SeverityCritical
		}
		alert = &Alert{
			Operation: op,
			Severity:  severity,
			Duration:  d,
			Threshold: th.Limit,
			TenantID:  tenantID,
			Timestamp: metric.Timestamp,
			Message:   fmt.Sprintf("%s took %s, exceeding the %s threshold", op, d, th.Limit),
		}
	}

	m.mu.Lock()
	m.metrics.push(metric)
	agg, ok := m.totals[op]
	if !ok {
		agg = &aggregate{}
		m.totals[op] = agg
	}
	agg.count++
	agg.total += d
	agg.bytes += int64(size)
	if d > agg.max {
		agg.max = d
	}
	if alert != nil {
		agg.violations++
		m.alerts.push(*alert)
		m.alertsTotal++
	}
	m.mu.Unlock()

	for _, o := range m.observers {
		o.ObserveMetric(metric)
		if alert != nil {
			o.ObserveAlert(*alert)
		}
	}
	if alert != nil {
		m.logger.Warn("performance threshold exceeded",
			zap.String("operation", string(op)),
			zap.String("severity", string(alert.Severity)),
			zap.Duration("duration", d),
			zap.Duration("threshold", th.Limit),
			zap.String("tenant_id", tenantID),
		)
	}
	return alert
}

// Alerts returns the retained alerts, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts.items()
}

// Metrics returns the retained metrics, oldest first.
func (m *Monitor) Metrics() []Metric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics.items()
}

// Reset clears all recorded state.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = newRing[Metric](m.cfg.Capacity)
	m.alerts = newRing[Alert](m.cfg.AlertCapacity)
	m.alertsTotal = 0
	for op := range m.totals {
		m.totals[op] = &aggregate{}
	}
}

// OperationStats summarizes one operation class.
type OperationStats struct {
	Count         uint64        `json:"count"`
	AverageTime   time.Duration `json:"average_time"`
	MaxTime       time.Duration `json:"max_time"`
	Violations    uint64        `json:"violations"`
	TotalBytes    int64         `json:"total_bytes"`
	RecentCount   int           `json:"recent_count"`
	RecentAverage time.Duration `json:"recent_average"`
	RecentP95     time.Duration `json:"recent_p95"`
}

// Statistics is the aggregate monitor report.
type Statistics struct {
	TenantID         string                       `json:"tenant_id,omitempty"`
	Operations       map[Operation]OperationStats `json:"operations"`
	TotalOperations  uint64                       `json:"total_operations"`
	TotalViolations  uint64                       `json:"total_violations"`
	AlertCount       uint64                       `json:"alert_count"`
	Score            float64                      `json:"score"`
	ComplianceStatus ComplianceStatus             `json:"compliance_status"`
	GeneratedAt      time.Time                    `json:"generated_at"`
}

// Statistics returns lifetime counters plus recent-window average and P95.
func (m *Monitor) Statistics() Statistics {
	now := m.now()

	m.mu.Lock()
	metrics := m.metrics.items()
	stats := Statistics{
		Operations:  make(map[Operation]OperationStats, len(m.totals)),
		AlertCount:  m.alertsTotal,
		GeneratedAt: now,
	}
	for op, agg := range m.totals {
		s := OperationStats{
			Count:      agg.count,
			MaxTime:    agg.max,
			Violations: agg.violations,
			TotalBytes: agg.bytes,
		}
		if agg.count > 0 {
			s.AverageTime = agg.total / time.Duration(agg.count)
		}
		stats.Operations[op] = s
	}
	m.mu.Unlock()

	m.fillRecent(&stats, metrics, now, "")
	m.finish(&stats)
	return stats
}

// TenantReport returns statistics over the retained metrics of one tenant.
func (m *Monitor) TenantReport(tenantID string) Statistics {
	now := m.now()

	m.mu.Lock()
	metrics := m.metrics.items()
	alerts := m.alerts.items()
	m.mu.Unlock()

	stats := Statistics{
		TenantID:    tenantID,
		Operations:  make(map[Operation]OperationStats, len(Operations)),
		GeneratedAt: now,
	}
	totals := make(map[Operation]time.Duration)
	for _, mt := range metrics {
		if mt.TenantID != tenantID {
			continue
		}
		s := stats.Operations[mt.Operation]
		s.Count++
		s.TotalBytes += int64(mt.DataSize)
		totals[mt.Operation] += mt.Duration
		if mt.Duration > s.MaxTime {
			s.MaxTime = mt.Duration
		}
		if th, ok := m.cfg.Thresholds[mt.Operation]; ok && th.Limit > 0 && mt.Duration > th.Limit {
			s.Violations++
		}
		stats.Operations[mt.Operation] = s
	}
	for op, s := range stats.Operations {
		s.AverageTime = totals[op] / time.Duration(s.Count)
		stats.Operations[op] = s
	}
	for _, op := range Operations {
		if _, ok := stats.Operations[op]; !ok {
			stats.Operations[op] = OperationStats{}
		}
	}
	for _, a := range alerts {
		if a.TenantID == tenantID {
			stats.AlertCount++
		}
	}

	m.fillRecent(&stats, metrics, now, tenantID)
	m.finish(&stats)
	return stats
}

// fillRecent computes recent-window averages and P95 from retained metrics.
// An empty tenantID selects all tenants.
func (m *Monitor) fillRecent(stats *Statistics, metrics []Metric, now time.Time, tenantID string) {
	cutoff := now.Add(-m.cfg.RecentWindow)
	recent := make(map[Operation][]time.Duration)
	for _, mt := range metrics {
		if mt.Timestamp.Before(cutoff) {
			continue
		}
		if tenantID != "" && mt.TenantID != tenantID {
			continue
		}
		recent[mt.Operation] = append(recent[mt.Operation], mt.Duration)
	}

	for op, durations := range recent {
		s := stats.Operations[op]
		s.RecentCount = len(durations)
		s.RecentAverage = average(durations)
		s.RecentP95 = Percentile(durations, 95)
		stats.Operations[op] = s
	}
}

func (m *Monitor) finish(stats *Statistics) {
	for _, s := range stats.Operations {
		stats.TotalOperations += s.Count
		stats.TotalViolations += s.Violations
	}

	enc := stats.Operations[OpEncryption]
	dec := stats.Operations[OpDecryption]
	limit := m.cfg.Thresholds[OpEncryption].Limit
	warning := m.cfg.Thresholds[OpEncryption].Warning

	var cryptoAvg time.Duration
	if n := enc.Count + dec.Count; n > 0 {
		cryptoAvg = (enc.AverageTime*time.Duration(enc.Count) + dec.AverageTime*time.Duration(dec.Count)) / time.Duration(n)
	}

	stats.Score = Score(stats.TotalOperations, stats.TotalViolations, cryptoAvg, warning, limit)

	stats.ComplianceStatus = Compliant
	if enc.MaxTime > limit || dec.MaxTime > limit {
		stats.ComplianceStatus = NonCompliant
	}
}

// Score computes the 0-100 performance score.
//
// The violation rate costs up to 50 points. An average above the warning level
// costs 15 more, above the limit 30.
func Score(total, violations uint64, avg, warning, limit time.Duration) float64 {
	score := 100.0
	if total > 0 {
		score -= float64(violations) / float64(total) * 50
	}
	switch {
	case limit > 0 && avg > limit:
		score -= 30
	case warning > 0 && avg > warning:
		score -= 15
	}
	return math.Max(0, math.Min(100, score))
}

// Percentile returns the p-th percentile (nearest rank) of durations.
func Percentile(durations []time.Duration, p float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total / time.Duration(len(durations))
}
