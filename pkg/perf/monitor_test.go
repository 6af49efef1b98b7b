package perf

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mu      sync.Mutex
	metrics []Metric
	alerts  []Alert
}

func (r *recordingObserver) ObserveMetric(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, m)
}

func (r *recordingObserver) ObserveAlert(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// =============================================================================
// Alerts
// =============================================================================

func TestRecord_SixMillisecondEncryptionWarns(t *testing.T) {
	m := NewMonitor(Config{})

	alert := m.RecordEncryption(6*time.Millisecond, 128, "tenant-a")
	require.NotNil(t, alert)
	assert.Equal(t, SeverityWarning, alert.Severity)
	assert.Equal(t, OpEncryption, alert.Operation)
	assert.Equal(t, 5*time.Millisecond, alert.Threshold)
	assert.Equal(t, "tenant-a", alert.TenantID)

	assert.Len(t, m.Alerts(), 1)
	assert.Len(t, m.Metrics(), 1)
}

func TestRecord_Thresholds(t *testing.T) {
	tests := []struct {
		name     string
		op       Operation
		d        time.Duration
		severity Severity // empty means no alert
	}{
		{"encryption_under_warning", OpEncryption, 3 * time.Millisecond, ""},
		{"encryption_in_warning_band", OpEncryption, 4500 * time.Microsecond, ""},
		{"encryption_at_limit", OpEncryption, 5 * time.Millisecond, ""},
		{"encryption_over_limit", OpEncryption, 7 * time.Millisecond, SeverityWarning},
		{"encryption_at_critical", OpEncryption, 8 * time.Millisecond, SeverityCritical},
		{"decryption_critical", OpDecryption, 50 * time.Millisecond, SeverityCritical},
		{"search_ok", OpSearch, 9 * time.Millisecond, ""},
		{"search_warning", OpSearch, 15 * time.Millisecond, SeverityWarning},
		{"search_critical", OpSearch, 25 * time.Millisecond, SeverityCritical},
		{"key_ok", OpKeyOperation, 90 * time.Millisecond, ""},
		{"key_warning", OpKeyOperation, 150 * time.Millisecond, SeverityWarning},
		{"key_critical", OpKeyOperation, 200 * time.Millisecond, SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(Config{})
			alert := m.Record(tt.op, tt.d, 0, "")
			if tt.severity == "" {
				assert.Nil(t, alert)
				return
			}
			require.NotNil(t, alert)
			assert.Equal(t, tt.severity, alert.Severity)
		})
	}
}

// =============================================================================
// Statistics
// =============================================================================

func TestStatistics(t *testing.T) {
	clock := newFakeClock()
	m := NewMonitor(Config{}, WithClock(clock.Now))

	m.RecordEncryption(1*time.Millisecond, 100, "a")
	m.RecordEncryption(3*time.Millisecond, 100, "a")
	m.RecordDecryption(2*time.Millisecond, 50, "b")
	m.RecordSearch(4*time.Millisecond, 0, "a")

	stats := m.Statistics()
	enc := stats.Operations[OpEncryption]
	assert.Equal(t, uint64(2), enc.Count)
	assert.Equal(t, 2*time.Millisecond, enc.AverageTime)
	assert.Equal(t, 3*time.Millisecond, enc.MaxTime)
	assert.Equal(t, int64(200), enc.TotalBytes)
	assert.Equal(t, 2, enc.RecentCount)
	assert.Equal(t, 3*time.Millisecond, enc.RecentP95)

	assert.Equal(t, uint64(4), stats.TotalOperations)
	assert.Equal(t, uint64(0), stats.TotalViolations)
	assert.Equal(t, 100.0, stats.Score)
	assert.Equal(t, Compliant, stats.ComplianceStatus)
	assert.Contains(t, stats.Operations, OpKeyOperation)

	t.Run("recent_window_excludes_old", func(t *testing.T) {
		clock.Advance(6 * time.Minute)
		m.RecordEncryption(4*time.Millisecond, 10, "a")

		stats := m.Statistics()
		enc := stats.Operations[OpEncryption]
		assert.Equal(t, uint64(3), enc.Count)
		assert.Equal(t, 1, enc.RecentCount)
		assert.Equal(t, 4*time.Millisecond, enc.RecentAverage)
		assert.Equal(t, 0, stats.Operations[OpSearch].RecentCount)
	})
}

func TestStatistics_ComplianceAndScore(t *testing.T) {
	m := NewMonitor(Config{})

	for i := 0; i < 9; i++ {
		m.RecordEncryption(2*time.Millisecond, 0, "")
	}
	m.RecordDecryption(6*time.Millisecond, 0, "")

	stats := m.Statistics()
	assert.Equal(t, NonCompliant, stats.ComplianceStatus)
	assert.Equal(t, uint64(1), stats.TotalViolations)
	assert.Equal(t, uint64(1), stats.AlertCount)
	// 10% violations -> -5; crypto average 2.4ms -> no average penalty
	assert.InDelta(t, 95.0, stats.Score, 0.001)
}

func TestScore(t *testing.T) {
	ms := time.Millisecond
	assert.Equal(t, 100.0, Score(0, 0, 0, 4*ms, 5*ms))
	assert.Equal(t, 85.0, Score(10, 0, 4500*time.Microsecond, 4*ms, 5*ms))
	assert.Equal(t, 70.0, Score(10, 0, 6*ms, 4*ms, 5*ms))
	assert.Equal(t, 20.0, Score(10, 10, 6*ms, 4*ms, 5*ms))
	assert.Equal(t, 75.0, Score(4, 2, 1*ms, 4*ms, 5*ms))
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, time.Duration(0), Percentile(nil, 95))

	durations := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, 95*time.Millisecond, Percentile(durations, 95))
	assert.Equal(t, 50*time.Millisecond, Percentile(durations, 50))
	assert.Equal(t, 100*time.Millisecond, Percentile(durations, 100))
	assert.Equal(t, 100*time.Millisecond, durations[0], "input must not be reordered")

	assert.Equal(t, 7*time.Millisecond, Percentile([]time.Duration{7 * time.Millisecond}, 95))
}

func TestTenantReport(t *testing.T) {
	m := NewMonitor(Config{})
	m.RecordEncryption(2*time.Millisecond, 10, "a")
	m.RecordEncryption(9*time.Millisecond, 10, "a")
	m.RecordEncryption(1*time.Millisecond, 10, "b")
	m.RecordSearch(3*time.Millisecond, 0, "b")

	a := m.TenantReport("a")
	assert.Equal(t, "a", a.TenantID)
	assert.Equal(t, uint64(2), a.Operations[OpEncryption].Count)
	assert.Equal(t, 9*time.Millisecond, a.Operations[OpEncryption].MaxTime)
	assert.Equal(t, 5500*time.Microsecond, a.Operations[OpEncryption].AverageTime)
	assert.Equal(t, uint64(1), a.TotalViolations)
	assert.Equal(t, uint64(1), a.AlertCount)
	assert.Equal(t, NonCompliant, a.ComplianceStatus)

	b := m.TenantReport("b")
	assert.Equal(t, uint64(2), b.TotalOperations)
	assert.Equal(t, uint64(0), b.AlertCount)
	assert.Equal(t, Compliant, b.ComplianceStatus)
	assert.Equal(t, 1, b.Operations[OpSearch].RecentCount)

	none := m.TenantReport("nobody")
	assert.Equal(t, uint64(0), none.TotalOperations)
	assert.Equal(t, 100.0, none.Score)
}

// =============================================================================
// Ring buffer
// =============================================================================

func TestRingBufferEviction(t *testing.T) {
	m := NewMonitor(Config{Capacity: 3, AlertCapacity: 2})
	for i := 1; i <= 5; i++ {
		m.RecordEncryption(time.Duration(i)*10*time.Millisecond, i, "")
	}

	metrics := m.Metrics()
	require.Len(t, metrics, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{metrics[0].DataSize, metrics[1].DataSize, metrics[2].DataSize})

	alerts := m.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, 40*time.Millisecond, alerts[0].Duration)

	stats := m.Statistics()
	assert.Equal(t, uint64(5), stats.Operations[OpEncryption].Count, "lifetime counters survive eviction")
	assert.Equal(t, uint64(5), stats.AlertCount)

	m.Reset()
	assert.Empty(t, m.Metrics())
	assert.Equal(t, uint64(0), m.Statistics().TotalOperations)
}

func TestRing(t *testing.T) {
	r := newRing[int](3)
	assert.Empty(t, r.items())
	r.push(1)
	r.push(2)
	assert.Equal(t, []int{1, 2}, r.items())
	r.push(3)
	r.push(4)
	assert.Equal(t, []int{2, 3, 4}, r.items())
	assert.Equal(t, 3, r.len())
}

// =============================================================================
// Observers
// =============================================================================

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	m := NewMonitor(Config{}, WithObserver(obs))

	m.RecordEncryption(1*time.Millisecond, 1, "")
	m.RecordEncryption(10*time.Millisecond, 1, "")

	assert.Len(t, obs.metrics, 2)
	require.Len(t, obs.alerts, 1)
	assert.Equal(t, SeverityCritical, obs.alerts[0].Severity)
}

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewPrometheusObserver(reg, "tenantcrypt")
	m := NewMonitor(Config{}, WithObserver(obs))

	m.RecordEncryption(1*time.Millisecond, 64, "a")
	m.RecordEncryption(6*time.Millisecond, 64, "a")
	m.RecordSearch(1*time.Millisecond, 0, "a")

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	counterFor := func(name string, labels map[string]string) float64 {
		f, ok := byName[name]
		require.True(t, ok, name)
		for _, metric := range f.GetMetric() {
			match := true
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
		return 0
	}

	assert.Equal(t, 2.0, counterFor("tenantcrypt_crypto_operations_total", map[string]string{"operation": "encryption"}))
	assert.Equal(t, 1.0, counterFor("tenantcrypt_crypto_operations_total", map[string]string{"operation": "search"}))
	assert.Equal(t, 128.0, counterFor("tenantcrypt_crypto_operation_bytes_total", map[string]string{"operation": "encryption"}))
	assert.Equal(t, 1.0, counterFor("tenantcrypt_crypto_performance_alerts_total", map[string]string{"operation": "encryption", "severity": "warning"}))
	assert.Contains(t, byName, "tenantcrypt_crypto_operation_duration_seconds")
}

func TestMonitor_Concurrent(t *testing.T) {
	m := NewMonitor(Config{Capacity: 100})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				m.RecordEncryption(time.Millisecond, 1, "t")
				_ = m.Statistics()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(2000), m.Statistics().Operations[OpEncryption].Count)
	assert.Len(t, m.Metrics(), 100)
}
