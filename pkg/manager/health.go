package manager

import (
	"bytes"
	"time"

	"github.com/orneryd/tenantcrypt/pkg/config"
	"github.com/orneryd/tenantcrypt/pkg/encryption"
	"github.com/orneryd/tenantcrypt/pkg/perf"
)

// Health status values.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusClosed   = "closed"
)

// ComponentStatus reports one component.
type ComponentStatus struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// Health aggregates component status with the performance verdict.
type Health struct {
	Status             string                     `json:"status"`
	TenantID           string                     `json:"tenant_id"`
	Components         map[string]ComponentStatus `json:"components"`
	PerformanceMetrics perf.Statistics            `json:"performance_metrics"`
	ComplianceStatus   perf.ComplianceStatus      `json:"compliance_status"`
	Features           []string                   `json:"features"`
	Timestamp          time.Time                  `json:"timestamp"`
}

var probePlaintext = []byte("tenantcrypt health probe")

// HealthStatus runs a cipher self-test and reports every component.
// The overall status is degraded when any component is, or when the
// performance monitor reports non-compliance.
func (m *Manager) HealthStatus() Health {
	h := Health{
		Status:     StatusHealthy,
		TenantID:   m.tenant.TenantID(),
		Components: make(map[string]ComponentStatus),
		Features:   config.GetEnabledFeatures(),
		Timestamp:  m.now().UTC(),
	}
	if h.Features == nil {
		h.Features = []string{}
	}

	if m.isClosed() {
		h.Status = StatusClosed
		h.Components["tenant"] = ComponentStatus{Status: StatusClosed}
		h.PerformanceMetrics = m.monitor.Statistics()
		h.ComplianceStatus = h.PerformanceMetrics.ComplianceStatus
		return h
	}

	h.Components["aead_cipher"] = m.probeCipher()
	h.Components["tenant"] = ComponentStatus{Status: StatusHealthy, Details: map[string]any{
		"key_version":     m.tenant.KeyVersion(),
		"key_fingerprint": m.tenant.Fingerprint(),
		"retained":        len(m.tenant.CachedVersions()),
	}}
	h.Components["field_encryption"] = ComponentStatus{Status: StatusHealthy, Details: map[string]any{
		"sensitive_fields": len(m.fields.Taxonomy().Fields()),
	}}
	cacheStats := m.index.CacheStats()
	h.Components["searchable_encryption"] = ComponentStatus{Status: StatusHealthy, Details: map[string]any{
		"token_cache": cacheStats,
	}}
	h.Components["client_sessions"] = ComponentStatus{Status: StatusHealthy, Details: map[string]any{
		"active": m.client.Store().Len(),
	}}

	poolStats := m.workers.Stats()
	h.Components["worker_pool"] = ComponentStatus{Status: StatusHealthy, Details: map[string]any{
		"pool":         poolStats,
		"success_rate": poolStats.SuccessRate(),
	}}

	auditStats := m.trail.Stats()
	trail := ComponentStatus{Status: StatusHealthy, Details: map[string]any{"trail": auditStats}}
	if auditStats.Dropped > 0 {
		trail.Status = StatusDegraded
	}
	h.Components["audit"] = trail

	h.PerformanceMetrics = m.monitor.Statistics()
	h.ComplianceStatus = h.PerformanceMetrics.ComplianceStatus

	for _, c := range h.Components {
		if c.Status != StatusHealthy {
			h.Status = StatusDegraded
		}
	}
	if h.ComplianceStatus == perf.NonCompliant {
		h.Status = StatusDegraded
	}
	return h
}

func (m *Manager) probeCipher() ComponentStatus {
	degraded := func(err error) ComponentStatus {
		return ComponentStatus{Status: StatusDegraded, Details: map[string]any{"error": err.Error()}}
	}

	cipher, err := m.tenant.Cipher()
	if err != nil {
		return degraded(err)
	}
	ad := encryption.AssociatedData(m.tenant.TenantID(), "health")
	ct, err := cipher.Encrypt(probePlaintext, ad)
	if err != nil {
		return degraded(err)
	}
	pt, err := cipher.Decrypt(ct, ad)
	if err != nil {
		return degraded(err)
	}
	if !bytes.Equal(pt, probePlaintext) {
		return ComponentStatus{Status: StatusDegraded, Details: map[string]any{"error": "self-test mismatch"}}
	}
	return ComponentStatus{Status: StatusHealthy, Details: map[string]any{
		"algorithm": ct.Algorithm,
		"stats":     cipher.Stats(),
	}}
}
