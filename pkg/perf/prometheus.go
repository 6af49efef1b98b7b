package perf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver exports monitor data as Prometheus metrics.
type PrometheusObserver struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	OperationBytes    *prometheus.CounterVec
	AlertsTotal       *prometheus.CounterVec
}

// NewPrometheusObserver creates and registers the metrics with reg.
// A nil reg registers with the default registerer.
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusObserver{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "crypto",
				Name:      "operations_total",
				Help:      "Total number of recorded encryption operations",
			},
			[]string{"operation"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "crypto",
				Name:      "operation_duration_seconds",
				Help:      "Duration of encryption operations",
				Buckets:   []float64{.0005, .001, .002, .004, .005, .008, .01, .02, .05, .1, .2, .5},
			},
			[]string{"operation"},
		),

		OperationBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "crypto",
				Name:      "operation_bytes_total",
				Help:      "Total bytes processed by encryption operations",
			},
			[]string{"operation"},
		),

		AlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "crypto",
				Name:      "performance_alerts_total",
				Help:      "Total number of latency threshold violations",
			},
			[]string{"operation", "severity"},
		),
	}
}

// ObserveMetric implements Observer.
func (p *PrometheusObserver) ObserveMetric(m Metric) {
	op := string(m.Operation)
	p.OperationsTotal.WithLabelValues(op).Inc()
	p.OperationDuration.WithLabelValues(op).Observe(m.Duration.Seconds())
	if m.DataSize > 0 {
		p.OperationBytes.WithLabelValues(op).Add(float64(m.DataSize))
	}
}

// ObserveAlert implements Observer.
func (p *PrometheusObserver) ObserveAlert(a Alert) {
	p.AlertsTotal.WithLabelValues(string(a.Operation), string(a.Severity)).Inc()
}
