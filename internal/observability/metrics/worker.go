package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics covers the health relay process. Every series carries the push
// target so two workers relaying to different endpoints stay apart.
type WorkerMetrics struct {
	registry *prometheus.Registry
	target   string

	reportsTotal *prometheus.CounterVec
	pushDuration *prometheus.HistogramVec
	reportLag    *prometheus.HistogramVec
	lastRelayed  *prometheus.GaugeVec
}

func NewWorkerMetrics(service, target string) *WorkerMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	reportsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "health_reports_total",
			Help:        "Health reports consumed by outcome (relayed, failed, stale, rejected).",
			ConstLabels: constLabels,
		},
		[]string{"target", "outcome"},
	)
	// A push is one small JSON POST; the upper buckets cover the retry budget.
	pushDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "health_push_duration_seconds",
			Help:        "Time spent pushing one report to the health endpoint, retries included.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		},
		[]string{"target", "outcome"},
	)
	// Lag is bounded below by bus latency and grows in whole health intervals
	// when the worker falls behind.
	reportLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "health_report_lag_seconds",
			Help:        "Delay between the health cycle that produced a report and its relay.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			ConstLabels: constLabels,
		},
		[]string{"target"},
	)
	lastRelayed := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "last_relayed_report_timestamp_seconds",
			Help:        "Health cycle time of the newest report the endpoint accepted.",
			ConstLabels: constLabels,
		},
		[]string{"target"},
	)

	registry.MustRegister(reportsTotal, pushDuration, reportLag, lastRelayed)

	return &WorkerMetrics{
		registry:     registry,
		target:       target,
		reportsTotal: reportsTotal,
		pushDuration: pushDuration,
		reportLag:    reportLag,
		lastRelayed:  lastRelayed,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRelay counts one consumed report. push is zero when no push was attempted.
func (m *WorkerMetrics) ObserveRelay(outcome string, push time.Duration) {
	m.reportsTotal.WithLabelValues(m.target, outcome).Inc()
	if push > 0 {
		m.pushDuration.WithLabelValues(m.target, outcome).Observe(push.Seconds())
	}
}

func (m *WorkerMetrics) ObserveReportLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.reportLag.WithLabelValues(m.target).Observe(lag.Seconds())
}

func (m *WorkerMetrics) MarkRelayed(checkedAt time.Time) {
	m.lastRelayed.WithLabelValues(m.target).Set(float64(checkedAt.UnixNano()) / 1e9)
}
