package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

const namespace = "gateway"

// GatewayMetrics owns the API process registry. It also implements the health,
// retrieval and dispatch observers of the use cases.
type GatewayMetrics struct {
	registry *prometheus.Registry
	service  string

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	probesTotal     *prometheus.CounterVec
	probeDuration   *prometheus.HistogramVec
	healthyBackends *prometheus.GaugeVec

	retrievalTotal    *prometheus.CounterVec
	retrievalHits     *prometheus.HistogramVec
	retrievalDuration *prometheus.HistogramVec
	ragOutcomesTotal  *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
}

func NewGatewayMetrics(service string) *GatewayMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	probesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Total backend health probes by role and result.",
		},
		[]string{"role", "result"},
	)
	probeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Backend health probe duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"role"},
	)
	healthyBackends := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "healthy_backends",
			Help:      "Backends that passed the last health cycle, by role.",
		},
		[]string{"role"},
	)
	retrievalTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "retrievals_total",
			Help:      "Retrieval calls by origin and result.",
		},
		[]string{"origin", "result"},
	)
	retrievalHits := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "retrieved_hits",
			Help:      "Hits returned per successful retrieval call.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"origin"},
	)
	retrievalDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "retrieval_duration_seconds",
			Help:      "Retrieval duration in seconds by origin.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"origin"},
	)
	ragOutcomesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "outcomes_total",
			Help:      "Chat requests by retrieval augmentation outcome.",
		},
		[]string{"outcome"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"breaker"},
	)
	breakerTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions.",
		},
		[]string{"breaker", "to"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		probesTotal,
		probeDuration,
		healthyBackends,
		retrievalTotal,
		retrievalHits,
		retrievalDuration,
		ragOutcomesTotal,
		breakerState,
		breakerTransitions,
	)

	return &GatewayMetrics{
		registry:           registry,
		service:            service,
		requestTotal:       requestTotal,
		requestDuration:    requestDuration,
		requestInFlight:    requestInFlight,
		probesTotal:        probesTotal,
		probeDuration:      probeDuration,
		healthyBackends:    healthyBackends,
		retrievalTotal:     retrievalTotal,
		retrievalHits:      retrievalHits,
		retrievalDuration:  retrievalDuration,
		ragOutcomesTotal:   ragOutcomesTotal,
		breakerState:       breakerState,
		breakerTransitions: breakerTransitions,
	}
}

func (m *GatewayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *GatewayMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		path := routePattern(r)
		m.requestTotal.WithLabelValues(
			m.service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(m.service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routePattern keeps label cardinality bounded by using the matched chi route.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

func (m *GatewayMetrics) ObserveProbe(role domain.Role, healthy bool, duration time.Duration) {
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	m.probesTotal.WithLabelValues(string(role), result).Inc()
	m.probeDuration.WithLabelValues(string(role)).Observe(duration.Seconds())
}

func (m *GatewayMetrics) SetHealthyBackends(role domain.Role, count int) {
	m.healthyBackends.WithLabelValues(string(role)).Set(float64(count))
}

func (m *GatewayMetrics) ObserveRetrieval(origin domain.Origin, ok bool, hits int, duration time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.retrievalTotal.WithLabelValues(string(origin), result).Inc()
	m.retrievalDuration.WithLabelValues(string(origin)).Observe(duration.Seconds())
	if ok {
		m.retrievalHits.WithLabelValues(string(origin)).Observe(float64(hits))
	}
}

func (m *GatewayMetrics) ObserveRag(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.ragOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveBreaker matches resilience.StateObserver.
func (m *GatewayMetrics) ObserveBreaker(breaker string, _ gobreaker.State, to gobreaker.State) {
	m.breakerState.WithLabelValues(breaker).Set(breakerStateValue(to))
	m.breakerTransitions.WithLabelValues(breaker, to.String()).Inc()
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}
