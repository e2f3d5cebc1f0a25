package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the HTTP surface.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medledger_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "medledger_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	registry.MustRegister(requests, duration)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for engine-specific metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// EngineMetrics counts core ledger and verification outcomes.
type EngineMetrics struct {
	appendsTotal       *prometheus.CounterVec
	verificationsTotal *prometheus.CounterVec
	alertsOpened       prometheus.Counter
}

// NewEngineMetrics registers the engine counters.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	appends := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medledger_ledger_appends_total",
		Help: "Ledger transactions appended, by movement type.",
	}, []string{"type"})
	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medledger_verifications_total",
		Help: "Verification attempts resolved, by resulting status.",
	}, []string{"status"})
	alerts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "medledger_alerts_opened_total",
		Help: "Stock alerts opened.",
	})
	reg.MustRegister(appends, verifications, alerts)
	return &EngineMetrics{appendsTotal: appends, verificationsTotal: verifications, alertsOpened: alerts}
}

// ObserveAppend counts one committed ledger append.
func (m *EngineMetrics) ObserveAppend(txType string) {
	if m == nil {
		return
	}
	m.appendsTotal.WithLabelValues(txType).Inc()
}

// ObserveVerification counts one resolved verification attempt.
func (m *EngineMetrics) ObserveVerification(status string) {
	if m == nil {
		return
	}
	m.verificationsTotal.WithLabelValues(status).Inc()
}

// ObserveAlertsOpened counts newly opened alerts.
func (m *EngineMetrics) ObserveAlertsOpened(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.alertsOpened.Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
