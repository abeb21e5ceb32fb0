package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Progress ledger metrics
	ProgressTicksTotal    *prometheus.CounterVec // result: written, coalesced, invalid, error
	VideoCompletionsTotal *prometheus.CounterVec // source: watch, quiz

	// Certificate lifecycle metrics
	CertificateTransitionsTotal   *prometheus.CounterVec   // action, result
	CertificateTransitionDuration *prometheus.HistogramVec // action
	CertificateDeliveriesTotal    *prometheus.CounterVec   // status

	// Access gate metrics
	CodeRedemptionsTotal *prometheus.CounterVec // result

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec

	// Catalog validation metrics
	CatalogValidationTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics.
// Repeated calls return the same instance so handlers and components share collectors.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		ProgressTicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skv_progress_ticks_total",
			Help: "Playback ticks received by the progress ledger",
		}, []string{"result"}),

		VideoCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skv_video_completions_total",
			Help: "Videos that became completed",
		}, []string{"source"}),

		CertificateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skv_certificate_transitions_total",
			Help: "Certificate lifecycle transition attempts",
		}, []string{"action", "result"}),

		CertificateTransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skv_certificate_transition_duration_seconds",
			Help:    "Certificate transition duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),

		CertificateDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skv_certificate_deliveries_total",
			Help: "Certificate notification attempts by outcome",
		}, []string{"status"}),

		CodeRedemptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skv_code_redemptions_total",
			Help: "Access code redemptions by result",
		}, []string{"result"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		CatalogValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skv_catalog_validation_total",
			Help: "Course catalog schema validations",
		}, []string{"status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.ProgressTicksTotal)
	registerOrGet(m.VideoCompletionsTotal)
	registerOrGet(m.CertificateTransitionsTotal)
	registerOrGet(m.CertificateTransitionDuration)
	registerOrGet(m.CertificateDeliveriesTotal)
	registerOrGet(m.CodeRedemptionsTotal)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.CatalogValidationTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// Nil-safe helpers so components can run without metrics in unit tests.

// Request counts an HTTP request and observes its duration. path is the route pattern.
func (m *Metrics) Request(method, path string, status int, seconds float64) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.HTTPRequestTotal.WithLabelValues(method, path, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, code).Observe(seconds)
}

// Tick counts a progress tick outcome.
func (m *Metrics) Tick(result string) {
	if m == nil {
		return
	}
	m.ProgressTicksTotal.WithLabelValues(result).Inc()
}

// Completion counts a video completion.
func (m *Metrics) Completion(source string) {
	if m == nil {
		return
	}
	m.VideoCompletionsTotal.WithLabelValues(source).Inc()
}

// Transition counts a lifecycle transition attempt and observes its duration.
func (m *Metrics) Transition(action, result string, seconds float64) {
	if m == nil {
		return
	}
	m.CertificateTransitionsTotal.WithLabelValues(action, result).Inc()
	m.CertificateTransitionDuration.WithLabelValues(action).Observe(seconds)
}

// Delivery counts a notify outcome.
func (m *Metrics) Delivery(status string) {
	if m == nil {
		return
	}
	m.CertificateDeliveriesTotal.WithLabelValues(status).Inc()
}

// Redemption counts an access code redemption outcome.
func (m *Metrics) Redemption(result string) {
	if m == nil {
		return
	}
	m.CodeRedemptionsTotal.WithLabelValues(result).Inc()
}

// Publish counts an event publish outcome.
func (m *Metrics) Publish(eventType string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventPublishTotal.WithLabelValues(eventType, status).Inc()
}

// CatalogValidation counts a catalog schema validation.
func (m *Metrics) CatalogValidation(ok bool) {
	if m == nil {
		return
	}
	status := "valid"
	if !ok {
		status = "invalid"
	}
	m.CatalogValidationTotal.WithLabelValues(status).Inc()
}
