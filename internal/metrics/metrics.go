package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Metrics holds all session and key metrics. A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	sessionOperations *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec
	sessionBytes      *prometheus.CounterVec
	sessionErrors     *prometheus.CounterVec
	wrappedKeys       *prometheus.CounterVec
	keyLookups        *prometheus.CounterVec
}

// NewMetrics creates a new metrics instance on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		gatherer: gatherer,
		sessionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_operations_total",
				Help: "Total number of encryption session operations",
			},
			[]string{"operation", "mode"}, // begin, end, abort, update_access
		),
		sessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "session_duration_seconds",
				Help:    "Time from begin to end of an encryption session",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"mode"},
		),
		sessionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_bytes_total",
				Help: "Total bytes fed through encryption sessions",
			},
			[]string{"mode"},
		),
		sessionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_errors_total",
				Help: "Total number of failed session operations",
			},
			[]string{"operation", "error_type"},
		),
		wrappedKeys: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wrapped_keys_total",
				Help: "Total number of file keys wrapped or unwrapped per recipient",
			},
			[]string{"operation"}, // wrap or unwrap
		),
		keyLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_lookups_total",
				Help: "Total number of key store lookups",
			},
			[]string{"kind", "result"}, // kind: public_key, private_key, file_key; result: hit, miss, denied, error
		),
	}
}

// RecordSessionOperation counts a session operation.
func (m *Metrics) RecordSessionOperation(operation, mode string) {
	if m == nil {
		return
	}
	m.sessionOperations.WithLabelValues(operation, mode).Inc()
}

// RecordSession records a completed session.
func (m *Metrics) RecordSession(mode string, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.sessionDuration.WithLabelValues(mode).Observe(duration.Seconds())
	m.sessionBytes.WithLabelValues(mode).Add(float64(bytes))
}

// RecordSessionError records a failed session operation.
func (m *Metrics) RecordSessionError(operation, errorType string) {
	if m == nil {
		return
	}
	m.sessionErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordWrappedKeys counts per-recipient key wraps or unwraps.
func (m *Metrics) RecordWrappedKeys(operation string, count int) {
	if m == nil {
		return
	}
	m.wrappedKeys.WithLabelValues(operation).Add(float64(count))
}

// RecordKeyLookup records a key store lookup outcome.
func (m *Metrics) RecordKeyLookup(kind, result string) {
	if m == nil {
		return
	}
	m.keyLookups.WithLabelValues(kind, result).Inc()
}

// Handler returns the HTTP handler exposing the registry this instance uses.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
