package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Unit-of-work metrics, labelled by lifecycle operation
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Battle lifecycle metrics
	BattleTransitionsTotal *prometheus.CounterVec
	EntriesSubmittedTotal  *prometheus.CounterVec
	VotesTotal             *prometheus.CounterVec
	SweepRunsTotal         *prometheus.CounterVec
	SweepDuration          prometheus.Histogram
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, creating and registering it on first use
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

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

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage transactions",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Storage transaction duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		BattleTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_transitions_total",
			Help: "Total number of attempted battle status transitions",
		}, []string{"from", "to", "result"}),

		EntriesSubmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_entries_submitted_total",
			Help: "Total number of entry submissions by result",
		}, []string{"result"}),

		VotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_votes_total",
			Help: "Total number of votes by outcome",
		}, []string{"outcome"}),

		SweepRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_sweep_runs_total",
			Help: "Total number of status sweeps",
		}, []string{"result"}),

		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "battle_sweep_duration_seconds",
			Help:    "Status sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registerMetrics(m)

	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.StorageOperationDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
	registerOrGet(m.BattleTransitionsTotal)
	registerOrGet(m.EntriesSubmittedTotal)
	registerOrGet(m.VotesTotal)
	registerOrGet(m.SweepRunsTotal)
	registerOrGet(m.SweepDuration)
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

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveStorage records one unit of work.
func (m *Metrics) ObserveStorage(operation string, start time.Time, err error) {
	s := status(err)
	m.StorageOperationTotal.WithLabelValues(operation, s).Inc()
	m.StorageOperationDuration.WithLabelValues(operation, s).Observe(time.Since(start).Seconds())
}

// ObservePublish records one event publish.
func (m *Metrics) ObservePublish(eventType string, start time.Time, err error) {
	s := status(err)
	m.EventPublishTotal.WithLabelValues(eventType, s).Inc()
	m.EventPublishDuration.WithLabelValues(eventType, s).Observe(time.Since(start).Seconds())
}

// ObserveSweep records one status sweep.
func (m *Metrics) ObserveSweep(start time.Time, failures int) {
	result := "success"
	if failures > 0 {
		result = "partial"
	}
	m.SweepRunsTotal.WithLabelValues(result).Inc()
	m.SweepDuration.Observe(time.Since(start).Seconds())
}
