package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics exposed by the recorder
type Metrics struct {
	// Store operations
	AppendsTotal      prometheus.Counter
	AppendDuration    prometheus.Histogram
	AppendErrorsTotal prometheus.Counter
	TaskUpdatesTotal  prometheus.Counter
	RejectedUpdates   prometheus.Counter
	PrunedEventsTotal prometheus.Counter
	StoredEvents      prometheus.Gauge
	ObserverOverflows prometheus.Counter
	ObserversActive   prometheus.Gauge

	// Ingest operations
	FramesReceivedTotal  prometheus.Counter
	MalformedFramesTotal prometheus.Counter
	DroppedEventsTotal   prometheus.Counter
	IngestConnections    prometheus.Gauge

	// Filter operations
	EvaluationsTotal   prometheus.Counter
	EvaluationDuration prometheus.Histogram
	InvalidPredicates  prometheus.Counter
	LiveSubscriptions  prometheus.Gauge
	IncrementalUpdates prometheus.Counter
	FullReevaluations  prometheus.Counter
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		AppendsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsetrail_store_appends_total",
			Help: "Total number of events appended to the store",
		}),
		AppendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulsetrail_store_append_duration_seconds",
			Help:    "Duration of store append operations",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~3s
		}),
		AppendErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsetrail_store_append_errors_total",
			Help: "Total number of store write failures",
		}),
		TaskUpdatesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsetrail_store_task_updates_total",
			Help: "Total number of in-place network task updates",
		}),
		RejectedUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsetrail_store_rejected_updates_total",
			Help: "Total number of updates rejected because the task was terminal",
		}),
		PrunedEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsetrail_store_pruned_events_total",
			Help: "Total number of events removed by retention pruning",
		}),
		StoredEvents: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pulsetrail_store_events",
			Help: "Current number of persisted events",
		}),
		ObserverOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsetrail_store_observer_overflows_total",
			Help: "Total number of observer notifications dropped due to a full queue",
		}),
		ObserversActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pulsetrail_store_observers",
			Help: "Current number of registered store observers",
		}),

		FramesReceivedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsetrail_ingest_frames_received_total",
			Help: "Total number of wire frames received",
		}),
		MalformedFramesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsetrail_ingest_malformed_frames_total",
			Help: "Total number of frames rejected as malformed",
		}),
		DroppedEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsetrail_ingest_dropped_events_total",
			Help: "Total number of buffered events dropped under backpressure",
		}),
		IngestConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pulsetrail_ingest_connections",
			Help: "Current number of active ingest connections",
		}),

		EvaluationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsetrail_filter_evaluations_total",
			Help: "Total number of full criteria evaluations",
		}),
		EvaluationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulsetrail_filter_evaluation_duration_seconds",
			Help:    "Duration of full criteria evaluations",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		InvalidPredicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsetrail_filter_invalid_predicates_total",
			Help: "Total number of custom-filter predicates that failed to compile",
		}),
		LiveSubscriptions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pulsetrail_filter_live_subscriptions",
			Help: "Current number of live filter subscriptions",
		}),
		IncrementalUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsetrail_filter_incremental_updates_total",
			Help: "Total number of incremental result set updates",
		}),
		FullReevaluations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsetrail_filter_full_reevaluations_total",
			Help: "Total number of forced full re-evaluations",
		}),
	}
}

// RecordAppend records an append with its duration and outcome
func (m *Metrics) RecordAppend(duration time.Duration, err error) {
	m.AppendsTotal.Inc()
	m.AppendDuration.Observe(duration.Seconds())
	if err != nil {
		m.AppendErrorsTotal.Inc()
	}
}

// RecordEvaluation records a full criteria evaluation
func (m *Metrics) RecordEvaluation(duration time.Duration) {
	m.EvaluationsTotal.Inc()
	m.EvaluationDuration.Observe(duration.Seconds())
}
