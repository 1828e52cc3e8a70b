package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wymanxh/AxonFramework/core/es"
	"github.com/wymanxh/AxonFramework/core/metrics"
)

// engineMetrics implements es.EngineMetrics using Prometheus.
type engineMetrics struct {
	appendDuration       *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	readDuration         prometheus.Histogram
	concurrencyConflicts *prometheus.CounterVec

	snapshotDuration *prometheus.HistogramVec
	snapshotOutcomes *prometheus.CounterVec
}

// NewEngineMetrics creates a new Prometheus implementation of
// es.EngineMetrics registered on reg.
func NewEngineMetrics(reg prometheus.Registerer) es.EngineMetrics {
	m := &engineMetrics{
		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "axon_es_append_duration_seconds",
			Help:    "Event append latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "axon_es_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"aggregate_type"}),

		readDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "axon_es_read_duration_seconds",
			Help:    "Event stream read latency in seconds",
			Buckets: defaultBuckets,
		}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "axon_es_concurrency_conflicts_total",
			Help: "Total number of optimistic lock failures",
		}, []string{"aggregate_type"}),

		snapshotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "axon_es_snapshot_duration_seconds",
			Help:    "Snapshot task latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		snapshotOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "axon_es_snapshot_outcomes_total",
			Help: "Snapshot task outcomes by result",
		}, []string{"aggregate_type", "outcome"}),
	}

	reg.MustRegister(
		m.appendDuration,
		m.eventsAppended,
		m.readDuration,
		m.concurrencyConflicts,
		m.snapshotDuration,
		m.snapshotOutcomes,
	)

	return m
}

func (m *engineMetrics) AppendDuration(aggType string) metrics.Timer {
	return newTimer(m.appendDuration.WithLabelValues(aggType))
}

func (m *engineMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *engineMetrics) ReadDuration() metrics.Timer {
	return newTimer(m.readDuration)
}

func (m *engineMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *engineMetrics) SnapshotDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotDuration.WithLabelValues(aggType))
}

func (m *engineMetrics) SnapshotStored(aggType string) {
	m.snapshotOutcomes.WithLabelValues(aggType, "stored").Inc()
}

func (m *engineMetrics) SnapshotSkipped(aggType string) {
	m.snapshotOutcomes.WithLabelValues(aggType, "skipped").Inc()
}

func (m *engineMetrics) SnapshotFailed(aggType string) {
	m.snapshotOutcomes.WithLabelValues(aggType, "failed").Inc()
}

var _ es.EngineMetrics = (*engineMetrics)(nil)
