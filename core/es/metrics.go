package es

import "github.com/wymanxh/AxonFramework/core/metrics"

// EngineMetrics is the instrumentation surface of the storage engine
// and snapshotter. Implementations must be thread-safe.
type EngineMetrics interface {
	// Engine operations
	AppendDuration(aggregateType string) metrics.Timer
	EventsAppended(aggregateType string, count int)
	ReadDuration() metrics.Timer
	ConcurrencyConflict(aggregateType string)

	// Snapshotter outcomes
	SnapshotDuration(aggregateType string) metrics.Timer
	SnapshotStored(aggregateType string)
	SnapshotSkipped(aggregateType string)
	SnapshotFailed(aggregateType string)
}

type nopEngineMetrics struct{}

func (nopEngineMetrics) AppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopEngineMetrics) EventsAppended(string, int)          {}
func (nopEngineMetrics) ReadDuration() metrics.Timer         { return metrics.NopTimer() }
func (nopEngineMetrics) ConcurrencyConflict(string)          {}

func (nopEngineMetrics) SnapshotDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopEngineMetrics) SnapshotStored(string)                 {}
func (nopEngineMetrics) SnapshotSkipped(string)                {}
func (nopEngineMetrics) SnapshotFailed(string)                 {}

// NopEngineMetrics returns a no-op EngineMetrics implementation.
func NopEngineMetrics() EngineMetrics { return nopEngineMetrics{} }
