package es

import (
	"context"
	"sync"
)

// SnapshotTrigger decides when an aggregate's history has grown enough
// to warrant compaction.
type SnapshotTrigger interface {
	// EventsAppended is invoked after count events were committed for
	// the aggregate.
	EventsAppended(ctx context.Context, aggregateType, aggregateID string, count int)
}

// EventCountTrigger schedules a snapshot through the snapshotter once
// an aggregate accumulates threshold events since its last trigger.
// Scheduling is fire-and-forget; a lost or failed snapshot only means
// the counter starts over.
type EventCountTrigger struct {
	snapshotter *Snapshotter
	threshold   int

	mu     sync.Mutex
	counts map[string]int
}

func NewEventCountTrigger(snapshotter *Snapshotter, threshold int) *EventCountTrigger {
	if threshold < 1 {
		threshold = 1
	}
	return &EventCountTrigger{
		snapshotter: snapshotter,
		threshold:   threshold,
		counts:      map[string]int{},
	}
}

func (t *EventCountTrigger) EventsAppended(ctx context.Context, aggregateType, aggregateID string, count int) {
	t.mu.Lock()
	t.counts[aggregateID] += count
	due := t.counts[aggregateID] >= t.threshold
	if due {
		t.counts[aggregateID] = 0
	}
	t.mu.Unlock()

	if due {
		t.snapshotter.ScheduleSnapshot(ctx, aggregateType, aggregateID)
	}
}

var _ SnapshotTrigger = (*EventCountTrigger)(nil)
