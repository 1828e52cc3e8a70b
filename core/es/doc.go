// Package es is the persistence and consistency core of an
// event-sourcing runtime: a storage engine for per-aggregate event
// histories with optimistic concurrency, a globally ordered tail for
// downstream consumers, and an asynchronous snapshotter that bounds
// replay cost.
//
// # Storage engine
//
// [StorageEngine] is the sole owner of persisted events and snapshots.
// Writers append batches with an expected start sequence number; a
// stale writer loses the race with [ErrConcurrencyConflict] and
// retries with fresh state:
//
//	res, err := engine.AppendEvents(ctx, "account", id, 0, entries)
//	if errors.Is(err, es.ErrConcurrencyConflict) {
//	    // reload and retry
//	}
//
// Every committed entry also receives a [TrackingToken], strictly
// increasing across all aggregates. [StorageEngine.OpenStream] tails
// the log in token order; [TrackingProcessor] wraps that with a
// persisted resumption token.
//
// Use [NewInMemoryStorageEngine] for tests or development; the
// adapters/nats package provides a NATS JetStream backend.
//
// # Replay
//
// [Repository] loads an [Aggregate] by restoring the newest snapshot
// and replaying only the events after it, which matches a full replay
// from sequence number 0. [BaseAggregate] is an embeddable helper:
//
//	type Account struct {
//	    es.BaseAggregate
//	    Balance int64 `json:"balance"`
//	}
//
// # Snapshotting
//
// [Snapshotter.ScheduleSnapshot] hands a unit of work to an injected
// [Executor] and returns immediately. The task runs inside a
// transactional scope, invokes the injected [SnapshotStrategy] and
// stores the result only when it would replace more than one event.
// Failures never reach the scheduling caller: a concurrency conflict
// is an expected race and is logged at info level, anything else is
// logged as a warning and swallowed. [EventCountTrigger] schedules
// snapshots automatically every N saved events.
package es
