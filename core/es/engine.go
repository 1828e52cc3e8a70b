package es

import (
	"context"
	"encoding/json"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/wymanxh/AxonFramework/internal/reflector"
)

// StorageEngine is the durable home for aggregate histories, aggregate
// snapshots and the globally ordered event tail. It is the sole owner
// of persisted event data; every other component reads and writes
// through this contract.
type StorageEngine interface {
	// AppendEvents commits the given entries atomically, assigning each
	// the sequence numbers firstSequenceNumber, firstSequenceNumber+1,
	// ... for the aggregate and a freshly allocated tracking token per
	// entry, in submission order. It fails with ErrConcurrencyConflict
	// when any (aggregate id, sequence number) in the batch already
	// exists; the existing entries are never overwritten. Retry with
	// freshly read state belongs to the caller.
	AppendEvents(ctx context.Context, aggregateType, aggregateID string, firstSequenceNumber uint64, entries []EventEntry) (*AppendResult, error)

	// ReadEvents returns the aggregate's event stream beginning at the
	// sequence number immediately following the newest snapshot, or at
	// 0 when no snapshot exists. It fails with ErrAggregateNotFound
	// when the aggregate has neither events nor a snapshot.
	ReadEvents(ctx context.Context, aggregateID string) (DomainEventStream, error)

	// ReadSnapshot returns the newest valid snapshot for the aggregate,
	// or ErrSnapshotNotFound.
	ReadSnapshot(ctx context.Context, aggregateID string) (*SnapshotEntry, error)

	// StoreSnapshot persists a snapshot entry. Storing a snapshot whose
	// sequence number does not exceed the current one returns
	// ErrConcurrencyConflict; callers treat that as informational, not
	// fatal. Superseded snapshots are invalidated logically; physical
	// pruning is a backend concern.
	StoreSnapshot(ctx context.Context, snapshot SnapshotEntry) error

	// OpenStream returns a lazy, unbounded tail of all committed
	// entries strictly ordered by tracking token, starting strictly
	// after from. A reader never observes a commit out of token order
	// and never has a token filled in behind its position.
	OpenStream(ctx context.Context, from TrackingToken) (TrackedStream, error)
}

// TrackedStream is a live tail over the globally ordered event log.
type TrackedStream interface {
	// Events delivers tracked entries in token order. The channel is
	// closed when the stream is cancelled.
	Events() <-chan TrackedEventEntry
	// Close cancels the tail and releases its resources.
	Close()
}

// AppendPayloads serializes the given payloads and appends them as one
// batch starting at firstSequenceNumber.
func AppendPayloads(
	ctx context.Context,
	engine StorageEngine,
	aggregateType string,
	aggregateID string,
	firstSequenceNumber uint64,
	payloads ...any,
) (*AppendResult, error) {
	if len(payloads) == 0 {
		return nil, ErrNoEvents
	}
	entries := make([]EventEntry, 0, len(payloads))
	for _, p := range payloads {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		entries = append(entries, EventEntry{
			ID:            gonanoid.Must(),
			AggregateType: aggregateType,
			AggregateID:   aggregateID,
			Timestamp:     time.Now(),
			PayloadType:   reflector.PayloadTypeOf(p),
			Payload:       data,
		})
	}
	return engine.AppendEvents(ctx, aggregateType, aggregateID, firstSequenceNumber, entries)
}
