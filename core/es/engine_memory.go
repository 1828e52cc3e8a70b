package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// InMemoryStorageEngine is a correct, mutex-guarded engine for tests
// and development. Tokens are assigned from an append-only commit log
// under the engine lock, so the tail is gap-free and strictly ordered;
// tail readers follow a cursor over the log and are woken by a
// condition variable, never dropping or reordering commits.
type InMemoryStorageEngine struct {
	mu        sync.Mutex
	newData   *sync.Cond
	log       *slog.Logger
	metrics   EngineMetrics
	committed []TrackedEventEntry // token of committed[i] is i+1
	streams   map[string][]int    // aggregate id -> indexes into committed
	snapshots map[string]SnapshotEntry
}

func NewInMemoryStorageEngine(opts ...EngineOption) *InMemoryStorageEngine {
	options := newEngineOptions(opts...)
	e := &InMemoryStorageEngine{
		log:       options.log.With(slog.String("engine", "memory")),
		metrics:   options.metrics,
		streams:   map[string][]int{},
		snapshots: map[string]SnapshotEntry{},
	}
	e.newData = sync.NewCond(&e.mu)
	return e
}

func (e *InMemoryStorageEngine) AppendEvents(
	_ context.Context,
	aggregateType string,
	aggregateID string,
	firstSequenceNumber uint64,
	entries []EventEntry,
) (*AppendResult, error) {
	if len(entries) == 0 {
		return nil, ErrNoEvents
	}
	if aggregateType == "" {
		return nil, fmt.Errorf("aggregate type is empty")
	}
	if aggregateID == "" {
		return nil, fmt.Errorf("aggregate id is empty")
	}

	defer e.metrics.AppendDuration(aggregateType).ObserveDuration()

	e.mu.Lock()
	defer e.mu.Unlock()

	next := uint64(len(e.streams[aggregateID]))
	if next != firstSequenceNumber {
		e.metrics.ConcurrencyConflict(aggregateType)
		return nil, fmt.Errorf(
			"%w: aggregate %s is at sequence number %d, append expected %d",
			ErrConcurrencyConflict, aggregateID, next, firstSequenceNumber,
		)
	}

	// Prepare the whole batch before touching state; the append is
	// all-or-nothing.
	prepared := make([]TrackedEventEntry, 0, len(entries))
	for i, entry := range entries {
		entry.AggregateType = aggregateType
		entry.AggregateID = aggregateID
		entry.SequenceNumber = firstSequenceNumber + uint64(i)
		if err := entry.Validate(); err != nil {
			return nil, err
		}
		prepared = append(prepared, TrackedEventEntry{
			EventEntry: entry,
			Token:      TrackingToken(len(e.committed) + i + 1),
		})
	}

	for _, te := range prepared {
		e.streams[aggregateID] = append(e.streams[aggregateID], len(e.committed))
		e.committed = append(e.committed, te)
	}
	e.newData.Broadcast()
	e.metrics.EventsAppended(aggregateType, len(prepared))

	last := prepared[len(prepared)-1]
	e.log.Debug(
		"appended",
		last.logAttrs(),
		slog.Int("num_events", len(prepared)),
		last.Token.SlogAttr(),
	)
	return &AppendResult{
		LastSequenceNumber: last.SequenceNumber,
		LastToken:          last.Token,
	}, nil
}

func (e *InMemoryStorageEngine) ReadEvents(_ context.Context, aggregateID string) (DomainEventStream, error) {
	defer e.metrics.ReadDuration().ObserveDuration()

	e.mu.Lock()
	defer e.mu.Unlock()

	idxs := e.streams[aggregateID]
	snapshot, hasSnapshot := e.snapshots[aggregateID]
	if len(idxs) == 0 && !hasSnapshot {
		return nil, fmt.Errorf("%w: %s", ErrAggregateNotFound, aggregateID)
	}

	var from uint64
	if hasSnapshot {
		from = snapshot.SequenceNumber + 1
	}
	out := make([]EventEntry, 0, len(idxs))
	for _, i := range idxs {
		if entry := e.committed[i].EventEntry; entry.SequenceNumber >= from {
			out = append(out, entry)
		}
	}
	return StreamOf(out), nil
}

func (e *InMemoryStorageEngine) ReadSnapshot(_ context.Context, aggregateID string) (*SnapshotEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot, ok := e.snapshots[aggregateID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, aggregateID)
	}
	return &snapshot, nil
}

func (e *InMemoryStorageEngine) StoreSnapshot(_ context.Context, snapshot SnapshotEntry) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.snapshots[snapshot.AggregateID]; ok && cur.SequenceNumber >= snapshot.SequenceNumber {
		return fmt.Errorf(
			"%w: snapshot at sequence number %d is already current for %s",
			ErrConcurrencyConflict, cur.SequenceNumber, snapshot.AggregateID,
		)
	}
	e.snapshots[snapshot.AggregateID] = snapshot
	e.log.Debug("snapshot stored", snapshot.logAttrs())
	return nil
}

func (e *InMemoryStorageEngine) OpenStream(ctx context.Context, from TrackingToken) (TrackedStream, error) {
	ch := make(chan TrackedEventEntry, 64)
	streamCtx, cancel := context.WithCancel(ctx)

	// Wake a reader blocked in Wait so it can observe cancellation.
	context.AfterFunc(streamCtx, func() {
		e.mu.Lock()
		e.newData.Broadcast()
		e.mu.Unlock()
	})

	go func() {
		defer close(ch)
		cursor := int(from)
		for {
			e.mu.Lock()
			for cursor >= len(e.committed) && streamCtx.Err() == nil {
				e.newData.Wait()
			}
			if streamCtx.Err() != nil {
				e.mu.Unlock()
				return
			}
			batch := make([]TrackedEventEntry, len(e.committed)-cursor)
			copy(batch, e.committed[cursor:])
			cursor = len(e.committed)
			e.mu.Unlock()

			for _, te := range batch {
				select {
				case ch <- te:
				case <-streamCtx.Done():
					return
				}
			}
		}
	}()

	return &memoryTrackedStream{ch: ch, cancel: cancel}, nil
}

type memoryTrackedStream struct {
	ch     chan TrackedEventEntry
	cancel context.CancelFunc
}

func (s *memoryTrackedStream) Events() <-chan TrackedEventEntry { return s.ch }
func (s *memoryTrackedStream) Close()                           { s.cancel() }

var _ StorageEngine = (*InMemoryStorageEngine)(nil)
