package es

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/wymanxh/AxonFramework/internal/reflector"
)

// NewAggregateSnapshotStrategy builds a SnapshotStrategy that
// rehydrates the aggregate produced by factory (current snapshot state
// plus the given stream) and serializes the result as the candidate
// snapshot. engine is used read-only, to fetch the current snapshot the
// stream no longer contains.
func NewAggregateSnapshotStrategy(
	engine StorageEngine,
	registry *EventRegistry,
	factory func(aggregateID string) Aggregate,
) SnapshotStrategy {
	return SnapshotStrategyFunc(func(
		ctx context.Context,
		aggregateType, aggregateID string,
		stream DomainEventStream,
	) (*SnapshotEntry, error) {
		agg := factory(aggregateID)

		snapshot, err := engine.ReadSnapshot(ctx, aggregateID)
		switch {
		case err == nil:
			if err := restoreFromSnapshot(agg, snapshot); err != nil {
				return nil, err
			}
		case errors.Is(err, ErrSnapshotNotFound):
		default:
			return nil, err
		}

		if err := replayStream(agg, registry, stream); err != nil {
			return nil, err
		}
		if agg.NextSequenceNumber() == 0 {
			return nil, nil
		}

		var data []byte
		if s, ok := any(agg).(Snapshottable); ok {
			data, err = s.Snapshot()
		} else {
			data, err = json.Marshal(agg)
		}
		if err != nil {
			return nil, err
		}

		return &SnapshotEntry{EventEntry: EventEntry{
			ID:             gonanoid.Must(),
			AggregateType:  aggregateType,
			AggregateID:    aggregateID,
			SequenceNumber: agg.NextSequenceNumber() - 1,
			Timestamp:      time.Now(),
			PayloadType:    reflector.PayloadTypeOf(agg),
			Payload:        data,
		}}, nil
	})
}
