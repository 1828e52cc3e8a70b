package es

import (
	"encoding/json"
	"fmt"
)

// Aggregate is the contract event-sourced domain objects implement to
// work with the Repository. State is derived by replaying the ordered
// event history; NextSequenceNumber tracks how far replay has come and
// doubles as the expected start sequence for the next append.
type Aggregate interface {
	// AggregateType returns the logical type name.
	AggregateType() string
	// AggregateID returns the identity of this instance.
	AggregateID() string
	// SetAggregateID sets the identity, typically before loading.
	SetAggregateID(id string)

	// NextSequenceNumber returns the sequence number the next committed
	// event will get; it equals the number of committed events applied.
	NextSequenceNumber() uint64
	setNextSequenceNumber(uint64)

	// Apply updates state from a decoded event payload.
	Apply(event any) error
	// Raise records an event as uncommitted without applying it.
	Raise(event any)
	// Uncommitted returns events raised but not yet persisted.
	Uncommitted() []any
	// ClearUncommitted drops all uncommitted events after a save.
	ClearUncommitted()
}

// Snapshottable lets an aggregate control its snapshot serialization.
// Aggregates without it fall back to JSON marshaling.
type Snapshottable interface {
	Snapshot() (data []byte, err error)
	RestoreSnapshot(data []byte) error
}

// BaseAggregate is an embeddable helper tracking identity, sequence
// progress and uncommitted events.
type BaseAggregate struct {
	id          string
	next        uint64
	uncommitted []any
}

func (b *BaseAggregate) AggregateID() string            { return b.id }
func (b *BaseAggregate) SetAggregateID(id string)       { b.id = id }
func (b *BaseAggregate) NextSequenceNumber() uint64     { return b.next }
func (b *BaseAggregate) setNextSequenceNumber(n uint64) { b.next = n }

func (b *BaseAggregate) Raise(event any)   { b.uncommitted = append(b.uncommitted, event) }
func (b *BaseAggregate) ClearUncommitted() { b.uncommitted = nil }
func (b *BaseAggregate) Uncommitted() []any {
	out := make([]any, len(b.uncommitted))
	copy(out, b.uncommitted)
	return out
}

type raiseApplier interface {
	Raise(event any)
	Apply(event any) error
}

// RaiseAndApply records each event as uncommitted and applies it to
// mutate state.
func RaiseAndApply(a raiseApplier, events ...any) error {
	for _, e := range events {
		if v, ok := e.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("invalid event %T: %w", e, err)
			}
		}
	}
	for _, e := range events {
		a.Raise(e)
		if err := a.Apply(e); err != nil {
			return err
		}
	}
	return nil
}

// restoreFromSnapshot loads snapshot state into agg and fast-forwards
// its sequence progress past the snapshot.
func restoreFromSnapshot(agg Aggregate, snapshot *SnapshotEntry) error {
	var err error
	if s, ok := any(agg).(Snapshottable); ok {
		err = s.RestoreSnapshot(snapshot.Payload)
	} else {
		err = json.Unmarshal(snapshot.Payload, agg)
	}
	if err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	agg.setNextSequenceNumber(snapshot.SequenceNumber + 1)
	return nil
}

// replayStream decodes each entry through the registry and applies it
// to agg, advancing its sequence progress.
func replayStream(agg Aggregate, registry *EventRegistry, stream DomainEventStream) error {
	for stream.HasNext() {
		entry, err := stream.Next()
		if err != nil {
			return err
		}
		if entry.SequenceNumber != agg.NextSequenceNumber() {
			return fmt.Errorf(
				"expected sequence number %d, got %d",
				agg.NextSequenceNumber(), entry.SequenceNumber,
			)
		}
		payload, err := registry.Decode(entry)
		if err != nil {
			return err
		}
		if err := agg.Apply(payload); err != nil {
			return err
		}
		agg.setNextSequenceNumber(entry.SequenceNumber + 1)
	}
	return nil
}
