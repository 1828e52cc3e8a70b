package es

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// TrackingToken is the global commit position of an event. Tokens are
// strictly increasing in commit order across all aggregates and are
// never reused. The zero token denotes the start of the stream.
type TrackingToken uint64

func (t TrackingToken) Uint64() uint64      { return uint64(t) }
func (t TrackingToken) SlogAttr() slog.Attr { return slog.Uint64("token", uint64(t)) }

// EventEntry is a persisted record of one event in one aggregate's
// history. Entries are immutable once appended; the storage engine
// never overwrites or deletes them.
//
// (AggregateID, SequenceNumber) is unique per engine and is the
// optimistic-concurrency key. Sequence numbers are 0-based and gapless
// per aggregate. The payload is opaque to the engine; PayloadType and
// PayloadRevision route deserialization.
type EventEntry struct {
	// ID is the unique identifier of this entry.
	ID string `json:"id"`
	// AggregateType is the logical type name of the aggregate.
	AggregateType string `json:"aggregate_type"`
	// AggregateID identifies the aggregate instance.
	AggregateID string `json:"aggregate_id"`
	// SequenceNumber is the 0-based per-aggregate position.
	SequenceNumber uint64 `json:"sequence_number"`
	// Timestamp is the event creation time. Advisory; never used for ordering.
	Timestamp time.Time `json:"timestamp"`
	// PayloadType names the serialized payload type.
	PayloadType string `json:"payload_type"`
	// PayloadRevision versions the payload schema.
	PayloadRevision string `json:"payload_revision,omitempty"`
	// Payload is the serialized event body.
	Payload json.RawMessage `json:"payload"`
	// Metadata is opaque side-channel data.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (e EventEntry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entry id is empty")
	}
	if e.AggregateType == "" {
		return fmt.Errorf("entry aggregate type is empty")
	}
	if e.AggregateID == "" {
		return fmt.Errorf("entry aggregate id is empty")
	}
	if e.PayloadType == "" {
		return fmt.Errorf("entry payload type is empty")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("entry timestamp is zero")
	}
	return nil
}

func (e EventEntry) logAttrs() slog.Attr {
	return slog.Group(
		"entry",
		slog.String("id", e.ID),
		slog.String("aggregate_type", e.AggregateType),
		slog.String("aggregate_id", e.AggregateID),
		slog.Uint64("sequence_number", e.SequenceNumber),
		slog.String("payload_type", e.PayloadType),
	)
}

// TrackedEventEntry is an EventEntry augmented with the tracking token
// assigned at commit time. Tailing consumers resume from the last token
// they observed.
type TrackedEventEntry struct {
	EventEntry

	Token TrackingToken `json:"token"`
}

// SnapshotEntry is a specialized event entry holding compacted
// aggregate state as of SequenceNumber. At most one snapshot per
// aggregate is current; one with a higher sequence number supersedes.
type SnapshotEntry struct {
	EventEntry
}

// AppendResult reports the positions assigned by a successful append.
type AppendResult struct {
	// LastSequenceNumber is the sequence number of the final entry.
	LastSequenceNumber uint64
	// LastToken is the tracking token of the final entry.
	LastToken TrackingToken
}
