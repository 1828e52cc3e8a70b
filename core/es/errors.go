package es

import "errors"

var (
	// ErrConcurrencyConflict signals that a write collided with an
	// existing (aggregate id, sequence number) pair or an
	// already-current snapshot. Callers recover by re-reading state and
	// retrying.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrAggregateNotFound signals a read for an aggregate with no
	// events and no snapshot.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrSnapshotNotFound signals that no snapshot exists for an aggregate.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrNoEvents signals an append of an empty batch.
	ErrNoEvents = errors.New("no events to append")

	// ErrStorageUnavailable wraps backend I/O failures.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUnknownPayloadType signals a payload type missing from the registry.
	ErrUnknownPayloadType = errors.New("unknown payload type")
)
