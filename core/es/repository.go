package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/wymanxh/AxonFramework/internal/reflector"
)

// Repository rehydrates aggregates from snapshot plus tail and persists
// new events with optimistic concurrency. It owns no state of its own;
// everything goes through the storage engine.
type Repository struct {
	engine   StorageEngine
	registry *EventRegistry
	trigger  SnapshotTrigger
	log      *slog.Logger
}

type (
	repositoryOptions struct {
		trigger SnapshotTrigger
		log     *slog.Logger
	}

	RepositoryOption interface{ applyToRepository(*repositoryOptions) }
)

func (o TriggerOption) applyToRepository(r *repositoryOptions) { r.trigger = o.v }
func (o LogOption) applyToRepository(r *repositoryOptions)     { r.log = o.l }

func NewRepository(engine StorageEngine, registry *EventRegistry, opts ...RepositoryOption) *Repository {
	options := repositoryOptions{log: slog.Default()}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	return &Repository{
		engine:   engine,
		registry: registry,
		trigger:  options.trigger,
		log:      options.log.With(slog.String("component", "repository")),
	}
}

// Load rehydrates agg: the newest snapshot first, if any, then every
// event after it. Replaying snapshot state plus the tail yields the
// same state as a full replay from sequence number 0.
func (r *Repository) Load(ctx context.Context, agg Aggregate) error {
	aggregateID := agg.AggregateID()
	if aggregateID == "" {
		return errors.New("aggregate id is empty")
	}
	if len(agg.Uncommitted()) != 0 {
		return errors.New("aggregate has uncommitted events")
	}

	snapshot, err := r.engine.ReadSnapshot(ctx, aggregateID)
	switch {
	case err == nil:
		if err := restoreFromSnapshot(agg, snapshot); err != nil {
			return err
		}
	case errors.Is(err, ErrSnapshotNotFound):
	default:
		return err
	}

	stream, err := r.engine.ReadEvents(ctx, aggregateID)
	if err != nil {
		return err
	}
	if err := replayStream(agg, r.registry, stream); err != nil {
		return err
	}

	r.log.Debug(
		"loaded",
		slog.Group(
			"agg",
			slog.String("type", agg.AggregateType()),
			slog.String("id", aggregateID),
			slog.Uint64("next_sequence_number", agg.NextSequenceNumber()),
		),
	)
	return nil
}

// Save appends the aggregate's uncommitted events as one atomic batch
// starting at its next sequence number. On a concurrency conflict the
// aggregate is left untouched so the caller can reload and retry.
func (r *Repository) Save(ctx context.Context, agg Aggregate) error {
	uncommitted := agg.Uncommitted()
	if len(uncommitted) == 0 {
		return nil
	}
	aggregateType := agg.AggregateType()
	if aggregateType == "" {
		return errors.New("aggregate type is empty")
	}
	aggregateID := agg.AggregateID()
	if aggregateID == "" {
		return errors.New("aggregate id is empty")
	}

	firstSequenceNumber := agg.NextSequenceNumber()
	entries := make([]EventEntry, 0, len(uncommitted))
	for _, event := range uncommitted {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		entries = append(entries, EventEntry{
			ID:            gonanoid.Must(),
			AggregateType: aggregateType,
			AggregateID:   aggregateID,
			Timestamp:     time.Now(),
			PayloadType:   reflector.PayloadTypeOf(event),
			Payload:       data,
		})
	}

	res, err := r.engine.AppendEvents(ctx, aggregateType, aggregateID, firstSequenceNumber, entries)
	if err != nil {
		return fmt.Errorf("failed to save agg_type=%s agg_id=%s: %w", aggregateType, aggregateID, err)
	}

	agg.setNextSequenceNumber(res.LastSequenceNumber + 1)
	agg.ClearUncommitted()

	r.log.Debug(
		"saved",
		slog.Group(
			"agg",
			slog.String("type", aggregateType),
			slog.String("id", aggregateID),
			slog.Uint64("last_sequence_number", res.LastSequenceNumber),
		),
		slog.Int("num_events", len(entries)),
		res.LastToken.SlogAttr(),
	)

	if r.trigger != nil {
		r.trigger.EventsAppended(ctx, aggregateType, aggregateID, len(entries))
	}
	return nil
}
