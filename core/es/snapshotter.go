package es

import (
	"context"
	"errors"
	"log/slog"
)

type (
	// SnapshotStrategy computes a candidate snapshot from an
	// aggregate's event stream. It must fully consume or otherwise
	// terminate the stream and must not mutate storage. Returning
	// nil, nil means no snapshot is appropriate; that is an explicit
	// outcome, not an error.
	SnapshotStrategy interface {
		CreateSnapshot(ctx context.Context, aggregateType, aggregateID string, stream DomainEventStream) (*SnapshotEntry, error)
	}

	// SnapshotStrategyFunc adapts a function to a SnapshotStrategy.
	SnapshotStrategyFunc func(ctx context.Context, aggregateType, aggregateID string, stream DomainEventStream) (*SnapshotEntry, error)
)

func (f SnapshotStrategyFunc) CreateSnapshot(
	ctx context.Context,
	aggregateType, aggregateID string,
	stream DomainEventStream,
) (*SnapshotEntry, error) {
	return f(ctx, aggregateType, aggregateID, stream)
}

// Snapshotter compacts aggregate histories in the background. Work is
// handed to an injected executor and wrapped in a transactional scope;
// no failure of a snapshot task ever reaches the scheduling caller,
// since scheduling is fired from the hot write path and the aggregate
// stays fully functional via full replay.
type Snapshotter struct {
	engine   StorageEngine
	strategy SnapshotStrategy
	executor Executor
	txm      TransactionManager
	log      *slog.Logger
	metrics  EngineMetrics
}

type (
	snapshotterOptions struct {
		executor Executor
		txm      TransactionManager
		log      *slog.Logger
		metrics  EngineMetrics
	}

	SnapshotterOption interface{ applyToSnapshotter(*snapshotterOptions) }
)

func (o ExecutorOption) applyToSnapshotter(s *snapshotterOptions)           { s.executor = o.v }
func (o TransactionManagerOption) applyToSnapshotter(s *snapshotterOptions) { s.txm = o.v }

func (o LogOption) applyToSnapshotter(s *snapshotterOptions)     { s.log = o.l }
func (o MetricsOption) applyToSnapshotter(s *snapshotterOptions) { s.metrics = o.v }

// NewSnapshotter builds a snapshotter over engine using strategy. The
// default executor runs tasks inline in the scheduling goroutine and
// the default transactional scope is inert; both are substitutable.
func NewSnapshotter(engine StorageEngine, strategy SnapshotStrategy, opts ...SnapshotterOption) *Snapshotter {
	options := snapshotterOptions{
		executor: DirectExecutor{},
		txm:      NoTransactionManager{},
		log:      slog.Default(),
		metrics:  NopEngineMetrics(),
	}
	for _, opt := range opts {
		opt.applyToSnapshotter(&options)
	}

	return &Snapshotter{
		engine:   engine,
		strategy: strategy,
		executor: options.executor,
		txm:      options.txm,
		log:      options.log.With(slog.String("component", "snapshotter")),
		metrics:  options.metrics,
	}
}

// ScheduleSnapshot submits a snapshot task for the aggregate and
// returns immediately. It never blocks on the underlying work and
// never propagates snapshot-creation errors.
func (s *Snapshotter) ScheduleSnapshot(ctx context.Context, aggregateType, aggregateID string) {
	log := s.log.With(
		slog.Group(
			"agg",
			slog.String("type", aggregateType),
			slog.String("id", aggregateID),
		),
	)
	// The task may run after the caller has moved on; its context must
	// not carry the caller's cancellation.
	ctx = context.WithoutCancel(ctx)
	s.executor.Execute(func() {
		defer s.metrics.SnapshotDuration(aggregateType).ObserveDuration()
		defer func() {
			if r := recover(); r != nil {
				s.metrics.SnapshotFailed(aggregateType)
				log.Warn("snapshot attempt panicked", slog.Any("panic", r))
			}
		}()

		err := InTransaction(s.txm, func() error {
			return s.createAndStoreSnapshot(ctx, aggregateType, aggregateID)
		})
		switch {
		case err == nil:
		case errors.Is(err, ErrConcurrencyConflict):
			// Expected race: a competing snapshotter got there first.
			s.metrics.SnapshotSkipped(aggregateType)
			log.Info("an up-to-date snapshot already exists, ignoring this attempt")
		default:
			s.metrics.SnapshotFailed(aggregateType)
			log.Warn("snapshot attempt failed", slog.String("error", err.Error()))
			log.Debug("snapshot attempt failed", slog.Any("error", err))
		}
	})
}

func (s *Snapshotter) createAndStoreSnapshot(ctx context.Context, aggregateType, aggregateID string) error {
	stream, err := s.engine.ReadEvents(ctx, aggregateID)
	if err != nil {
		return err
	}

	first, err := stream.Peek()
	if errors.Is(err, ErrEndOfStream) {
		// The current snapshot already covers the whole history.
		s.metrics.SnapshotSkipped(aggregateType)
		return nil
	}
	if err != nil {
		return err
	}

	snapshot, err := s.strategy.CreateSnapshot(ctx, aggregateType, aggregateID, stream)
	if err != nil {
		return err
	}

	// A snapshot is only worthwhile when it replaces more than one
	// event. This gate, not the strategy's judgment, is final.
	if snapshot == nil || snapshot.SequenceNumber <= first.SequenceNumber {
		s.metrics.SnapshotSkipped(aggregateType)
		s.log.Debug(
			"snapshot not worthwhile, skipping",
			slog.String("aggregate_id", aggregateID),
			slog.Uint64("first_sequence_number", first.SequenceNumber),
		)
		return nil
	}

	if err := s.engine.StoreSnapshot(ctx, *snapshot); err != nil {
		return err
	}
	s.metrics.SnapshotStored(aggregateType)
	s.log.Debug("snapshot stored", snapshot.logAttrs())
	return nil
}
