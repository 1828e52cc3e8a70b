package es

import "log/slog"

type (
	valueOption[T any] struct{ v T }

	LogOption                struct{ l *slog.Logger }
	MetricsOption            valueOption[EngineMetrics]
	ExecutorOption           valueOption[Executor]
	TransactionManagerOption valueOption[TransactionManager]
	TriggerOption            valueOption[SnapshotTrigger]
	ProcessorNameOption      valueOption[string]
)

// WithLog sets the logger for a component.
func WithLog(l *slog.Logger) LogOption { return LogOption{l: l} }

// WithMetrics sets the metrics implementation for a component.
func WithMetrics(m EngineMetrics) MetricsOption { return MetricsOption{v: m} }

// WithExecutor sets the executor the snapshotter submits tasks to.
func WithExecutor(e Executor) ExecutorOption { return ExecutorOption{v: e} }

// WithTransactionManager sets the transactional scope provider for the
// snapshotter's units of work.
func WithTransactionManager(tm TransactionManager) TransactionManagerOption {
	return TransactionManagerOption{v: tm}
}

// WithSnapshotTrigger sets the trigger consulted by the repository
// after each save.
func WithSnapshotTrigger(t SnapshotTrigger) TriggerOption { return TriggerOption{v: t} }

// WithProcessorName names a tracking processor; the name keys its
// persisted token.
func WithProcessorName(name string) ProcessorNameOption { return ProcessorNameOption{v: name} }

type (
	engineOptions struct {
		log     *slog.Logger
		metrics EngineMetrics
	}

	EngineOption interface{ applyToEngine(*engineOptions) }
)

func (o LogOption) applyToEngine(e *engineOptions)     { e.log = o.l }
func (o MetricsOption) applyToEngine(e *engineOptions) { e.metrics = o.v }

func newEngineOptions(opts ...EngineOption) engineOptions {
	options := engineOptions{
		log:     slog.Default(),
		metrics: NopEngineMetrics(),
	}
	for _, opt := range opts {
		opt.applyToEngine(&options)
	}
	return options
}
