package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/wymanxh/AxonFramework/core/es"
	"github.com/wymanxh/AxonFramework/internal/codec"
)

const (
	defaultStreamName     = "AXON_EVENTS"
	defaultSubjectPrefix  = "axon.events"
	defaultSnapshotBucket = "axon_snapshots"
)

type EngineConfig struct {
	Connect        Connector    // Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Log            *slog.Logger // Log for diagnostics (optional)
	Metrics        es.EngineMetrics
	StreamName     string // StreamName holds all event entries (uppercased)
	SubjectPrefix  string // SubjectPrefix for per-aggregate subjects
	SnapshotBucket string // SnapshotBucket is the key-value bucket for snapshots
}

// StorageEngine persists event entries in one JetStream stream, one
// subject per aggregate, and snapshots in a key-value bucket. The
// stream sequence doubles as the tracking token: it is assigned by the
// server at commit, strictly increasing across all aggregates.
//
// Optimistic concurrency is enforced server-side: every publish carries
// the expected last stream sequence for its subject, so two writers
// racing for the same sequence number cannot both win.
//
// JetStream has no multi-message transaction, so a batch is published
// message by message with chained expected sequences. A competing
// writer always fails on its first publish, before anything of its
// batch lands, which keeps writer races all-or-nothing; a server
// failure mid-batch, however, can leave a committed prefix. Uniqueness
// and gaplessness of (aggregate id, sequence number) hold in all cases.
type StorageEngine struct {
	nc        *natsgo.Conn
	closeNc   closeFunc
	js        jetstream.JetStream
	stream    jetstream.Stream
	snapshots *KvStore[es.SnapshotEntry]
	codec     codec.Codec
	log       *slog.Logger
	metrics   es.EngineMetrics

	subjectPrefix string
	streamName    string
}

func NewStorageEngine(cfg EngineConfig) (*StorageEngine, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrStorageUnavailable, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = es.NopEngineMetrics()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}
	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	snapshotBucket := cfg.SnapshotBucket
	if snapshotBucket == "" {
		snapshotBucket = defaultSnapshotBucket
	}

	log = log.With(
		slog.String("engine", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", subjectPrefix),
	)

	log.Debug("ensuring stream")

	stream, streamInfo, err := ensureStream(js, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		FirstSeq:   1,
		DenyDelete: true,
		DenyPurge:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrStorageUnavailable, err)
	}

	log.Debug("ensured", slog.Any("stream", streamInfo))

	// The snapshot bucket shares the engine's connection; the engine
	// owns its lifecycle.
	snapshots, err := NewKvStore[es.SnapshotEntry](KvConfig{
		Connect: func() (*natsgo.Conn, closeFunc, error) { return nc, func() {}, nil },
		Bucket:  snapshotBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrStorageUnavailable, err)
	}

	return &StorageEngine{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		stream:        stream,
		snapshots:     snapshots,
		codec:         codec.JSONCodec{},
		log:           log,
		metrics:       metrics,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
	}, nil
}

func (e *StorageEngine) Close() error {
	e.js.CleanupPublisher()
	e.closeNc()
	e.log.Debug("closed storage engine")
	return nil
}

func (e *StorageEngine) AppendEvents(
	ctx context.Context,
	aggregateType string,
	aggregateID string,
	firstSequenceNumber uint64,
	entries []es.EventEntry,
) (*es.AppendResult, error) {
	if len(entries) == 0 {
		return nil, es.ErrNoEvents
	}
	if aggregateType == "" {
		return nil, errors.New("aggregate type is empty")
	}
	if aggregateID == "" {
		return nil, errors.New("aggregate id is empty")
	}

	defer e.metrics.AppendDuration(aggregateType).ObserveDuration()

	subject := e.subjectForAggregate(aggregateType, aggregateID)

	// The expected stream sequence for the subject anchors the whole
	// batch: the first publish fails when another writer got in after
	// our read, before anything of ours is committed.
	last, err := e.lastEntryForSubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	var expectSeq uint64
	if last != nil {
		if last.entry.SequenceNumber+1 != firstSequenceNumber {
			e.metrics.ConcurrencyConflict(aggregateType)
			return nil, fmt.Errorf(
				"%w: aggregate %s is at sequence number %d, append expected %d",
				es.ErrConcurrencyConflict, aggregateID, last.entry.SequenceNumber+1, firstSequenceNumber,
			)
		}
		expectSeq = last.streamSeq
	} else if firstSequenceNumber != 0 {
		e.metrics.ConcurrencyConflict(aggregateType)
		return nil, fmt.Errorf(
			"%w: aggregate %s has no events, append expected %d",
			es.ErrConcurrencyConflict, aggregateID, firstSequenceNumber,
		)
	}

	res := &es.AppendResult{}
	for i, entry := range entries {
		entry.AggregateType = aggregateType
		entry.AggregateID = aggregateID
		entry.SequenceNumber = firstSequenceNumber + uint64(i)
		if err := entry.Validate(); err != nil {
			return nil, err
		}

		ack, err := e.publishEntry(ctx, subject, entry, expectSeq)
		if err != nil {
			return nil, err
		}
		expectSeq = ack.Sequence
		res.LastSequenceNumber = entry.SequenceNumber
		res.LastToken = es.TrackingToken(ack.Sequence)
	}

	e.metrics.EventsAppended(aggregateType, len(entries))
	e.log.Debug(
		"appended",
		slog.Group(
			"agg",
			slog.String("type", aggregateType),
			slog.String("id", aggregateID),
		),
		slog.Int("num_events", len(entries)),
		slog.Uint64("last_sequence_number", res.LastSequenceNumber),
		res.LastToken.SlogAttr(),
	)
	return res, nil
}

func (e *StorageEngine) publishEntry(
	ctx context.Context,
	subject string,
	entry es.EventEntry,
	expectSeq uint64,
) (*jetstream.PubAck, error) {
	msg := natsgo.NewMsg(subject)
	msg.Header.Set("x-payload-type", entry.PayloadType)
	msg.Header.Set("x-aggregate-type", entry.AggregateType)
	msg.Header.Set("x-aggregate-id", entry.AggregateID)

	var err error
	msg.Data, err = e.codec.Marshal(entry)
	if err != nil {
		return nil, err
	}

	ack, err := e.js.PublishMsg(
		ctx, msg,
		jetstream.WithMsgID(entry.ID),
		jetstream.WithExpectLastSequencePerSubject(expectSeq),
	)
	if err != nil {
		if isWrongLastSequence(err) {
			e.metrics.ConcurrencyConflict(entry.AggregateType)
			return nil, fmt.Errorf(
				"%w: lost the append race for %s at sequence number %d",
				es.ErrConcurrencyConflict, entry.AggregateID, entry.SequenceNumber,
			)
		}
		return nil, fmt.Errorf("failed to append to subject %s: %w", subject, err)
	}
	return ack, nil
}

func (e *StorageEngine) ReadEvents(ctx context.Context, aggregateID string) (es.DomainEventStream, error) {
	if aggregateID == "" {
		return nil, errors.New("aggregate id is empty")
	}

	defer e.metrics.ReadDuration().ObserveDuration()

	var from uint64
	snapshot, err := e.ReadSnapshot(ctx, aggregateID)
	switch {
	case err == nil:
		from = snapshot.SequenceNumber + 1
	case errors.Is(err, es.ErrSnapshotNotFound):
	default:
		return nil, err
	}

	subject := e.subjectForAggregate("*", aggregateID)
	last, err := e.lastEntryForSubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	if last == nil {
		if snapshot == nil {
			return nil, fmt.Errorf("%w: %s", es.ErrAggregateNotFound, aggregateID)
		}
		return es.StreamOf(nil), nil
	}

	entries, err := e.loadEntries(ctx, subject, last.streamSeq)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, entry := range entries {
		if entry.SequenceNumber >= from {
			out = append(out, entry)
		}
	}
	return es.StreamOf(out), nil
}

// loadEntries drains the subject up to and including endStreamSeq.
func (e *StorageEngine) loadEntries(
	ctx context.Context,
	subject string,
	endStreamSeq uint64,
) (entries []es.EventEntry, err error) {
	cc, err := e.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{subject},
	})
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mb, err := cc.FetchNoWait(100)
		if err != nil {
			return nil, err
		}
		if mb.Error() != nil {
			return nil, mb.Error()
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			tracked, err := e.decodeMsg(msg)
			if err != nil {
				return nil, err
			}
			entries = append(entries, tracked.EventEntry)
			if uint64(tracked.Token) >= endStreamSeq {
				return entries, nil
			}
		}
		if empty {
			return entries, nil
		}
	}
}

func (e *StorageEngine) ReadSnapshot(ctx context.Context, aggregateID string) (*es.SnapshotEntry, error) {
	snapshot, _, err := e.snapshots.Get(ctx, aggregateID)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", es.ErrSnapshotNotFound, aggregateID)
		}
		return nil, err
	}
	return &snapshot, nil
}

func (e *StorageEngine) StoreSnapshot(ctx context.Context, snapshot es.SnapshotEntry) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}

	// Compare-and-swap on the bucket revision keeps competing
	// snapshotters from clobbering a newer snapshot.
	current, revision, err := e.snapshots.Get(ctx, snapshot.AggregateID)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		err = e.snapshots.Create(ctx, snapshot.AggregateID, snapshot)
	case err != nil:
		return err
	case current.SequenceNumber >= snapshot.SequenceNumber:
		return fmt.Errorf(
			"%w: snapshot at sequence number %d is already current for %s",
			es.ErrConcurrencyConflict, current.SequenceNumber, snapshot.AggregateID,
		)
	default:
		err = e.snapshots.Update(ctx, snapshot.AggregateID, snapshot, revision)
	}
	if err != nil {
		if errors.Is(err, ErrRevisionMismatch) {
			return fmt.Errorf(
				"%w: lost the snapshot race for %s",
				es.ErrConcurrencyConflict, snapshot.AggregateID,
			)
		}
		return err
	}

	e.log.Debug(
		"snapshot stored",
		slog.String("aggregate_id", snapshot.AggregateID),
		slog.Uint64("sequence_number", snapshot.SequenceNumber),
	)
	return nil
}

func (e *StorageEngine) OpenStream(ctx context.Context, from es.TrackingToken) (es.TrackedStream, error) {
	consumerCfg := jetstream.OrderedConsumerConfig{
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if from > 0 {
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = uint64(from) + 1
	}

	consumer, err := e.stream.OrderedConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan es.TrackedEventEntry, 64)

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tracked, err := e.decodeMsg(msg)
		if err != nil {
			e.log.Error("failed to decode message", slog.Any("error", err))
			return
		}

		select {
		case ch <- *tracked:
		case <-ctx.Done():
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}

	stopOnce := sync.Once{}
	stop := func() {
		stopOnce.Do(func() {
			cancel()
			cc.Stop()
			// A callback may still be parked on a send; close the
			// channel only once the consumer reports all callbacks done.
			go func() {
				<-cc.Closed()
				close(ch)
			}()
		})
	}
	context.AfterFunc(ctx, stop)

	e.log.Debug("opened tail", from.SlogAttr())
	return &jsTrackedStream{ch: ch, cancel: stop}, nil
}

func ensureStream(js jetstream.JetStream, cfg jetstream.StreamConfig) (s jetstream.Stream, si *jetstream.StreamInfo, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err = js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err = s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

func (e *StorageEngine) decodeMsg(msg jetstream.Msg) (*es.TrackedEventEntry, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, err
	}

	tracked := &es.TrackedEventEntry{}
	if err := e.codec.Unmarshal(msg.Data(), &tracked.EventEntry); err != nil {
		return nil, err
	}
	tracked.Token = es.TrackingToken(md.Sequence.Stream)
	return tracked, nil
}

type lastSubjectEntry struct {
	entry     es.EventEntry
	streamSeq uint64
}

func (e *StorageEngine) lastEntryForSubject(ctx context.Context, subject string) (*lastSubjectEntry, error) {
	lm, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last message for subject %q: %w", subject, err)
	}

	last := &lastSubjectEntry{streamSeq: lm.Sequence}
	if err := e.codec.Unmarshal(lm.Data, &last.entry); err != nil {
		return nil, fmt.Errorf("failed to decode last message for subject %q: %w", subject, err)
	}
	return last, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// subjectForAggregate maps an aggregate to its subject. Aggregate types
// and ids must be valid subject tokens.
func (e *StorageEngine) subjectForAggregate(aggregateType, aggregateID string) string {
	return e.subjectPrefix + "." + aggregateType + "." + aggregateID
}

type jsTrackedStream struct {
	ch     chan es.TrackedEventEntry
	cancel closeFunc
}

func (s *jsTrackedStream) Events() <-chan es.TrackedEventEntry { return s.ch }
func (s *jsTrackedStream) Close()                              { s.cancel() }

var _ es.TrackedStream = (*jsTrackedStream)(nil)
var _ es.StorageEngine = (*StorageEngine)(nil)
