package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ErrTokenNotFound signals that a token store holds no token for a
// processor yet.
var ErrTokenNotFound = errors.New("token not found")

type (
	// TokenStore persists the resumption point of a tracking processor.
	// The stored token is the only state a processor needs to survive a
	// restart.
	TokenStore interface {
		Token(processor string) (TrackingToken, error)
		StoreToken(processor string, token TrackingToken) error
	}

	// Handler processes one tracked entry.
	Handler interface {
		Handle(ctx context.Context, entry TrackedEventEntry) error
	}

	HandlerFunc func(ctx context.Context, entry TrackedEventEntry) error
)

func (f HandlerFunc) Handle(ctx context.Context, entry TrackedEventEntry) error {
	return f(ctx, entry)
}

// InMemoryTokenStore keeps tokens in process memory.
type InMemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]TrackingToken
}

func NewInMemoryTokenStore() *InMemoryTokenStore {
	return &InMemoryTokenStore{tokens: map[string]TrackingToken{}}
}

func (s *InMemoryTokenStore) Token(processor string) (TrackingToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[processor]
	if !ok {
		return 0, ErrTokenNotFound
	}
	return t, nil
}

func (s *InMemoryTokenStore) StoreToken(processor string, token TrackingToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[processor] = token
	return nil
}

var _ TokenStore = (*InMemoryTokenStore)(nil)

// TrackingProcessor tails the globally ordered event log and feeds each
// entry to a handler, advancing its persisted token after every
// successfully handled entry. On restart it resumes strictly after the
// stored token. A handler failure halts the processor without advancing
// the token, so the failed entry is redelivered on the next start.
type TrackingProcessor struct {
	name      string
	engine    StorageEngine
	tokens    TokenStore
	handler   Handler
	log       *slog.Logger
	metrics   EngineMetrics
	closeChan chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
}

type (
	processorOptions struct {
		name    string
		log     *slog.Logger
		metrics EngineMetrics
	}

	ProcessorOption interface{ applyToProcessor(*processorOptions) }
)

func (o ProcessorNameOption) applyToProcessor(p *processorOptions) { p.name = o.v }
func (o LogOption) applyToProcessor(p *processorOptions)           { p.log = o.l }
func (o MetricsOption) applyToProcessor(p *processorOptions)       { p.metrics = o.v }

func NewTrackingProcessor(
	engine StorageEngine,
	tokens TokenStore,
	handler Handler,
	opts ...ProcessorOption,
) *TrackingProcessor {
	options := processorOptions{
		name:    fmt.Sprintf("processor-%s", gonanoid.Must(6)),
		log:     slog.Default(),
		metrics: NopEngineMetrics(),
	}
	for _, opt := range opts {
		opt.applyToProcessor(&options)
	}

	return &TrackingProcessor{
		name:      options.name,
		engine:    engine,
		tokens:    tokens,
		handler:   handler,
		log:       options.log.With(slog.String("processor", options.name)),
		metrics:   options.metrics,
		closeChan: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start opens the tail after the stored token and processes entries
// until the context is cancelled or Stop is called.
func (p *TrackingProcessor) Start(ctx context.Context) error {
	from, err := p.tokens.Token(p.name)
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		return err
	}

	stream, err := p.engine.OpenStream(ctx, from)
	if err != nil {
		return err
	}

	p.log.Info("started", from.SlogAttr())

	p.started.Store(true)
	go func() {
		defer func() {
			stream.Close()
			p.log.Info("stopped")
			close(p.done)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.closeChan:
				return
			case entry, ok := <-stream.Events():
				if !ok {
					return
				}
				if err := p.handler.Handle(ctx, entry); err != nil {
					p.log.Error(
						"handler failed, halting",
						slog.Any("error", err),
						entry.Token.SlogAttr(),
					)
					return
				}
				if err := p.tokens.StoreToken(p.name, entry.Token); err != nil {
					p.log.Error("failed to store token", slog.Any("error", err))
				}
			}
		}
	}()

	return nil
}

// Stop halts processing and waits for the run loop to exit. It returns
// immediately when the processor never started.
func (p *TrackingProcessor) Stop() {
	p.closeOnce.Do(func() {
		close(p.closeChan)
		if p.started.Load() {
			<-p.done
		}
	})
}
