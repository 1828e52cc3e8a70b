package es

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// collectingHandler records handled entries, optionally failing on
// selected tokens.
type collectingHandler struct {
	mu      sync.Mutex
	entries []TrackedEventEntry
	failOn  map[TrackingToken]bool
}

func (h *collectingHandler) Handle(_ context.Context, entry TrackedEventEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failOn[entry.Token] {
		delete(h.failOn, entry.Token)
		return errors.New("handler rejected entry")
	}
	h.entries = append(h.entries, entry)
	return nil
}

func (h *collectingHandler) tokens() []TrackingToken {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]TrackingToken, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, e.Token)
	}
	return out
}

func TestTrackingProcessor_ProcessesInTokenOrder(t *testing.T) {
	engine := NewInMemoryStorageEngine()
	_, err := engine.AppendEvents(t.Context(), "account", "a1", 0, testEntries("account", "a1", 3))
	require.NoError(t, err)

	handler := &collectingHandler{}
	p := NewTrackingProcessor(engine, NewInMemoryTokenStore(), handler, WithProcessorName("p1"))
	require.NoError(t, p.Start(t.Context()))
	defer p.Stop()

	_, err = engine.AppendEvents(t.Context(), "account", "a2", 0, testEntries("account", "a2", 2))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(handler.tokens()) == 5
	}, time.Second, 10*time.Millisecond)

	for i, token := range handler.tokens() {
		require.EqualValues(t, i+1, token)
	}
}

func TestTrackingProcessor_ResumesAfterStoredToken(t *testing.T) {
	engine := NewInMemoryStorageEngine()
	tokens := NewInMemoryTokenStore()

	_, err := engine.AppendEvents(t.Context(), "account", "a1", 0, testEntries("account", "a1", 3))
	require.NoError(t, err)

	first := &collectingHandler{}
	p := NewTrackingProcessor(engine, tokens, first, WithProcessorName("p1"))
	require.NoError(t, p.Start(t.Context()))
	require.Eventually(t, func() bool {
		return len(first.tokens()) == 3
	}, time.Second, 10*time.Millisecond)
	p.Stop()

	_, err = engine.AppendEvents(t.Context(), "account", "a1", 3, testEntries("account", "a1", 2))
	require.NoError(t, err)

	// a restarted processor with the same name sees only the new entries
	second := &collectingHandler{}
	p = NewTrackingProcessor(engine, tokens, second, WithProcessorName("p1"))
	require.NoError(t, p.Start(t.Context()))
	defer p.Stop()

	require.Eventually(t, func() bool {
		return len(second.tokens()) == 2
	}, time.Second, 10*time.Millisecond)
	require.EqualValues(t, 4, second.tokens()[0])
	require.EqualValues(t, 5, second.tokens()[1])
}

func TestTrackingProcessor_HandlerFailureDoesNotAdvanceToken(t *testing.T) {
	engine := NewInMemoryStorageEngine()
	tokens := NewInMemoryTokenStore()

	_, err := engine.AppendEvents(t.Context(), "account", "a1", 0, testEntries("account", "a1", 3))
	require.NoError(t, err)

	handler := &collectingHandler{failOn: map[TrackingToken]bool{2: true}}
	p := NewTrackingProcessor(engine, tokens, handler, WithProcessorName("p1"))
	require.NoError(t, p.Start(t.Context()))

	// the processor halts on the failure with the token still at 1
	select {
	case <-p.done:
	case <-time.After(time.Second):
		t.Fatal("processor did not halt on handler failure")
	}
	p.Stop()
	require.Len(t, handler.tokens(), 1)
	stored, err := tokens.Token("p1")
	require.NoError(t, err)
	require.EqualValues(t, 1, stored)

	// the restart redelivers the failed entry and moves on
	p = NewTrackingProcessor(engine, tokens, handler, WithProcessorName("p1"))
	require.NoError(t, p.Start(t.Context()))
	defer p.Stop()

	require.Eventually(t, func() bool {
		return len(handler.tokens()) == 3
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []TrackingToken{1, 2, 3}, handler.tokens())

	stored, err = tokens.Token("p1")
	require.NoError(t, err)
	require.EqualValues(t, 3, stored)
}

func TestTrackingProcessor_StopIsIdempotent(t *testing.T) {
	engine := NewInMemoryStorageEngine()
	p := NewTrackingProcessor(engine, NewInMemoryTokenStore(), &collectingHandler{})
	require.NoError(t, p.Start(t.Context()))
	p.Stop()
	require.NotPanics(t, p.Stop)
}

type failingTokenStore struct{}

func (failingTokenStore) Token(string) (TrackingToken, error) {
	return 0, errors.New("token store down")
}

func (failingTokenStore) StoreToken(string, TrackingToken) error {
	return errors.New("token store down")
}

func TestTrackingProcessor_StopWithoutRunLoop(t *testing.T) {
	stopReturns := func(t *testing.T, p *TrackingProcessor) {
		t.Helper()
		done := make(chan struct{})
		go func() {
			p.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Stop blocked without a running processor")
		}
	}

	t.Run("never started", func(t *testing.T) {
		engine := NewInMemoryStorageEngine()
		p := NewTrackingProcessor(engine, NewInMemoryTokenStore(), &collectingHandler{})
		stopReturns(t, p)
	})

	t.Run("start failed", func(t *testing.T) {
		engine := NewInMemoryStorageEngine()
		p := NewTrackingProcessor(engine, failingTokenStore{}, &collectingHandler{})
		require.Error(t, p.Start(t.Context()))
		stopReturns(t, p)
	})
}

func TestInMemoryTokenStore(t *testing.T) {
	store := NewInMemoryTokenStore()

	_, err := store.Token("p1")
	require.ErrorIs(t, err, ErrTokenNotFound)

	require.NoError(t, store.StoreToken("p1", 42))
	got, err := store.Token("p1")
	require.NoError(t, err)
	require.EqualValues(t, 42, got)
}
