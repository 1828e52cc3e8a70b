package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/wymanxh/AxonFramework/core/es"
)

func testEntry(aggType, aggID string) es.EventEntry {
	return es.EventEntry{
		ID:            gonanoid.Must(),
		AggregateType: aggType,
		AggregateID:   aggID,
		Timestamp:     time.Now(),
		PayloadType:   "test.Event",
		Payload:       json.RawMessage(`{}`),
	}
}

func testEntries(aggType, aggID string, n int) []es.EventEntry {
	out := make([]es.EventEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, testEntry(aggType, aggID))
	}
	return out
}

func TestNats_StorageEngine(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	connectNatsC := NewTestContainer(t)
	engine, err := NewStorageEngine(EngineConfig{
		Connect: ReuseConnection(connectNatsC),
		Log:     slog.Default(),
	})
	require.NoError(t, err)
	require.NotNil(t, engine)
	t.Cleanup(func() { _ = engine.Close() })

	t.Run("stream info", func(t *testing.T) {
		si, err := engine.stream.Info(t.Context())
		require.NoError(t, err)
		require.Equal(t, "AXON_EVENTS", si.Config.Name)
		require.Equal(t, []string{fmt.Sprintf("%s.>", defaultSubjectPrefix)}, si.Config.Subjects)
	})

	t.Run("append assigns sequence numbers and tokens", func(t *testing.T) {
		res, err := engine.AppendEvents(t.Context(), "account", "a1", 0, testEntries("account", "a1", 3))
		require.NoError(t, err)
		require.EqualValues(t, 2, res.LastSequenceNumber)
		require.EqualValues(t, 3, res.LastToken)

		res, err = engine.AppendEvents(t.Context(), "account", "a1", 3, testEntries("account", "a1", 2))
		require.NoError(t, err)
		require.EqualValues(t, 4, res.LastSequenceNumber)
		require.EqualValues(t, 5, res.LastToken)
	})

	t.Run("stale append conflicts", func(t *testing.T) {
		_, err := engine.AppendEvents(t.Context(), "account", "a1", 3, testEntries("account", "a1", 1))
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)

		_, err = engine.AppendEvents(t.Context(), "account", "a1", 9, testEntries("account", "a1", 1))
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)

		_, err = engine.AppendEvents(t.Context(), "account", "fresh", 1, testEntries("account", "fresh", 1))
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	})

	t.Run("read events in order", func(t *testing.T) {
		stream, err := engine.ReadEvents(t.Context(), "a1")
		require.NoError(t, err)
		entries, err := es.ReadAll(stream)
		require.NoError(t, err)
		require.Len(t, entries, 5)
		for i, e := range entries {
			require.EqualValues(t, i, e.SequenceNumber)
		}
	})

	t.Run("read unknown aggregate", func(t *testing.T) {
		_, err := engine.ReadEvents(t.Context(), "missing")
		require.ErrorIs(t, err, es.ErrAggregateNotFound)
	})

	t.Run("snapshots", func(t *testing.T) {
		_, err := engine.ReadSnapshot(t.Context(), "a1")
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)

		snapshot := es.SnapshotEntry{EventEntry: testEntry("account", "a1")}
		snapshot.SequenceNumber = 2
		require.NoError(t, engine.StoreSnapshot(t.Context(), snapshot))

		got, err := engine.ReadSnapshot(t.Context(), "a1")
		require.NoError(t, err)
		require.EqualValues(t, 2, got.SequenceNumber)

		stale := es.SnapshotEntry{EventEntry: testEntry("account", "a1")}
		stale.SequenceNumber = 2
		require.ErrorIs(t, engine.StoreSnapshot(t.Context(), stale), es.ErrConcurrencyConflict)

		// reads now start past the snapshot
		stream, err := engine.ReadEvents(t.Context(), "a1")
		require.NoError(t, err)
		entries, err := es.ReadAll(stream)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		require.EqualValues(t, 3, entries[0].SequenceNumber)

		newer := es.SnapshotEntry{EventEntry: testEntry("account", "a1")}
		newer.SequenceNumber = 4
		require.NoError(t, engine.StoreSnapshot(t.Context(), newer))

		stream, err = engine.ReadEvents(t.Context(), "a1")
		require.NoError(t, err)
		require.False(t, stream.HasNext())
	})

	t.Run("open stream tails in token order", func(t *testing.T) {
		stream, err := engine.OpenStream(t.Context(), 0)
		require.NoError(t, err)
		defer stream.Close()

		_, err = engine.AppendEvents(t.Context(), "order", "o1", 0, testEntries("order", "o1", 2))
		require.NoError(t, err)

		var got []es.TrackedEventEntry
		for len(got) < 7 {
			select {
			case te := <-stream.Events():
				got = append(got, te)
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out after %d entries", len(got))
			}
		}
		for i, te := range got {
			require.EqualValues(t, i+1, te.Token)
		}
	})

	t.Run("open stream resumes strictly after token", func(t *testing.T) {
		stream, err := engine.OpenStream(t.Context(), 5)
		require.NoError(t, err)
		defer stream.Close()

		select {
		case te := <-stream.Events():
			require.EqualValues(t, 6, te.Token)
			require.Equal(t, "o1", te.AggregateID)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
	})

	t.Run("close during live delivery", func(t *testing.T) {
		stream, err := engine.OpenStream(t.Context(), 0)
		require.NoError(t, err)

		appended := make(chan struct{})
		go func() {
			defer close(appended)
			for i := 0; i < 20; i++ {
				_, err := engine.AppendEvents(t.Context(), "burst", "b1", uint64(i), testEntries("burst", "b1", 1))
				require.NoError(t, err)
			}
		}()

		// close while deliveries are in flight
		select {
		case <-stream.Events():
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for first entry")
		}
		require.NotPanics(t, stream.Close)
		<-appended

		require.Eventually(t, func() bool {
			_, ok := <-stream.Events()
			return !ok
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestNats_TokenStore(t *testing.T) {
	connectNatsC := NewTestContainer(t)
	store, err := NewTokenStore(TokenStoreConfig{Connect: connectNatsC})
	require.NoError(t, err)

	_, err = store.Token("p1")
	require.ErrorIs(t, err, es.ErrTokenNotFound)

	require.NoError(t, store.StoreToken("p1", 42))
	got, err := store.Token("p1")
	require.NoError(t, err)
	require.EqualValues(t, 42, got)

	require.NoError(t, store.StoreToken("p1", 43))
	got, err = store.Token("p1")
	require.NoError(t, err)
	require.EqualValues(t, 43, got)
}
