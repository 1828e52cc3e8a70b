package es

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
)

func testEntry(aggType, aggID string) EventEntry {
	return EventEntry{
		ID:            gonanoid.Must(),
		AggregateType: aggType,
		AggregateID:   aggID,
		Timestamp:     time.Now(),
		PayloadType:   "test.Event",
		Payload:       json.RawMessage(`{}`),
	}
}

func testEntries(aggType, aggID string, n int) []EventEntry {
	out := make([]EventEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, testEntry(aggType, aggID))
	}
	return out
}

func TestInMemoryEngine_Append(t *testing.T) {
	engine := NewInMemoryStorageEngine()

	res, err := engine.AppendEvents(t.Context(), "account", "a1", 0, testEntries("account", "a1", 3))
	require.NoError(t, err)
	require.EqualValues(t, 2, res.LastSequenceNumber)
	require.EqualValues(t, 3, res.LastToken)

	t.Run("empty batch", func(t *testing.T) {
		_, err := engine.AppendEvents(t.Context(), "account", "a1", 3, nil)
		require.ErrorIs(t, err, ErrNoEvents)
	})

	t.Run("duplicate sequence number conflicts", func(t *testing.T) {
		_, err := engine.AppendEvents(t.Context(), "account", "a1", 2, testEntries("account", "a1", 1))
		require.ErrorIs(t, err, ErrConcurrencyConflict)

		// the original entries are intact
		stream, err := engine.ReadEvents(t.Context(), "a1")
		require.NoError(t, err)
		entries, err := ReadAll(stream)
		require.NoError(t, err)
		require.Len(t, entries, 3)
	})

	t.Run("gap conflicts", func(t *testing.T) {
		_, err := engine.AppendEvents(t.Context(), "account", "a1", 5, testEntries("account", "a1", 1))
		require.ErrorIs(t, err, ErrConcurrencyConflict)
	})

	t.Run("conflicting batch is all-or-nothing", func(t *testing.T) {
		_, err := engine.AppendEvents(t.Context(), "account", "a1", 2, testEntries("account", "a1", 4))
		require.ErrorIs(t, err, ErrConcurrencyConflict)

		stream, err := engine.ReadEvents(t.Context(), "a1")
		require.NoError(t, err)
		entries, err := ReadAll(stream)
		require.NoError(t, err)
		require.Len(t, entries, 3)
	})
}

func TestInMemoryEngine_ReadEvents(t *testing.T) {
	engine := NewInMemoryStorageEngine()

	t.Run("unknown aggregate", func(t *testing.T) {
		_, err := engine.ReadEvents(t.Context(), "missing")
		require.ErrorIs(t, err, ErrAggregateNotFound)
	})

	_, err := engine.AppendEvents(t.Context(), "account", "a1", 0, testEntries("account", "a1", 5))
	require.NoError(t, err)

	t.Run("ascending order from zero", func(t *testing.T) {
		stream, err := engine.ReadEvents(t.Context(), "a1")
		require.NoError(t, err)
		entries, err := ReadAll(stream)
		require.NoError(t, err)
		require.Len(t, entries, 5)
		for i, e := range entries {
			require.EqualValues(t, i, e.SequenceNumber)
		}
	})

	t.Run("starts after newest snapshot", func(t *testing.T) {
		snapshot := SnapshotEntry{EventEntry: testEntry("account", "a1")}
		snapshot.SequenceNumber = 2
		require.NoError(t, engine.StoreSnapshot(t.Context(), snapshot))

		stream, err := engine.ReadEvents(t.Context(), "a1")
		require.NoError(t, err)
		entries, err := ReadAll(stream)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		require.EqualValues(t, 3, entries[0].SequenceNumber)
		require.EqualValues(t, 4, entries[1].SequenceNumber)
	})

	t.Run("snapshot covering everything leaves an empty stream", func(t *testing.T) {
		snapshot := SnapshotEntry{EventEntry: testEntry("account", "a1")}
		snapshot.SequenceNumber = 4
		require.NoError(t, engine.StoreSnapshot(t.Context(), snapshot))

		stream, err := engine.ReadEvents(t.Context(), "a1")
		require.NoError(t, err)
		require.False(t, stream.HasNext())
		_, err = stream.Peek()
		require.ErrorIs(t, err, ErrEndOfStream)
	})

	t.Run("snapshot without events is readable", func(t *testing.T) {
		snapshot := SnapshotEntry{EventEntry: testEntry("account", "a9")}
		snapshot.SequenceNumber = 7
		require.NoError(t, engine.StoreSnapshot(t.Context(), snapshot))

		stream, err := engine.ReadEvents(t.Context(), "a9")
		require.NoError(t, err)
		require.False(t, stream.HasNext())
	})
}

func TestInMemoryEngine_StoreSnapshot(t *testing.T) {
	engine := NewInMemoryStorageEngine()

	_, err := engine.ReadSnapshot(t.Context(), "a1")
	require.ErrorIs(t, err, ErrSnapshotNotFound)

	first := SnapshotEntry{EventEntry: testEntry("account", "a1")}
	first.SequenceNumber = 3
	require.NoError(t, engine.StoreSnapshot(t.Context(), first))

	t.Run("same sequence number conflicts", func(t *testing.T) {
		dup := SnapshotEntry{EventEntry: testEntry("account", "a1")}
		dup.SequenceNumber = 3
		require.ErrorIs(t, engine.StoreSnapshot(t.Context(), dup), ErrConcurrencyConflict)
	})

	t.Run("older snapshot conflicts", func(t *testing.T) {
		older := SnapshotEntry{EventEntry: testEntry("account", "a1")}
		older.SequenceNumber = 1
		require.ErrorIs(t, engine.StoreSnapshot(t.Context(), older), ErrConcurrencyConflict)
	})

	t.Run("newer snapshot supersedes", func(t *testing.T) {
		newer := SnapshotEntry{EventEntry: testEntry("account", "a1")}
		newer.SequenceNumber = 9
		require.NoError(t, engine.StoreSnapshot(t.Context(), newer))

		got, err := engine.ReadSnapshot(t.Context(), "a1")
		require.NoError(t, err)
		require.EqualValues(t, 9, got.SequenceNumber)
	})
}

func TestInMemoryEngine_OpenStream(t *testing.T) {
	engine := NewInMemoryStorageEngine()

	_, err := engine.AppendEvents(t.Context(), "account", "a1", 0, testEntries("account", "a1", 2))
	require.NoError(t, err)
	_, err = engine.AppendEvents(t.Context(), "order", "o1", 0, testEntries("order", "o1", 2))
	require.NoError(t, err)

	t.Run("replays backlog then delivers live commits in token order", func(t *testing.T) {
		stream, err := engine.OpenStream(t.Context(), 0)
		require.NoError(t, err)
		defer stream.Close()

		_, err = engine.AppendEvents(t.Context(), "account", "a1", 2, testEntries("account", "a1", 1))
		require.NoError(t, err)

		var got []TrackedEventEntry
		for len(got) < 5 {
			select {
			case te := <-stream.Events():
				got = append(got, te)
			case <-time.After(time.Second):
				t.Fatalf("timed out after %d entries", len(got))
			}
		}
		for i, te := range got {
			require.EqualValues(t, i+1, te.Token)
		}
		// per-aggregate sequence order agrees with token order
		require.EqualValues(t, 0, got[0].SequenceNumber)
		require.EqualValues(t, 1, got[1].SequenceNumber)
		require.EqualValues(t, 2, got[4].SequenceNumber)
	})

	t.Run("resumes strictly after the given token", func(t *testing.T) {
		stream, err := engine.OpenStream(t.Context(), 3)
		require.NoError(t, err)
		defer stream.Close()

		select {
		case te := <-stream.Events():
			require.EqualValues(t, 4, te.Token)
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	})

	t.Run("close ends delivery", func(t *testing.T) {
		stream, err := engine.OpenStream(t.Context(), 0)
		require.NoError(t, err)
		stream.Close()

		require.Eventually(t, func() bool {
			_, ok := <-stream.Events()
			return !ok
		}, time.Second, 10*time.Millisecond)
	})
}

func TestInMemoryEngine_ConcurrentAppends(t *testing.T) {
	engine := NewInMemoryStorageEngine()

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		conflicts int
	)
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			// every writer races for sequence number 0 of the shared
			// aggregate, then writes its own aggregate
			if _, err := engine.AppendEvents(context.Background(), "account", "shared", 0, testEntries("account", "shared", 1)); err != nil {
				mu.Lock()
				conflicts++
				mu.Unlock()
			}
			_, err := engine.AppendEvents(context.Background(), "account", fmt.Sprintf("w%d", w), 0, testEntries("account", "w", 1))
			require.NoError(t, err)
		}(w)
	}
	wg.Wait()

	require.Equal(t, writers-1, conflicts)

	// tokens are dense and strictly increasing
	stream, err := engine.OpenStream(t.Context(), 0)
	require.NoError(t, err)
	defer stream.Close()
	for i := 1; i <= writers+1; i++ {
		select {
		case te := <-stream.Events():
			require.EqualValues(t, i, te.Token)
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}
