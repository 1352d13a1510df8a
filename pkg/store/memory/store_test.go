package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verbeek/eventcore/pkg/event"
	"github.com/verbeek/eventcore/pkg/store"
	"github.com/verbeek/eventcore/pkg/store/memory"
)

func newEvents(eventType string, n int) []*event.Event {
	events := make([]*event.Event, n)
	for i := range events {
		events[i] = event.New(eventType, []byte(`{}`))
	}
	return events
}

func TestAppendAndRead(t *testing.T) {
	s := memory.New()
	defer s.Close()
	ctx := context.Background()

	// Chained expected versions: 0, 1, 2.
	for i := 0; i < 3; i++ {
		version, err := s.Append(ctx, "order-1", int64(i), newEvents("order.updated", 1))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), version)
	}

	events, err := s.Read(ctx, "order-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, rec := range events {
		assert.Equal(t, int64(i+1), rec.Version)
		assert.Equal(t, "order-1", rec.StreamID)
	}

	// Reading after version 2 returns only the third event.
	tail, err := s.Read(ctx, "order-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Version)

	meta, err := s.StreamMetadata(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.Version)
	assert.Equal(t, store.StreamActive, meta.Status)
}

func TestConcurrencyConflict(t *testing.T) {
	s := memory.New()
	defer s.Close()
	ctx := context.Background()

	_, err := s.Append(ctx, "order-1", 0, newEvents("order.created", 3))
	require.NoError(t, err)

	// Stale expected version leaves the stream untouched.
	_, err = s.Append(ctx, "order-1", 2, newEvents("order.updated", 1))
	require.ErrorIs(t, err, store.ErrConcurrencyConflict)

	var conflict *store.ConcurrencyError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(2), conflict.ExpectedVersion)
	assert.Equal(t, int64(3), conflict.ActualVersion)

	meta, err := s.StreamMetadata(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.Version)

	events, err := s.Read(ctx, "order-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestAppendAnyVersion(t *testing.T) {
	s := memory.New()
	defer s.Close()
	ctx := context.Background()

	_, err := s.Append(ctx, "order-1", store.AnyVersion, newEvents("a", 1))
	require.NoError(t, err)
	version, err := s.Append(ctx, "order-1", store.AnyVersion, newEvents("b", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestReadUnknownStream(t *testing.T) {
	s := memory.New()
	defer s.Close()

	events, err := s.Read(context.Background(), "missing", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = s.StreamMetadata(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrStreamNotFound)
}

func TestReadAllOrdering(t *testing.T) {
	s := memory.New()
	defer s.Close()
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	early := event.New("a", nil, event.WithTimestamp(base))
	late := event.New("b", nil, event.WithTimestamp(base.Add(time.Second)))

	// Append the later timestamp first; ReadAll must order by timestamp.
	_, err := s.Append(ctx, "s1", 0, []*event.Event{late})
	require.NoError(t, err)
	_, err = s.Append(ctx, "s2", 0, []*event.Event{early})
	require.NoError(t, err)

	all, err := s.ReadAll(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Type)
	assert.Equal(t, "b", all[1].Type)

	// Identical timestamps fall back to the global position.
	tie1 := event.New("t1", nil, event.WithTimestamp(base))
	tie2 := event.New("t2", nil, event.WithTimestamp(base))
	_, err = s.Append(ctx, "s3", 0, []*event.Event{tie1})
	require.NoError(t, err)
	_, err = s.Append(ctx, "s4", 0, []*event.Event{tie2})
	require.NoError(t, err)

	all, err = s.ReadAll(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "t1", all[1].Type)
	assert.Equal(t, "t2", all[2].Type)

	// fromPosition filters on the global sequence: positions 1 and 2
	// went to the first two appends, so only the tie events remain.
	rest, err := s.ReadAll(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "t1", rest[0].Type)
	assert.Equal(t, "t2", rest[1].Type)
}

func TestSetStreamMetadata(t *testing.T) {
	s := memory.New()
	defer s.Close()
	ctx := context.Background()

	_, err := s.Append(ctx, "order-1", 0, newEvents("a", 1))
	require.NoError(t, err)

	require.NoError(t, s.SetStreamMetadata(ctx, "order-1", map[string]string{"owner": "billing"}))

	meta, err := s.StreamMetadata(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "billing", meta.Custom["owner"])

	assert.ErrorIs(t, s.SetStreamMetadata(ctx, "missing", nil), store.ErrStreamNotFound)
}

func TestDeleteStream(t *testing.T) {
	ctx := context.Background()

	t.Run("soft delete keeps data and blocks appends", func(t *testing.T) {
		s := memory.New()
		defer s.Close()

		_, err := s.Append(ctx, "order-1", 0, newEvents("a", 2))
		require.NoError(t, err)
		require.NoError(t, s.DeleteStream(ctx, "order-1", false))

		meta, err := s.StreamMetadata(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, store.StreamDeleted, meta.Status)

		events, err := s.Read(ctx, "order-1", 0, 0)
		require.NoError(t, err)
		assert.Len(t, events, 2)

		_, err = s.Append(ctx, "order-1", 2, newEvents("a", 1))
		assert.ErrorIs(t, err, store.ErrStreamDeleted)
	})

	t.Run("hard delete purges everything", func(t *testing.T) {
		s := memory.New()
		defer s.Close()

		_, err := s.Append(ctx, "order-1", 0, newEvents("a", 2))
		require.NoError(t, err)
		require.NoError(t, s.CreateSnapshot(ctx, "order-1", 2, []byte("state")))
		require.NoError(t, s.DeleteStream(ctx, "order-1", true))

		_, err = s.StreamMetadata(ctx, "order-1")
		assert.ErrorIs(t, err, store.ErrStreamNotFound)

		_, err = s.GetSnapshot(ctx, "order-1")
		assert.ErrorIs(t, err, store.ErrSnapshotNotFound)

		all, err := s.ReadAll(ctx, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestSnapshots(t *testing.T) {
	s := memory.New()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.CreateSnapshot(ctx, "order-1", 3, []byte("v3")))
	require.NoError(t, s.CreateSnapshot(ctx, "order-2", 9, []byte("other")))

	snap, err := s.GetSnapshot(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Version)
	assert.Equal(t, []byte("v3"), snap.Data)

	// Newest write wins; unrelated streams are unaffected.
	require.NoError(t, s.CreateSnapshot(ctx, "order-1", 5, []byte("v5")))
	snap, err = s.GetSnapshot(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Version)
	assert.Equal(t, []byte("v5"), snap.Data)

	other, err := s.GetSnapshot(ctx, "order-2")
	require.NoError(t, err)
	assert.Equal(t, []byte("other"), other.Data)
}

func TestSubscribers(t *testing.T) {
	s := memory.New()
	defer s.Close()
	ctx := context.Background()

	var got []string
	sub := s.Subscribe(func(rec *store.RecordedEvent) {
		got = append(got, rec.Type)
	})

	_, err := s.Append(ctx, "s1", 0, newEvents("a", 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a"}, got)

	sub.Unsubscribe()
	_, err = s.Append(ctx, "s1", 2, newEvents("b", 1))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSubscriberPanicIsolation(t *testing.T) {
	s := memory.New()
	defer s.Close()

	s.Subscribe(func(rec *store.RecordedEvent) {
		panic("subscriber bug")
	})

	_, err := s.Append(context.Background(), "s1", 0, newEvents("a", 1))
	assert.NoError(t, err)
}

func TestStats(t *testing.T) {
	s := memory.New()
	defer s.Close()
	ctx := context.Background()

	_, err := s.Append(ctx, "s1", 0, newEvents("a", 2))
	require.NoError(t, err)
	_, err = s.Append(ctx, "s2", 0, newEvents("b", 1))
	require.NoError(t, err)
	require.NoError(t, s.CreateSnapshot(ctx, "s1", 2, []byte("x")))
	s.Subscribe(func(rec *store.RecordedEvent) {})

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Streams)
	assert.Equal(t, int64(3), stats.Events)
	assert.Equal(t, int64(1), stats.Snapshots)
	assert.Equal(t, 1, stats.ActiveSubscriptions)
	assert.Greater(t, stats.ApproxSizeBytes, int64(0))
}

func TestClose(t *testing.T) {
	s := memory.New()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Append(context.Background(), "s1", 0, newEvents("a", 1))
	assert.ErrorIs(t, err, store.ErrStoreClosed)

	_, err = s.Read(context.Background(), "s1", 0, 0)
	assert.ErrorIs(t, err, store.ErrStoreClosed)
}
