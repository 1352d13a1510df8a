package bus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verbeek/eventcore/pkg/bus"
	"github.com/verbeek/eventcore/pkg/event"
)

// fakeAdapter records calls and can be told to fail or panic.
type fakeAdapter struct {
	mu          sync.Mutex
	published   []*event.Event
	connects    int
	disconnects int

	connectErr error
	publishErr error
	panicOn    bool
}

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeAdapter) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeAdapter) Publish(ctx context.Context, topic string, evt *event.Event) error {
	if f.panicOn {
		panic("adapter exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, evt)
	return nil
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func TestPublishLocalDelivery(t *testing.T) {
	b := bus.New()
	defer b.Close(context.Background())

	var received atomic.Int32
	b.Subscribe("user.created", func(ctx context.Context, evt *event.Event) error {
		received.Add(1)
		return nil
	})

	err := b.Publish(context.Background(), event.New("user.created", nil))
	require.NoError(t, err)
	assert.Equal(t, int32(1), received.Load())

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.TotalPublished)
	assert.Equal(t, int64(1), stats.TotalReceived)
}

func TestPublishFansOutToAdapters(t *testing.T) {
	b := bus.New()
	defer b.Close(context.Background())

	a1 := &fakeAdapter{}
	a2 := &fakeAdapter{}
	b.AddAdapter("one", a1)
	b.AddAdapter("two", a2)
	require.NoError(t, b.Connect(context.Background()))

	err := b.Publish(context.Background(), event.New("order.placed", nil))
	require.NoError(t, err)

	assert.Equal(t, 1, a1.count())
	assert.Equal(t, 1, a2.count())
}

func TestPublishSucceedsWhenAdaptersFail(t *testing.T) {
	b := bus.New()
	defer b.Close(context.Background())

	failing := &fakeAdapter{publishErr: errors.New("broker down")}
	panicking := &fakeAdapter{panicOn: true}
	healthy := &fakeAdapter{}
	b.AddAdapter("failing", failing)
	b.AddAdapter("panicking", panicking)
	b.AddAdapter("healthy", healthy)

	var received atomic.Int32
	b.Subscribe("order.placed", func(ctx context.Context, evt *event.Event) error {
		received.Add(1)
		return nil
	})

	err := b.Publish(context.Background(), event.New("order.placed", nil))
	require.NoError(t, err, "adapter failures must not fail the publish")

	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, 1, healthy.count())

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.TotalPublished)
	assert.Equal(t, int64(2), stats.FailedPublishes)
}

func TestPublishLocalHandlerError(t *testing.T) {
	b := bus.New()
	defer b.Close(context.Background())

	// Without middleware, handler errors are absorbed by the emitter
	// and the publish succeeds.
	b.Subscribe("a", func(ctx context.Context, evt *event.Event) error {
		return errors.New("handler broke")
	})

	err := b.Publish(context.Background(), event.New("a", nil))
	require.NoError(t, err)
}

func TestPublishOnClosedBus(t *testing.T) {
	b := bus.New()
	require.NoError(t, b.Close(context.Background()))

	err := b.Publish(context.Background(), event.New("a", nil))
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestPublishBatch(t *testing.T) {
	b := bus.New()
	defer b.Close(context.Background())

	var received atomic.Int32
	b.Subscribe("a", func(ctx context.Context, evt *event.Event) error {
		received.Add(1)
		return nil
	})

	events := []*event.Event{
		event.New("a", nil),
		event.New("a", nil),
		event.New("a", nil),
	}
	require.NoError(t, b.PublishBatch(context.Background(), events))
	assert.Equal(t, int32(3), received.Load())

	stats := b.Stats()
	assert.Equal(t, int64(3), stats.TotalPublished)
}

func TestSubscribeToMultiple(t *testing.T) {
	b := bus.New()
	defer b.Close(context.Background())

	var received atomic.Int32
	sub := b.SubscribeToMultiple([]string{"a", "b"}, func(ctx context.Context, evt *event.Event) error {
		received.Add(1)
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), event.New("a", nil)))
	require.NoError(t, b.Publish(context.Background(), event.New("b", nil)))
	assert.Equal(t, int32(2), received.Load())

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	require.NoError(t, b.Publish(context.Background(), event.New("a", nil)))
	require.NoError(t, b.Publish(context.Background(), event.New("b", nil)))
	assert.Equal(t, int32(2), received.Load())
}

func TestAdapterManagement(t *testing.T) {
	b := bus.New()
	defer b.Close(context.Background())

	a := &fakeAdapter{}
	b.AddAdapter("nats", a)

	got, ok := b.GetAdapter("nats")
	require.True(t, ok)
	assert.Same(t, bus.Adapter(a), got)
	assert.ElementsMatch(t, []string{"nats"}, b.Adapters())

	_, ok = b.GetAdapter("missing")
	assert.False(t, ok)

	b.RemoveAdapter(context.Background(), "nats")
	assert.Empty(t, b.Adapters())
}

func TestConnectDisconnect(t *testing.T) {
	b := bus.New()
	defer b.Close(context.Background())

	healthy := &fakeAdapter{}
	broken := &fakeAdapter{connectErr: errors.New("refused")}
	b.AddAdapter("healthy", healthy)
	b.AddAdapter("broken", broken)

	err := b.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	stats := b.Stats()
	assert.True(t, stats.AdapterStatus["healthy"])
	assert.False(t, stats.AdapterStatus["broken"])

	// Reconnect skips already-connected adapters.
	broken.mu.Lock()
	broken.connectErr = nil
	broken.mu.Unlock()
	require.NoError(t, b.Connect(context.Background()))
	assert.Equal(t, 1, healthy.connects)

	require.NoError(t, b.Disconnect(context.Background()))
	assert.Equal(t, 1, healthy.disconnects)
	assert.False(t, b.Stats().AdapterStatus["healthy"])
}

func TestCloseIdempotent(t *testing.T) {
	b := bus.New()

	a := &fakeAdapter{}
	b.AddAdapter("nats", a)
	require.NoError(t, b.Connect(context.Background()))

	b.Subscribe("a", func(ctx context.Context, evt *event.Event) error { return nil })

	require.NoError(t, b.Close(context.Background()))
	require.NoError(t, b.Close(context.Background()))

	assert.Equal(t, 1, a.disconnects)
	assert.Zero(t, b.Emitter().ListenerCount("a"))
}

func TestStatsLatencyAndActivity(t *testing.T) {
	b := bus.New()
	defer b.Close(context.Background())

	b.Subscribe("a", func(ctx context.Context, evt *event.Event) error { return nil })

	for range 5 {
		require.NoError(t, b.Publish(context.Background(), event.New("a", nil)))
	}

	stats := b.Stats()
	assert.Equal(t, int64(5), stats.TotalPublished)
	assert.Equal(t, int64(5), stats.TotalReceived)
	assert.Greater(t, stats.EventsPerSecond, 0.0)
	assert.False(t, stats.LastActivity.IsZero())
}
