package observability_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/verbeek/eventcore/pkg/bus"
	"github.com/verbeek/eventcore/pkg/emitter"
	"github.com/verbeek/eventcore/pkg/event"
	"github.com/verbeek/eventcore/pkg/observability"
	"github.com/verbeek/eventcore/pkg/store/memory"
)

// brokenAdapter fails every publish so adapter failure paths fire.
type brokenAdapter struct{}

func (brokenAdapter) Connect(ctx context.Context) error    { return nil }
func (brokenAdapter) Disconnect(ctx context.Context) error { return nil }
func (brokenAdapter) Publish(ctx context.Context, topic string, evt *event.Event) error {
	return errors.New("broker down")
}

func newTestMetrics(t *testing.T) (*observability.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observability.NewMetrics(mp.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

// collect returns every instrument that has at least one data point,
// keyed by name.
func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	recorded := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			recorded[md.Name] = md
		}
	}
	return recorded
}

func counterSum(t *testing.T, md metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := md.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", md.Name)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestInstrumentStoreRecords(t *testing.T) {
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	s := observability.InstrumentStore(memory.New(), m)

	_, err := s.Append(ctx, "order-1", 0, []*event.Event{
		event.New("order.created", []byte(`{}`)),
		event.New("order.paid", []byte(`{}`)),
	})
	require.NoError(t, err)

	require.NoError(t, s.CreateSnapshot(ctx, "order-1", 2, []byte(`{"state":"paid"}`)))

	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Append("order-2", 0, []*event.Event{
		event.New("order.created", []byte(`{}`)),
	}))
	require.NoError(t, tx.Commit(ctx))

	// A rolled-back transaction must leave the counters untouched.
	tx, err = s.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Append("order-3", 0, []*event.Event{
		event.New("order.created", []byte(`{}`)),
	}))
	require.NoError(t, tx.Rollback())

	recorded := collect(t, reader)

	appended, ok := recorded["eventcore.store.events_appended"]
	require.True(t, ok, "events_appended not recorded")
	assert.Equal(t, int64(3), counterSum(t, appended))

	snapshots, ok := recorded["eventcore.store.snapshots_saved"]
	require.True(t, ok, "snapshots_saved not recorded")
	assert.Equal(t, int64(1), counterSum(t, snapshots))

	_, ok = recorded["eventcore.store.append_duration"]
	assert.True(t, ok, "append_duration not recorded")
}

func TestInstrumentStoreSkipsFailedAppend(t *testing.T) {
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	s := observability.InstrumentStore(memory.New(), m)

	_, err := s.Append(ctx, "order-1", 7, []*event.Event{
		event.New("order.created", []byte(`{}`)),
	})
	require.Error(t, err)

	recorded := collect(t, reader)
	if md, ok := recorded["eventcore.store.events_appended"]; ok {
		assert.Zero(t, counterSum(t, md))
	}
}

func TestBusMetricsRecords(t *testing.T) {
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	em := emitter.New(emitter.WithMiddleware(observability.EmitterMetrics(m)))
	em.On("order.created", func(ctx context.Context, evt *event.Event) error {
		return errors.New("handler boom")
	})

	b := bus.New(
		bus.WithEmitter(em),
		bus.WithMetricsRecorder(observability.BusMetrics(m)),
	)
	b.AddAdapter("broken", brokenAdapter{})

	require.NoError(t, b.Publish(ctx, event.New("order.created", []byte(`{}`))))

	recorded := collect(t, reader)

	for _, name := range []string{
		"eventcore.emitter.events",
		"eventcore.emitter.handler_failures",
		"eventcore.bus.events_published",
		"eventcore.bus.publish_duration",
		"eventcore.bus.adapter_failures",
	} {
		md, ok := recorded[name]
		require.True(t, ok, "%s not recorded", name)
		if name != "eventcore.bus.publish_duration" {
			assert.Equal(t, int64(1), counterSum(t, md), name)
		}
	}
}
