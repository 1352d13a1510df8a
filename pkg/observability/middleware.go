package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/verbeek/eventcore/pkg/bus"
	"github.com/verbeek/eventcore/pkg/emitter"
	"github.com/verbeek/eventcore/pkg/event"
	"github.com/verbeek/eventcore/pkg/store"
)

// EmitterMetrics returns emitter middleware that records emit counts
// and handler failures on the given instruments. Handler errors are
// absorbed after counting, matching the emitter's behavior without
// middleware.
func EmitterMetrics(m *Metrics) *emitter.Middleware {
	return &emitter.Middleware{
		AfterEmit: func(ctx context.Context, evt *event.Event) {
			m.EventsEmitted.Add(ctx, 1,
				metric.WithAttributes(attribute.String("event_type", evt.Type)))
		},
		OnHandlerError: func(ctx context.Context, evt *event.Event, err error) error {
			m.HandlerFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("event_type", evt.Type)))
			return nil
		},
	}
}

// BusMetrics returns a bus.MetricsRecorder recording publish counts,
// end-to-end publish latency and adapter failures.
func BusMetrics(m *Metrics) bus.MetricsRecorder {
	return &busRecorder{m: m}
}

type busRecorder struct {
	m *Metrics
}

func (r *busRecorder) RecordPublish(ctx context.Context, evt *event.Event, latency time.Duration) {
	r.m.EventsPublished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event_type", evt.Type)))
	r.m.PublishLatency.Record(ctx, latency.Seconds())
}

func (r *busRecorder) RecordAdapterFailure(ctx context.Context, adapter string) {
	r.m.AdapterFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("adapter", adapter)))
}

// InstrumentStore wraps an event store so appends, transaction commits
// and snapshot writes record on the given instruments. All other
// operations pass through unchanged.
func InstrumentStore(s store.EventStore, m *Metrics) store.EventStore {
	return &instrumentedStore{EventStore: s, m: m}
}

type instrumentedStore struct {
	store.EventStore
	m *Metrics
}

func (s *instrumentedStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []*event.Event) (int64, error) {
	start := time.Now()
	version, err := s.EventStore.Append(ctx, streamID, expectedVersion, events)
	s.m.AppendLatency.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return version, err
	}
	s.m.EventsAppended.Add(ctx, int64(len(events)),
		metric.WithAttributes(attribute.String("stream_id", streamID)))
	return version, nil
}

func (s *instrumentedStore) CreateSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	if err := s.EventStore.CreateSnapshot(ctx, streamID, version, data); err != nil {
		return err
	}
	s.m.SnapshotsSaved.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stream_id", streamID)))
	return nil
}

func (s *instrumentedStore) BeginTransaction(ctx context.Context) (store.Transaction, error) {
	tx, err := s.EventStore.BeginTransaction(ctx)
	if err != nil {
		return nil, err
	}
	return &instrumentedTransaction{Transaction: tx, m: s.m}, nil
}

// instrumentedTransaction counts buffered events as appended once the
// commit succeeds, so a rolled-back transaction records nothing.
type instrumentedTransaction struct {
	store.Transaction
	m       *Metrics
	pending int64
}

func (tx *instrumentedTransaction) Append(streamID string, expectedVersion int64, events []*event.Event) error {
	if err := tx.Transaction.Append(streamID, expectedVersion, events); err != nil {
		return err
	}
	tx.pending += int64(len(events))
	return nil
}

func (tx *instrumentedTransaction) Commit(ctx context.Context) error {
	start := time.Now()
	err := tx.Transaction.Commit(ctx)
	tx.m.AppendLatency.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return err
	}
	tx.m.EventsAppended.Add(ctx, tx.pending)
	tx.pending = 0
	return nil
}
