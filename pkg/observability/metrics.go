package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the event core. The core's
// stats snapshots stay poll-based; these instruments are the optional
// export path a composition root wires in.
type Metrics struct {
	// Emitter metrics
	EventsEmitted   metric.Int64Counter
	HandlerFailures metric.Int64Counter

	// Store metrics
	EventsAppended metric.Int64Counter
	AppendLatency  metric.Float64Histogram
	SnapshotsSaved metric.Int64Counter

	// Bus metrics
	EventsPublished metric.Int64Counter
	PublishLatency  metric.Float64Histogram
	AdapterFailures metric.Int64Counter
}

// NewMetrics creates all metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsEmitted, err = meter.Int64Counter(
		"eventcore.emitter.events",
		metric.WithDescription("Total events emitted locally"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating emitter.events: %w", err)
	}

	m.HandlerFailures, err = meter.Int64Counter(
		"eventcore.emitter.handler_failures",
		metric.WithDescription("Total handler failures, isolated from emit callers"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating emitter.handler_failures: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"eventcore.store.events_appended",
		metric.WithDescription("Total events appended to the event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating store.events_appended: %w", err)
	}

	m.AppendLatency, err = meter.Float64Histogram(
		"eventcore.store.append_duration",
		metric.WithDescription("Append duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating store.append_duration: %w", err)
	}

	m.SnapshotsSaved, err = meter.Int64Counter(
		"eventcore.store.snapshots_saved",
		metric.WithDescription("Total snapshots written"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating store.snapshots_saved: %w", err)
	}

	m.EventsPublished, err = meter.Int64Counter(
		"eventcore.bus.events_published",
		metric.WithDescription("Total events published through the bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating bus.events_published: %w", err)
	}

	m.PublishLatency, err = meter.Float64Histogram(
		"eventcore.bus.publish_duration",
		metric.WithDescription("End-to-end publish duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating bus.publish_duration: %w", err)
	}

	m.AdapterFailures, err = meter.Int64Counter(
		"eventcore.bus.adapter_failures",
		metric.WithDescription("Total adapter publish/connect failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating bus.adapter_failures: %w", err)
	}

	return m, nil
}
