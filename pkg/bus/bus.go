// Package bus unifies local event delivery through an emitter with
// best-effort fan-out to pluggable external adapters. Local delivery
// is the primary success criterion; adapters are an enrichment, never
// a dependency of correctness.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verbeek/eventcore/pkg/emitter"
	"github.com/verbeek/eventcore/pkg/event"
)

// ErrClosed is returned for operations on a closed bus.
var ErrClosed = errors.New("event bus is closed")

// MetricsRecorder receives publish outcomes for metric export. The
// bus's own stats snapshot stays poll-based; a recorder is the push
// path a composition root wires in.
type MetricsRecorder interface {
	// RecordPublish is called once per successful publish with the
	// end-to-end latency including adapter fan-out.
	RecordPublish(ctx context.Context, evt *event.Event, latency time.Duration)

	// RecordAdapterFailure is called once per failed adapter call.
	RecordAdapterFailure(ctx context.Context, adapter string)
}

// Bus composes an emitter with zero or more named adapters.
type Bus struct {
	emitter  *emitter.Emitter
	logger   *slog.Logger
	recorder MetricsRecorder

	mu        sync.RWMutex
	adapters  map[string]Adapter
	connected map[string]bool
	closed    bool

	stats statsRecorder
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for adapter failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithEmitter injects a pre-configured emitter, e.g. one carrying
// middleware. Defaults to a plain emitter sharing the bus logger.
func WithEmitter(em *emitter.Emitter) Option {
	return func(b *Bus) {
		b.emitter = em
	}
}

// WithMetricsRecorder installs a recorder notified of publish outcomes.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(b *Bus) {
		b.recorder = rec
	}
}

// New creates a bus with no adapters registered.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:    slog.Default(),
		adapters:  make(map[string]Adapter),
		connected: make(map[string]bool),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.emitter == nil {
		b.emitter = emitter.New(emitter.WithLogger(b.logger))
	}

	return b
}

// Emitter returns the underlying emitter.
func (b *Bus) Emitter() *emitter.Emitter {
	return b.emitter
}

// Publish delivers the event locally first, then forwards it to every
// registered adapter independently. An adapter failure is logged and
// counted but neither stops the other adapters nor fails the publish.
// The recorded latency covers local emit plus all adapter calls.
func (b *Bus) Publish(ctx context.Context, evt *event.Event) error {
	start := time.Now()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	adapters := make(map[string]Adapter, len(b.adapters))
	for name, a := range b.adapters {
		adapters[name] = a
	}
	b.mu.RUnlock()

	delivered := b.emitter.ListenerCount(evt.Type)
	if evt.Type != event.Wildcard {
		delivered += b.emitter.ListenerCount(event.Wildcard)
	}

	if err := b.emitter.Emit(ctx, evt); err != nil {
		b.stats.recordFailure()
		return fmt.Errorf("local emit: %w", err)
	}

	var wg sync.WaitGroup
	for name, adapter := range adapters {
		wg.Add(1)
		go func(name string, adapter Adapter) {
			defer wg.Done()
			if err := b.publishToAdapter(ctx, name, adapter, evt); err != nil {
				b.stats.recordFailure()
				if b.recorder != nil {
					b.recorder.RecordAdapterFailure(ctx, name)
				}
				b.logger.Error("adapter publish failed",
					"adapter", name,
					"event_type", evt.Type,
					"event_id", evt.ID,
					"error", err)
			}
		}(name, adapter)
	}
	wg.Wait()

	latency := time.Since(start)
	b.stats.recordPublish(latency, delivered)
	if b.recorder != nil {
		b.recorder.RecordPublish(ctx, evt, latency)
	}
	return nil
}

// publishToAdapter isolates one adapter call, converting panics into
// errors so a misbehaving adapter cannot break fan-out isolation.
func (b *Bus) publishToAdapter(ctx context.Context, name string, adapter Adapter, evt *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter %s panicked: %v", name, r)
		}
	}()
	return adapter.Publish(ctx, evt.Type, evt)
}

// PublishBatch publishes events concurrently. No ordering is
// guaranteed between the events; callers that need ordering must
// publish sequentially.
func (b *Bus) PublishBatch(ctx context.Context, events []*event.Event) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, evt := range events {
		g.Go(func() error {
			return b.Publish(ctx, evt)
		})
	}
	return g.Wait()
}

// Subscribe registers a local handler for an event type.
func (b *Bus) Subscribe(eventType string, handler emitter.Handler, opts ...emitter.SubscribeOption) *emitter.Subscription {
	return b.emitter.Subscribe(eventType, handler, opts...)
}

// SubscribeToMultiple registers one handler for several event types
// and returns a composite subscription tearing all of them down at
// once.
func (b *Bus) SubscribeToMultiple(eventTypes []string, handler emitter.Handler, opts ...emitter.SubscribeOption) *CompositeSubscription {
	subs := make([]*emitter.Subscription, 0, len(eventTypes))
	for _, eventType := range eventTypes {
		subs = append(subs, b.emitter.Subscribe(eventType, handler, opts...))
	}
	return &CompositeSubscription{subs: subs}
}

// Unsubscribe tears down a subscription obtained from Subscribe.
func (b *Bus) Unsubscribe(sub *emitter.Subscription) {
	sub.Unsubscribe()
}

// CompositeSubscription groups per-type subscriptions behind a single
// unsubscribe.
type CompositeSubscription struct {
	once sync.Once
	subs []*emitter.Subscription
}

// Unsubscribe removes every underlying subscription. Idempotent.
func (c *CompositeSubscription) Unsubscribe() {
	c.once.Do(func() {
		for _, sub := range c.subs {
			sub.Unsubscribe()
		}
	})
}

// AddAdapter registers an adapter under a name, replacing any adapter
// previously registered under it.
func (b *Bus) AddAdapter(name string, adapter Adapter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adapters[name] = adapter
	b.connected[name] = false
}

// RemoveAdapter disconnects and removes a named adapter. Disconnect
// errors are logged and swallowed.
func (b *Bus) RemoveAdapter(ctx context.Context, name string) {
	b.mu.Lock()
	adapter, ok := b.adapters[name]
	delete(b.adapters, name)
	delete(b.connected, name)
	b.mu.Unlock()

	if !ok {
		return
	}
	if err := adapter.Disconnect(ctx); err != nil {
		b.logger.Error("adapter disconnect failed", "adapter", name, "error", err)
	}
}

// GetAdapter returns a registered adapter by name.
func (b *Bus) GetAdapter(name string) (Adapter, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	adapter, ok := b.adapters[name]
	return adapter, ok
}

// Adapters returns the names of all registered adapters.
func (b *Bus) Adapters() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.adapters))
	for name := range b.adapters {
		names = append(names, name)
	}
	return names
}

// Connect connects every registered adapter. A failing adapter does
// not block the others; all failures are joined into the returned
// error.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	var errs []error
	for name, adapter := range b.adapters {
		if b.connected[name] {
			continue
		}
		if err := adapter.Connect(ctx); err != nil {
			b.logger.Error("adapter connect failed", "adapter", name, "error", err)
			errs = append(errs, fmt.Errorf("connect adapter %s: %w", name, err))
			continue
		}
		b.connected[name] = true
	}
	return errors.Join(errs...)
}

// Disconnect disconnects every registered adapter, isolating per-adapter
// errors.
func (b *Bus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnectLocked(ctx)
}

func (b *Bus) disconnectLocked(ctx context.Context) error {
	var errs []error
	for name, adapter := range b.adapters {
		if !b.connected[name] {
			continue
		}
		if err := adapter.Disconnect(ctx); err != nil {
			b.logger.Error("adapter disconnect failed", "adapter", name, "error", err)
			errs = append(errs, fmt.Errorf("disconnect adapter %s: %w", name, err))
		}
		b.connected[name] = false
	}
	return errors.Join(errs...)
}

// Close disconnects all adapters and clears every local subscription
// and handler registration. Idempotent.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if err := b.disconnectLocked(ctx); err != nil {
		b.logger.Error("error disconnecting adapters during close", "error", err)
	}
	b.emitter.RemoveAllListeners()
	return nil
}

// Stats returns a read-only snapshot of bus throughput and adapter
// health.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	adapterStatus := make(map[string]bool, len(b.adapters))
	for name := range b.adapters {
		adapterStatus[name] = b.connected[name]
	}
	b.mu.RUnlock()

	snapshot := b.stats.snapshot()
	snapshot.AdapterStatus = adapterStatus
	return snapshot
}
