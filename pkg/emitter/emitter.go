// Package emitter provides in-process publish/subscribe with per-type
// and wildcard handler registration, concurrent handler execution and
// handler failure isolation.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/verbeek/eventcore/pkg/event"
)

// Handler processes a single event. Handlers for the same event run
// concurrently with each other; completion order between them is
// unspecified and must not be relied upon.
type Handler func(ctx context.Context, evt *event.Event) error

// registration is a single handler entry in the registry.
type registration struct {
	id        string
	eventType string
	handler   Handler
	fn        uintptr // handler identity, used for set semantics and Off
	once      bool
	sub       bool // created via Subscribe, counted in stats
	fired     sync.Once
}

// Emitter dispatches events to registered handlers. The zero value is
// not usable; construct with New.
type Emitter struct {
	mu sync.RWMutex

	// regs indexes registrations by event type, then registration ID.
	// The wildcard type "*" is an ordinary key merged in at dispatch.
	regs map[string]map[string]*registration

	// byFn indexes registrations made via On/Once by handler identity,
	// giving On its set semantics.
	byFn map[string]map[uintptr]string

	subscriptions int

	middleware *Middleware
	logger     *slog.Logger
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) {
		e.logger = logger
	}
}

// WithMiddleware installs the before/after/error hooks.
func WithMiddleware(mw *Middleware) Option {
	return func(e *Emitter) {
		e.middleware = mw
	}
}

// New creates an emitter with the given options.
func New(opts ...Option) *Emitter {
	e := &Emitter{
		regs:   make(map[string]map[string]*registration),
		byFn:   make(map[string]map[uintptr]string),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// handlerID returns the identity of a handler function value.
func handlerID(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// On registers a handler for an event type. Registering the same
// handler for the same type twice has no additional effect.
func (e *Emitter) On(eventType string, handler Handler) {
	e.register(eventType, handler, false, true, false)
}

// Once registers a handler that removes itself after its first
// invocation, whether the handler succeeds or fails.
func (e *Emitter) Once(eventType string, handler Handler) {
	e.register(eventType, handler, true, true, false)
}

// Subscribe registers a handler and returns a subscription handle.
// Unlike On, every call creates a distinct registration.
func (e *Emitter) Subscribe(eventType string, handler Handler, opts ...SubscribeOption) *Subscription {
	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	reg := e.register(eventType, handler, cfg.once, false, true)

	return &Subscription{
		ID:        uuid.NewString(),
		EventType: eventType,
		emitter:   e,
		regID:     reg.id,
	}
}

// SubscribeOnce registers a one-shot handler with a subscription
// handle. Unsubscribing before the handler fires prevents the firing.
func (e *Emitter) SubscribeOnce(eventType string, handler Handler, opts ...SubscribeOption) *Subscription {
	opts = append(opts, Once())
	return e.Subscribe(eventType, handler, opts...)
}

// register adds a handler to the registry. When dedupe is true the
// handler identity index is consulted first (On/Once semantics). The
// sub flag and the subscription counter are set under the same lock so
// a racing removal always sees a consistent pair.
func (e *Emitter) register(eventType string, handler Handler, once, dedupe, sub bool) *registration {
	fn := handlerID(handler)

	e.mu.Lock()
	defer e.mu.Unlock()

	if dedupe {
		if ids, ok := e.byFn[eventType]; ok {
			if regID, exists := ids[fn]; exists {
				return e.regs[eventType][regID]
			}
		}
	}

	reg := &registration{
		id:        uuid.NewString(),
		eventType: eventType,
		handler:   handler,
		fn:        fn,
		once:      once,
		sub:       sub,
	}
	if sub {
		e.subscriptions++
	}

	if e.regs[eventType] == nil {
		e.regs[eventType] = make(map[string]*registration)
	}
	e.regs[eventType][reg.id] = reg

	if dedupe {
		if e.byFn[eventType] == nil {
			e.byFn[eventType] = make(map[uintptr]string)
		}
		e.byFn[eventType][fn] = reg.id
	}

	return reg
}

// Off removes a specific handler for an event type, or every handler
// for the type when handler is nil. Matching subscriptions are pruned
// as well.
func (e *Emitter) Off(eventType string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	regs, ok := e.regs[eventType]
	if !ok {
		return
	}

	if handler == nil {
		for id := range regs {
			e.removeLocked(eventType, id)
		}
		return
	}

	fn := handlerID(handler)
	for id, reg := range regs {
		if reg.fn == fn {
			e.removeLocked(eventType, id)
		}
	}
}

// removeLocked deletes one registration. Caller holds the write lock.
func (e *Emitter) removeLocked(eventType, regID string) {
	regs, ok := e.regs[eventType]
	if !ok {
		return
	}
	reg, ok := regs[regID]
	if !ok {
		return
	}

	if reg.sub {
		e.subscriptions--
	}
	delete(regs, regID)
	if len(regs) == 0 {
		delete(e.regs, eventType)
	}

	if ids, ok := e.byFn[eventType]; ok {
		if id, exists := ids[reg.fn]; exists && id == regID {
			delete(ids, reg.fn)
			if len(ids) == 0 {
				delete(e.byFn, eventType)
			}
		}
	}
}

// unsubscribe removes a subscription's registration. Idempotent.
func (e *Emitter) unsubscribe(eventType, regID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if regs, ok := e.regs[eventType]; ok {
		if _, exists := regs[regID]; exists {
			e.removeLocked(eventType, regID)
		}
	}
}

// Emit dispatches the event to every handler registered for its exact
// type and for the wildcard type, and returns once all of them have
// settled. A failing handler never prevents the others from running;
// its error is passed to the OnHandlerError hook when one is installed,
// and logged otherwise.
func (e *Emitter) Emit(ctx context.Context, evt *event.Event) error {
	if evt == nil {
		return errors.New("emitter: nil event")
	}

	if e.middleware != nil && e.middleware.BeforeEmit != nil {
		if err := e.middleware.BeforeEmit(ctx, evt); err != nil {
			return fmt.Errorf("emitter: before emit: %w", err)
		}
	}

	targets := e.collect(evt.Type)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
	)

	for _, reg := range targets {
		if reg.once {
			fired := false
			reg.fired.Do(func() { fired = true })
			if !fired {
				continue
			}
			e.unregisterOnce(reg)
		}

		wg.Add(1)
		go func(reg *registration) {
			defer wg.Done()
			if err := e.invoke(ctx, reg, evt); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
		}(reg)
	}

	wg.Wait()

	var emitErr error
	for _, err := range failures {
		if e.middleware != nil && e.middleware.OnHandlerError != nil {
			if herr := e.middleware.OnHandlerError(ctx, evt, err); herr != nil {
				emitErr = errors.Join(emitErr, herr)
			}
		} else {
			e.logger.Error("event handler failed",
				"event_type", evt.Type,
				"event_id", evt.ID,
				"error", err)
		}
	}

	if e.middleware != nil && e.middleware.AfterEmit != nil {
		e.middleware.AfterEmit(ctx, evt)
	}

	return emitErr
}

// collect snapshots the registrations for a type plus the wildcard set.
func (e *Emitter) collect(eventType string) []*registration {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var targets []*registration
	for _, reg := range e.regs[eventType] {
		targets = append(targets, reg)
	}
	if eventType != event.Wildcard {
		for _, reg := range e.regs[event.Wildcard] {
			targets = append(targets, reg)
		}
	}
	return targets
}

// unregisterOnce removes a one-shot registration after it is claimed.
func (e *Emitter) unregisterOnce(reg *registration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if regs, ok := e.regs[reg.eventType]; ok {
		if _, exists := regs[reg.id]; exists {
			e.removeLocked(reg.eventType, reg.id)
		}
	}
}

// invoke runs one handler, converting panics into errors so a
// misbehaving handler cannot take down the emit.
func (e *Emitter) invoke(ctx context.Context, reg *registration, evt *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return reg.handler(ctx, evt)
}

// Listeners returns the handlers registered for an event type.
func (e *Emitter) Listeners(eventType string) []Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()

	handlers := make([]Handler, 0, len(e.regs[eventType]))
	for _, reg := range e.regs[eventType] {
		handlers = append(handlers, reg.handler)
	}
	return handlers
}

// EventNames returns the event types with at least one handler.
func (e *Emitter) EventNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.regs))
	for name := range e.regs {
		names = append(names, name)
	}
	return names
}

// ListenerCount returns the number of handlers for an event type.
func (e *Emitter) ListenerCount(eventType string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.regs[eventType])
}

// RemoveAllListeners drops every registration and subscription.
func (e *Emitter) RemoveAllListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.regs = make(map[string]map[string]*registration)
	e.byFn = make(map[string]map[uintptr]string)
	e.subscriptions = 0
}

// Stats is a read-only snapshot of the emitter's registry.
type Stats struct {
	EventTypes          int
	TotalHandlers       int
	ActiveSubscriptions int
}

// Stats returns a snapshot of registry counts.
func (e *Emitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	total := 0
	for _, regs := range e.regs {
		total += len(regs)
	}

	return Stats{
		EventTypes:          len(e.regs),
		TotalHandlers:       total,
		ActiveSubscriptions: e.subscriptions,
	}
}
