package emitter

import "sync"

// Subscription is a handle to a single handler registration.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// EventType is the type the handler was registered for.
	EventType string

	emitter *Emitter
	regID   string
	once    sync.Once
}

// Unsubscribe removes the handler from the emitter. It is idempotent;
// calling it again, or after a one-shot handler has fired, is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.emitter.unsubscribe(s.EventType, s.regID)
	})
}

// subscribeConfig holds delivery hints for a subscription.
type subscribeConfig struct {
	once bool
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

// Once makes the subscription fire at most one time.
func Once() SubscribeOption {
	return func(c *subscribeConfig) {
		c.once = true
	}
}
