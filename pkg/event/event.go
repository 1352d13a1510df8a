// Package event defines the immutable event record shared by the
// emitter, the event store and the event bus, together with the
// pluggable payload codecs.
package event

import (
	"time"

	"github.com/verbeek/eventcore/pkg/idgen"
)

// Wildcard is the reserved event type that matches every event.
const Wildcard = "*"

// Metadata carries contextual information about an event.
type Metadata struct {
	// CorrelationID links related events across streams.
	CorrelationID string `json:"correlation_id,omitempty"`

	// CausationID is the ID of the command or event that caused this event.
	CausationID string `json:"causation_id,omitempty"`

	// Custom allows for application-specific metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// Event is an immutable fact about something that happened.
// Events are never mutated after creation; ownership transfers to
// whichever component persists or forwards them.
type Event struct {
	// ID is the unique, sortable identifier for this event.
	ID string `json:"id"`

	// Type is the string discriminator used for routing and subscription.
	Type string `json:"type"`

	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`

	// Payload is the serialized event data. Serialization is the concern
	// of a Codec, not of the event itself.
	Payload []byte `json:"payload,omitempty"`

	// Metadata contains additional contextual information.
	Metadata Metadata `json:"metadata"`
}

// Option configures an event at construction time.
type Option func(*Event)

// WithID overrides the generated event ID.
func WithID(id string) Option {
	return func(e *Event) {
		e.ID = id
	}
}

// WithTimestamp overrides the creation timestamp.
func WithTimestamp(ts time.Time) Option {
	return func(e *Event) {
		e.Timestamp = ts
	}
}

// WithCorrelationID sets the correlation ID on the event metadata.
func WithCorrelationID(id string) Option {
	return func(e *Event) {
		e.Metadata.CorrelationID = id
	}
}

// WithCausationID sets the causation ID on the event metadata.
func WithCausationID(id string) Option {
	return func(e *Event) {
		e.Metadata.CausationID = id
	}
}

// WithMetadata sets a custom metadata entry.
func WithMetadata(key, value string) Option {
	return func(e *Event) {
		if e.Metadata.Custom == nil {
			e.Metadata.Custom = make(map[string]string)
		}
		e.Metadata.Custom[key] = value
	}
}

// New creates an event with a generated sortable ID and the current
// timestamp. The payload is stored as-is; use a Codec to produce it.
func New(eventType string, payload []byte, opts ...Option) *Event {
	e := &Event{
		ID:        idgen.MustNewID(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Encode marshals v with the codec and wraps it in a new event.
func Encode(codec Codec, eventType string, v any, opts ...Option) (*Event, error) {
	payload, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	return New(eventType, payload, opts...), nil
}
