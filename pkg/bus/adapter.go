package bus

import (
	"context"

	"github.com/verbeek/eventcore/pkg/event"
)

// Adapter is an external-messaging integration point the bus fans out
// to after local delivery. Adapters are independent failure domains:
// an adapter error is logged and counted but never fails the bus
// operation that triggered it. Implementations must return errors
// rather than panic to keep that isolation intact.
type Adapter interface {
	// Connect establishes the adapter's connection to its backend.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down.
	Disconnect(ctx context.Context) error

	// Publish forwards one event under a topic, by convention the
	// event type.
	Publish(ctx context.Context, topic string, evt *event.Event) error
}
