package emitter

import (
	"context"

	"github.com/verbeek/eventcore/pkg/event"
)

// Middleware hooks into the emit pipeline. All fields are optional.
type Middleware struct {
	// BeforeEmit runs before any handler. Returning an error aborts the
	// emit and propagates to the caller; no handler runs.
	BeforeEmit func(ctx context.Context, evt *event.Event) error

	// AfterEmit runs after every handler has settled, regardless of
	// handler outcomes.
	AfterEmit func(ctx context.Context, evt *event.Event)

	// OnHandlerError is called once per failed handler after all
	// handlers have settled. Returning a non-nil error surfaces it from
	// Emit; returning nil absorbs the failure. When the hook is absent,
	// handler errors are logged and swallowed.
	OnHandlerError func(ctx context.Context, evt *event.Event, err error) error
}
