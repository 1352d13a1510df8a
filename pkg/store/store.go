// Package store defines the contract for append-only, per-stream
// versioned event persistence with optimistic concurrency control,
// snapshots and multi-stream transactions. Backends live in
// subpackages; pkg/store/memory is the reference implementation and
// pkg/store/sqlite the durable one.
package store

import (
	"context"
	"time"

	"github.com/verbeek/eventcore/pkg/event"
)

// AnyVersion disables the optimistic concurrency check on append.
const AnyVersion int64 = -1

// StreamStatus is the lifecycle state of a stream.
type StreamStatus string

const (
	// StreamActive marks a stream accepting appends.
	StreamActive StreamStatus = "active"

	// StreamDeleted marks a soft-deleted stream. Its events remain
	// readable for audit but appends are rejected.
	StreamDeleted StreamStatus = "deleted"
)

// StreamMetadata describes one stream. Version strictly equals the
// number of events ever appended to the stream.
type StreamMetadata struct {
	StreamID    string
	Version     int64
	Created     time.Time
	LastUpdated time.Time
	Status      StreamStatus

	// Custom holds caller-managed metadata set via SetStreamMetadata.
	Custom map[string]string
}

// RecordedEvent is an event as persisted by a store: the caller's event
// plus its stream assignment and the store-assigned positions.
type RecordedEvent struct {
	event.Event

	// StreamID is the stream this event was appended to.
	StreamID string

	// Version is the stream version after this event was appended.
	Version int64

	// GlobalPosition is the store-wide sequence number, used as the
	// stable tie-break when ReadAll orders by timestamp.
	GlobalPosition int64
}

// Snapshot is a point-in-time materialized state for a stream. A store
// keeps at most one snapshot per stream; newer writes win. Snapshots
// are not invalidated by later appends, so consumers must compare the
// snapshot version against the current stream version before trusting
// it.
type Snapshot struct {
	StreamID  string
	Version   int64
	Data      []byte
	CreatedAt time.Time
}

// Stats is a read-only snapshot of store-wide aggregate counts.
type Stats struct {
	Streams             int64
	Events              int64
	Snapshots           int64
	ApproxSizeBytes     int64
	ActiveSubscriptions int
}

// SubscriberFunc receives events after they are durably appended.
// Delivery timing is a backend concern; both backends in this module
// deliver synchronously after the append commits. Subscribers must not
// block for long and cannot fail the append.
type SubscriberFunc func(evt *RecordedEvent)

// Subscription is a handle to a store-level subscriber registration.
type Subscription interface {
	// Unsubscribe stops delivery. Idempotent.
	Unsubscribe()
}

// EventStore is an append-only, versioned event log partitioned into
// named streams.
type EventStore interface {
	// Append appends events to a stream. When expectedVersion is not
	// AnyVersion and does not equal the stream's current version, the
	// append fails with a ConcurrencyError and the stream is left
	// unchanged. Returns the stream version after the append.
	Append(ctx context.Context, streamID string, expectedVersion int64, events []*event.Event) (int64, error)

	// Read returns the events of one stream in version order, starting
	// after fromVersion. maxCount <= 0 means no limit. Unknown streams
	// yield an empty result, not an error.
	Read(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]*RecordedEvent, error)

	// ReadAll returns events across all streams ordered by timestamp,
	// with the store-assigned global position as the stable tie-break,
	// starting after fromPosition. maxCount <= 0 means no limit.
	ReadAll(ctx context.Context, fromPosition int64, maxCount int) ([]*RecordedEvent, error)

	// StreamMetadata returns the metadata record for a stream, or
	// ErrStreamNotFound if the stream has never been created.
	StreamMetadata(ctx context.Context, streamID string) (*StreamMetadata, error)

	// SetStreamMetadata replaces the caller-managed metadata of a
	// stream. Fails with ErrStreamNotFound for unknown streams.
	SetStreamMetadata(ctx context.Context, streamID string, custom map[string]string) error

	// DeleteStream removes a stream. A hard delete purges its events,
	// metadata and snapshot; a soft delete marks the stream deleted but
	// keeps its data readable.
	DeleteStream(ctx context.Context, streamID string, hard bool) error

	// CreateSnapshot stores the materialized state of a stream at a
	// version, replacing any previous snapshot for that stream.
	CreateSnapshot(ctx context.Context, streamID string, version int64, data []byte) error

	// GetSnapshot returns the stream's snapshot, or ErrSnapshotNotFound.
	GetSnapshot(ctx context.Context, streamID string) (*Snapshot, error)

	// BeginTransaction starts a buffered multi-stream transaction.
	BeginTransaction(ctx context.Context) (Transaction, error)

	// Subscribe registers a subscriber notified of every append.
	Subscribe(fn SubscriberFunc) Subscription

	// Stats returns store-wide aggregate counts.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases backend resources. Further operations fail.
	Close() error
}
