// Package memory is the reference in-memory backend for store.EventStore.
// It is safe for concurrent use and is the backend of choice for tests
// and single-process deployments without durability requirements.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/verbeek/eventcore/pkg/event"
	"github.com/verbeek/eventcore/pkg/store"
)

// stream holds one stream's metadata and events. Guarded by Store.mu.
type stream struct {
	meta   store.StreamMetadata
	events []*store.RecordedEvent
}

// Store is an in-memory store.EventStore.
type Store struct {
	mu sync.RWMutex

	streams   map[string]*stream
	snapshots map[string]*store.Snapshot
	global    []*store.RecordedEvent
	subs      map[string]store.SubscriberFunc

	nextGlobal int64
	closed     bool

	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for subscriber failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		streams:   make(map[string]*stream),
		snapshots: make(map[string]*store.Snapshot),
		subs:      make(map[string]store.SubscriberFunc),
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Append appends events to a stream with an optimistic concurrency
// check, then notifies store subscribers.
func (s *Store) Append(ctx context.Context, streamID string, expectedVersion int64, events []*event.Event) (int64, error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return 0, store.ErrStoreClosed
	}

	recorded, version, err := s.appendLocked(streamID, expectedVersion, events)
	subs := s.subscribersLocked()
	s.mu.Unlock()

	if err != nil {
		return 0, err
	}

	s.notify(subs, recorded)
	return version, nil
}

// appendLocked performs the version check and append. Caller holds the
// write lock. On error the store is unchanged.
func (s *Store) appendLocked(streamID string, expectedVersion int64, events []*event.Event) ([]*store.RecordedEvent, int64, error) {
	st, exists := s.streams[streamID]
	current := int64(0)
	if exists {
		current = st.meta.Version
		if st.meta.Status == store.StreamDeleted {
			return nil, 0, store.ErrStreamDeleted
		}
	}

	if expectedVersion != store.AnyVersion && expectedVersion != current {
		return nil, 0, &store.ConcurrencyError{
			StreamID:        streamID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   current,
		}
	}

	if len(events) == 0 {
		return nil, current, nil
	}

	now := time.Now().UTC()
	if !exists {
		st = &stream{
			meta: store.StreamMetadata{
				StreamID: streamID,
				Created:  now,
				Status:   store.StreamActive,
			},
		}
		s.streams[streamID] = st
	}

	recorded := make([]*store.RecordedEvent, 0, len(events))
	for i, evt := range events {
		s.nextGlobal++
		rec := &store.RecordedEvent{
			Event:          *evt,
			StreamID:       streamID,
			Version:        current + int64(i) + 1,
			GlobalPosition: s.nextGlobal,
		}
		st.events = append(st.events, rec)
		s.global = append(s.global, rec)
		recorded = append(recorded, rec)
	}

	st.meta.Version = current + int64(len(events))
	st.meta.LastUpdated = now

	return recorded, st.meta.Version, nil
}

// subscribersLocked snapshots the subscriber set. Caller holds a lock.
func (s *Store) subscribersLocked() []store.SubscriberFunc {
	if len(s.subs) == 0 {
		return nil
	}
	subs := make([]store.SubscriberFunc, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}

// notify delivers appended events to subscribers. A panicking
// subscriber is isolated and logged; it cannot fail the append.
func (s *Store) notify(subs []store.SubscriberFunc, events []*store.RecordedEvent) {
	for _, fn := range subs {
		for _, rec := range events {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("store subscriber panicked",
							"stream_id", rec.StreamID,
							"event_id", rec.ID,
							"panic", r)
					}
				}()
				fn(rec)
			}()
		}
	}
}

// Read returns one stream's events after fromVersion in version order.
func (s *Store) Read(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]*store.RecordedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrStoreClosed
	}

	st, exists := s.streams[streamID]
	if !exists {
		return []*store.RecordedEvent{}, nil
	}

	out := make([]*store.RecordedEvent, 0, len(st.events))
	for _, rec := range st.events {
		if rec.Version <= fromVersion {
			continue
		}
		out = append(out, rec)
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
	}
	return out, nil
}

// ReadAll returns events across all streams ordered by timestamp with
// the global position as the stable tie-break.
func (s *Store) ReadAll(ctx context.Context, fromPosition int64, maxCount int) ([]*store.RecordedEvent, error) {
	s.mu.RLock()

	if s.closed {
		s.mu.RUnlock()
		return nil, store.ErrStoreClosed
	}

	all := make([]*store.RecordedEvent, 0, len(s.global))
	for _, rec := range s.global {
		if rec.GlobalPosition > fromPosition {
			all = append(all, rec)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].GlobalPosition < all[j].GlobalPosition
		}
		return all[i].Timestamp.Before(all[j].Timestamp)
	})

	if maxCount > 0 && len(all) > maxCount {
		all = all[:maxCount]
	}
	return all, nil
}

// StreamMetadata returns a copy of the stream's metadata record.
func (s *Store) StreamMetadata(ctx context.Context, streamID string) (*store.StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrStoreClosed
	}

	st, exists := s.streams[streamID]
	if !exists {
		return nil, store.ErrStreamNotFound
	}

	meta := st.meta
	if st.meta.Custom != nil {
		meta.Custom = make(map[string]string, len(st.meta.Custom))
		for k, v := range st.meta.Custom {
			meta.Custom[k] = v
		}
	}
	return &meta, nil
}

// SetStreamMetadata replaces the caller-managed metadata of a stream.
func (s *Store) SetStreamMetadata(ctx context.Context, streamID string, custom map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrStoreClosed
	}

	st, exists := s.streams[streamID]
	if !exists {
		return store.ErrStreamNotFound
	}

	st.meta.Custom = make(map[string]string, len(custom))
	for k, v := range custom {
		st.meta.Custom[k] = v
	}
	st.meta.LastUpdated = time.Now().UTC()
	return nil
}

// DeleteStream removes a stream. Hard delete purges events, metadata
// and snapshot; soft delete marks the stream deleted but keeps data.
func (s *Store) DeleteStream(ctx context.Context, streamID string, hard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrStoreClosed
	}

	st, exists := s.streams[streamID]
	if !exists {
		return store.ErrStreamNotFound
	}

	if !hard {
		st.meta.Status = store.StreamDeleted
		st.meta.LastUpdated = time.Now().UTC()
		return nil
	}

	delete(s.streams, streamID)
	delete(s.snapshots, streamID)

	kept := s.global[:0]
	for _, rec := range s.global {
		if rec.StreamID != streamID {
			kept = append(kept, rec)
		}
	}
	s.global = kept
	return nil
}

// CreateSnapshot stores a stream snapshot, replacing any previous one.
func (s *Store) CreateSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrStoreClosed
	}

	s.snapshots[streamID] = &store.Snapshot{
		StreamID:  streamID,
		Version:   version,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// GetSnapshot returns the stream's snapshot.
func (s *Store) GetSnapshot(ctx context.Context, streamID string) (*store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrStoreClosed
	}

	snap, exists := s.snapshots[streamID]
	if !exists {
		return nil, store.ErrSnapshotNotFound
	}

	cp := *snap
	return &cp, nil
}

// BeginTransaction starts a buffered multi-stream transaction.
func (s *Store) BeginTransaction(ctx context.Context) (store.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrStoreClosed
	}

	return &transaction{st: s, state: store.TxPending}, nil
}

// Subscribe registers a subscriber notified of every append.
func (s *Store) Subscribe(fn store.SubscriberFunc) store.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.subs[id] = fn
	return &subscription{st: s, id: id}
}

type subscription struct {
	st   *Store
	id   string
	once sync.Once
}

func (sub *subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.st.mu.Lock()
		delete(sub.st.subs, sub.id)
		sub.st.mu.Unlock()
	})
}

// Stats returns store-wide aggregate counts. Size is approximated as
// the sum of payload lengths.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrStoreClosed
	}

	var size int64
	for _, rec := range s.global {
		size += int64(len(rec.Payload))
	}
	for _, snap := range s.snapshots {
		size += int64(len(snap.Data))
	}

	return &store.Stats{
		Streams:             int64(len(s.streams)),
		Events:              int64(len(s.global)),
		Snapshots:           int64(len(s.snapshots)),
		ApproxSizeBytes:     size,
		ActiveSubscriptions: len(s.subs),
	}, nil
}

// Close marks the store closed and drops all state.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.streams = nil
	s.snapshots = nil
	s.global = nil
	s.subs = nil
	return nil
}

var _ store.EventStore = (*Store)(nil)
