// Package sqlite is the durable SQLite backend for store.EventStore.
// It uses the pure Go driver, so there is no CGo dependency, and gives
// true multi-stream transaction atomicity by staging each commit in a
// single database transaction.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/verbeek/eventcore/pkg/event"
	"github.com/verbeek/eventcore/pkg/store"
	"github.com/verbeek/eventcore/pkg/store/sqlite/migrate"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a SQLite-backed store.EventStore.
type Store struct {
	db *sql.DB
	mu sync.RWMutex // serializes writers, the compare-and-advance must be atomic

	subs   map[string]store.SubscriberFunc
	closed bool

	logger *slog.Logger
}

type config struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	logger       *slog.Logger
}

func defaultConfig() config {
	return config{
		dsn:          "eventcore.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		logger:       slog.Default(),
	}
}

// Option configures a Store.
type Option func(*config)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses an in-memory database, handy for tests.
func WithMemoryDatabase() Option {
	return func(c *config) {
		c.dsn = ":memory:"
		c.walMode = false
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) Option {
	return func(c *config) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging. Recommended for file-backed
// databases; not available for :memory:.
func WithWALMode(enabled bool) Option {
	return func(c *config) {
		c.walMode = enabled
	}
}

// WithAutoMigrate runs pending migrations on startup.
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) {
		c.autoMigrate = enabled
	}
}

// WithLogger sets the logger used for subscriber failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// New opens a SQLite event store.
func New(opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each connection to :memory: gets its own isolated database, so
	// force a single connection there.
	if cfg.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:     db,
		subs:   make(map[string]store.SubscriberFunc),
		logger: cfg.logger,
	}

	if cfg.walMode {
		if _, err := db.Exec(`
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
			PRAGMA foreign_keys = ON;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if cfg.autoMigrate {
		if err := runMigrations(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return s, nil
}

func runMigrations(db *sql.DB) error {
	m := migrate.New(db, "schema_migrations")
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return err
	}
	return m.Up()
}

// MigrationVersion returns the current schema migration version.
func (s *Store) MigrationVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return migrate.New(s.db, "schema_migrations").Version()
}

// Append appends events to a stream inside one database transaction.
func (s *Store) Append(ctx context.Context, streamID string, expectedVersion int64, events []*event.Event) (int64, error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return 0, store.ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("begin transaction: %w", err)
	}

	recorded, version, err := appendInTx(ctx, tx, streamID, expectedVersion, events)
	if err != nil {
		tx.Rollback()
		s.mu.Unlock()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("commit append: %w", err)
	}

	subs := s.subscribersLocked()
	s.mu.Unlock()

	s.notify(subs, recorded)
	return version, nil
}

// appendInTx performs the version check and insert within tx. Used by
// both single appends and multi-stream transaction commits.
func appendInTx(ctx context.Context, tx *sql.Tx, streamID string, expectedVersion int64, events []*event.Event) ([]*store.RecordedEvent, int64, error) {
	var (
		current int64
		status  string
	)
	exists := true
	err := tx.QueryRowContext(ctx,
		"SELECT version, status FROM streams WHERE stream_id = ?", streamID,
	).Scan(&current, &status)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, 0, fmt.Errorf("query stream version: %w", err)
	}

	if exists && store.StreamStatus(status) == store.StreamDeleted {
		return nil, 0, fmt.Errorf("stream %q: %w", streamID, store.ErrStreamDeleted)
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
	recorded := make([]*store.RecordedEvent, 0, len(events))

	for i, evt := range events {
		metadata, err := json.Marshal(evt.Metadata)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal event metadata: %w", err)
		}

		version := current + int64(i) + 1
		var globalPos int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO events (event_id, stream_id, version, event_type, timestamp, payload, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING global_position`,
			evt.ID, streamID, version, evt.Type, evt.Timestamp.UnixNano(), evt.Payload, string(metadata),
		).Scan(&globalPos)
		if err != nil {
			return nil, 0, fmt.Errorf("insert event %s: %w", evt.ID, err)
		}

		recorded = append(recorded, &store.RecordedEvent{
			Event:          *evt,
			StreamID:       streamID,
			Version:        version,
			GlobalPosition: globalPos,
		})
	}

	newVersion := current + int64(len(events))
	if exists {
		_, err = tx.ExecContext(ctx,
			"UPDATE streams SET version = ?, updated_at = ? WHERE stream_id = ?",
			newVersion, now.UnixNano(), streamID)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO streams (stream_id, version, created_at, updated_at, status)
			VALUES (?, ?, ?, ?, ?)`,
			streamID, newVersion, now.UnixNano(), now.UnixNano(), string(store.StreamActive))
	}
	if err != nil {
		return nil, 0, fmt.Errorf("update stream metadata: %w", err)
	}

	return recorded, newVersion, nil
}

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

	limit := maxCount
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT global_position, event_id, stream_id, version, event_type, timestamp, payload, metadata
		FROM events
		WHERE stream_id = ? AND version > ?
		ORDER BY version
		LIMIT ?`,
		streamID, fromVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ReadAll returns events across all streams ordered by timestamp with
// global position as the stable tie-break.
func (s *Store) ReadAll(ctx context.Context, fromPosition int64, maxCount int) ([]*store.RecordedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrStoreClosed
	}

	limit := maxCount
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT global_position, event_id, stream_id, version, event_type, timestamp, payload, metadata
		FROM events
		WHERE global_position > ?
		ORDER BY timestamp, global_position
		LIMIT ?`,
		fromPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("query all events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*store.RecordedEvent, error) {
	events := []*store.RecordedEvent{}
	for rows.Next() {
		var (
			rec      store.RecordedEvent
			ts       int64
			metadata string
		)
		if err := rows.Scan(&rec.GlobalPosition, &rec.ID, &rec.StreamID, &rec.Version,
			&rec.Type, &ts, &rec.Payload, &metadata); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal event metadata: %w", err)
		}
		events = append(events, &rec)
	}
	return events, rows.Err()
}

// StreamMetadata returns the metadata record for a stream.
func (s *Store) StreamMetadata(ctx context.Context, streamID string) (*store.StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrStoreClosed
	}

	var (
		meta    store.StreamMetadata
		created int64
		updated int64
		status  string
		custom  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT stream_id, version, created_at, updated_at, status, custom_metadata
		FROM streams WHERE stream_id = ?`, streamID,
	).Scan(&meta.StreamID, &meta.Version, &created, &updated, &status, &custom)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stream %q: %w", streamID, store.ErrStreamNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query stream metadata: %w", err)
	}

	meta.Created = time.Unix(0, created).UTC()
	meta.LastUpdated = time.Unix(0, updated).UTC()
	meta.Status = store.StreamStatus(status)
	if custom.Valid && custom.String != "" {
		if err := json.Unmarshal([]byte(custom.String), &meta.Custom); err != nil {
			return nil, fmt.Errorf("unmarshal custom metadata: %w", err)
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

	data, err := json.Marshal(custom)
	if err != nil {
		return fmt.Errorf("marshal custom metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE streams SET custom_metadata = ?, updated_at = ? WHERE stream_id = ?",
		string(data), time.Now().UTC().UnixNano(), streamID)
	if err != nil {
		return fmt.Errorf("update stream metadata: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("stream %q: %w", streamID, store.ErrStreamNotFound)
	}
	return nil
}

// DeleteStream removes a stream. Hard delete purges events, metadata
// and snapshot; soft delete marks the stream deleted.
func (s *Store) DeleteStream(ctx context.Context, streamID string, hard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrStoreClosed
	}

	if !hard {
		res, err := s.db.ExecContext(ctx,
			"UPDATE streams SET status = ?, updated_at = ? WHERE stream_id = ?",
			string(store.StreamDeleted), time.Now().UTC().UnixNano(), streamID)
		if err != nil {
			return fmt.Errorf("soft delete stream: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("stream %q: %w", streamID, store.ErrStreamNotFound)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM streams WHERE stream_id = ?", streamID)
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("stream %q: %w", streamID, store.ErrStreamNotFound)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE stream_id = ?", streamID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshots WHERE stream_id = ?", streamID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}

	return tx.Commit()
}

// CreateSnapshot stores a stream snapshot, replacing any previous one.
func (s *Store) CreateSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (stream_id, version, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stream_id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			created_at = excluded.created_at`,
		streamID, version, data, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
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

	var (
		snap    store.Snapshot
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT stream_id, version, data, created_at FROM snapshots WHERE stream_id = ?", streamID,
	).Scan(&snap.StreamID, &snap.Version, &snap.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stream %q: %w", streamID, store.ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	snap.CreatedAt = time.Unix(0, created).UTC()
	return &snap, nil
}

// BeginTransaction starts a buffered multi-stream transaction. The
// whole commit runs in one database transaction, so a failed
// expected-version check leaves nothing applied.
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

// Stats returns store-wide aggregate counts. Size is approximated from
// the database page count.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrStoreClosed
	}

	stats := &store.Stats{ActiveSubscriptions: len(s.subs)}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM streams").Scan(&stats.Streams); err != nil {
		return nil, fmt.Errorf("count streams: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&stats.Events); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshots").Scan(&stats.Snapshots); err != nil {
		return nil, fmt.Errorf("count snapshots: %w", err)
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			stats.ApproxSizeBytes = pageCount * pageSize
		}
	}

	return stats, nil
}

// DB exposes the underlying database for read-side consumers such as
// projections.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database. Further operations fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ store.EventStore = (*Store)(nil)
