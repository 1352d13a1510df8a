package store

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned when an append's expected
	// version does not match the stream's current version. Callers
	// recover by re-reading the stream and retrying.
	ErrConcurrencyConflict = errors.New("concurrency conflict: stream version mismatch")

	// ErrStreamNotFound is returned for operations on a stream that has
	// never been created.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStreamDeleted is returned when appending to a soft-deleted stream.
	ErrStreamDeleted = errors.New("stream deleted")

	// ErrSnapshotNotFound is returned when a stream has no snapshot.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrTransactionClosed is returned when operating on a transaction
	// that is no longer pending. This is a programmer error, not a
	// condition to retry.
	ErrTransactionClosed = errors.New("transaction is not pending")

	// ErrStoreClosed is returned for operations on a closed store.
	ErrStoreClosed = errors.New("event store is closed")
)

// ConcurrencyError carries the detail of an optimistic concurrency
// failure. It matches ErrConcurrencyConflict under errors.Is.
type ConcurrencyError struct {
	StreamID        string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %q: expected version %d, actual %d",
		e.StreamID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}
