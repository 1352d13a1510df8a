package store

import (
	"context"
	"errors"

	"github.com/verbeek/eventcore/pkg/event"
)

// TxState is the lifecycle state of a transaction.
type TxState string

const (
	// TxPending accepts appends and can commit or roll back.
	TxPending TxState = "pending"

	// TxCommitted means every buffered operation was applied.
	TxCommitted TxState = "committed"

	// TxRolledBack means no buffered operation is visible.
	TxRolledBack TxState = "rolled-back"
)

// Transaction buffers append operations across streams. Buffered
// events are invisible to readers until Commit. Commit applies the
// operations in registration order with all-or-nothing semantics: if
// any operation's expected-version check fails, nothing is applied and
// the transaction rolls back.
type Transaction interface {
	// Append buffers events for a stream. The expected-version check is
	// deferred to Commit. Fails with ErrTransactionClosed once the
	// transaction is no longer pending.
	Append(streamID string, expectedVersion int64, events []*event.Event) error

	// Commit applies all buffered operations. On failure the transaction
	// transitions to rolled-back and the store is unchanged.
	Commit(ctx context.Context) error

	// Rollback discards all buffered operations. Rolling back an
	// already rolled-back transaction is a no-op; rolling back a
	// committed one fails with ErrTransactionClosed.
	Rollback() error

	// State returns the current lifecycle state.
	State() TxState
}

// WithTransaction begins a transaction, invokes fn with it, commits on
// normal return and rolls back and re-raises when fn fails.
func WithTransaction(ctx context.Context, s EventStore, fn func(tx Transaction) error) error {
	tx, err := s.BeginTransaction(ctx)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, ErrTransactionClosed) {
			return errors.Join(err, rbErr)
		}
		return err
	}

	return tx.Commit(ctx)
}
