package sqlite

import (
	"context"
	"fmt"
	"sync"

	"github.com/verbeek/eventcore/pkg/event"
	"github.com/verbeek/eventcore/pkg/store"
)

type txOp struct {
	streamID        string
	expectedVersion int64
	events          []*event.Event
}

// transaction buffers appends and commits them in one database
// transaction, so either every operation applies or none does.
type transaction struct {
	st *Store

	mu    sync.Mutex
	state store.TxState
	ops   []txOp
}

// Append buffers events for a stream.
func (tx *transaction) Append(streamID string, expectedVersion int64, events []*event.Event) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != store.TxPending {
		return fmt.Errorf("append in %s transaction: %w", tx.state, store.ErrTransactionClosed)
	}

	tx.ops = append(tx.ops, txOp{
		streamID:        streamID,
		expectedVersion: expectedVersion,
		events:          events,
	})
	return nil
}

// Commit applies all buffered operations in registration order inside
// one database transaction.
func (tx *transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != store.TxPending {
		return fmt.Errorf("commit %s transaction: %w", tx.state, store.ErrTransactionClosed)
	}

	tx.st.mu.Lock()

	if tx.st.closed {
		tx.st.mu.Unlock()
		tx.state = store.TxRolledBack
		return store.ErrStoreClosed
	}

	dbTx, err := tx.st.db.BeginTx(ctx, nil)
	if err != nil {
		tx.st.mu.Unlock()
		tx.state = store.TxRolledBack
		return fmt.Errorf("begin transaction: %w", err)
	}

	var recorded []*store.RecordedEvent
	for _, op := range tx.ops {
		recs, _, err := appendInTx(ctx, dbTx, op.streamID, op.expectedVersion, op.events)
		if err != nil {
			dbTx.Rollback()
			tx.st.mu.Unlock()
			tx.state = store.TxRolledBack
			return err
		}
		recorded = append(recorded, recs...)
	}

	if err := dbTx.Commit(); err != nil {
		tx.st.mu.Unlock()
		tx.state = store.TxRolledBack
		return fmt.Errorf("commit transaction: %w", err)
	}

	subs := tx.st.subscribersLocked()
	tx.st.mu.Unlock()

	tx.state = store.TxCommitted
	tx.ops = nil

	tx.st.notify(subs, recorded)
	return nil
}

// Rollback discards all buffered operations.
func (tx *transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch tx.state {
	case store.TxRolledBack:
		return nil
	case store.TxCommitted:
		return fmt.Errorf("rollback committed transaction: %w", store.ErrTransactionClosed)
	}

	tx.state = store.TxRolledBack
	tx.ops = nil
	return nil
}

// State returns the transaction's lifecycle state.
func (tx *transaction) State() store.TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

var _ store.Transaction = (*transaction)(nil)
