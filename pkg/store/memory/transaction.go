package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/verbeek/eventcore/pkg/event"
	"github.com/verbeek/eventcore/pkg/store"
)

// txOp is one buffered append operation.
type txOp struct {
	streamID        string
	expectedVersion int64
	events          []*event.Event
}

// transaction buffers appends and applies them atomically on commit.
// Commit validates every operation's expected version under the store
// lock before applying any of them, so a failed commit leaves the
// store untouched.
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

// Commit applies all buffered operations in registration order.
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

	// Validate every operation before applying any. Later operations on
	// the same stream are checked against the version the earlier ones
	// will produce.
	projected := make(map[string]int64)
	for _, op := range tx.ops {
		current, tracked := projected[op.streamID]
		if !tracked {
			if st, exists := tx.st.streams[op.streamID]; exists {
				if st.meta.Status == store.StreamDeleted {
					tx.st.mu.Unlock()
					tx.state = store.TxRolledBack
					return fmt.Errorf("stream %q: %w", op.streamID, store.ErrStreamDeleted)
				}
				current = st.meta.Version
			}
		}

		if op.expectedVersion != store.AnyVersion && op.expectedVersion != current {
			tx.st.mu.Unlock()
			tx.state = store.TxRolledBack
			return &store.ConcurrencyError{
				StreamID:        op.streamID,
				ExpectedVersion: op.expectedVersion,
				ActualVersion:   current,
			}
		}

		projected[op.streamID] = current + int64(len(op.events))
	}

	var recorded []*store.RecordedEvent
	for _, op := range tx.ops {
		recs, _, err := tx.st.appendLocked(op.streamID, store.AnyVersion, op.events)
		if err != nil {
			// Unreachable after validation, but keep the invariant.
			tx.st.mu.Unlock()
			tx.state = store.TxRolledBack
			return err
		}
		recorded = append(recorded, recs...)
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
