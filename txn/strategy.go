package txn

import "context"

// strategy is the concurrency-control half of a transaction. The state
// machine is identical for both modes; strategies only differ in when locks
// are taken and what prepare has to validate.
type strategy interface {
	// enlistWrite runs when a key joins the write set. It may block.
	enlistWrite(ctx context.Context, t *Transaction, w *WriteIntent) error

	// enlistRead performs a transactional read and records whatever the
	// mode needs for later validation.
	enlistRead(ctx context.Context, t *Transaction, r *ReadIntent) (value []byte, found bool, err error)

	// prepareLocal performs this node's phase-1 work before any remote
	// vote is requested.
	prepareLocal(ctx context.Context, t *Transaction) error

	// cleanup releases every local resource the strategy holds for the
	// transaction. Runs exactly once, at terminal transition.
	cleanup(t *Transaction)
}

func strategyFor(m *Manager, mode Mode) strategy {
	if mode == Optimistic {
		return &optimisticStrategy{mgr: m}
	}
	return &pessimisticStrategy{mgr: m}
}
