package txn

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/tesseradb/tessera/grid"
)

// pessimisticStrategy takes the exclusive key lock at enlistment time, for
// writes and reads alike. Prepare then has nothing left to validate: every
// touched key is already fenced against concurrent writers.
type pessimisticStrategy struct {
	mgr *Manager
}

func (s *pessimisticStrategy) enlistWrite(ctx context.Context, t *Transaction, w *WriteIntent) error {
	if err := s.acquire(ctx, t, w.Cache, w.Key, w.KeyHash); err != nil {
		return err
	}
	w.ReadVersion = s.mgr.store.ReadVersion(w.Cache, w.Key)
	return nil
}

func (s *pessimisticStrategy) enlistRead(ctx context.Context, t *Transaction, r *ReadIntent) ([]byte, bool, error) {
	if err := s.acquire(ctx, t, r.Cache, r.Key, r.KeyHash); err != nil {
		return nil, false, err
	}
	value, version, found := s.mgr.store.Get(r.Cache, r.Key)
	r.ReadVersion = version
	return value, found, nil
}

func (s *pessimisticStrategy) acquire(ctx context.Context, t *Transaction, cache, key string, keyHash uint64) error {
	// The intent filter answers "definitely unenlisted" without touching
	// the lock table; a hit means the wait below will probably contend.
	if s.mgr.intents.MaybeEnlisted(keyHash) {
		log.Debug().
			Uint64("txn_id", t.id).
			Str("cache", cache).
			Str("key", key).
			Msg("Key possibly enlisted elsewhere, lock wait likely")
	}

	err := s.mgr.locks.Acquire(ctx, t.id, cache, key, t.deadline)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, grid.ErrLockTimeout):
		return &LockTimeoutError{TxnID: t.id, Cache: cache, Key: key}
	case errors.Is(err, grid.ErrDeadlock):
		return &DeadlockError{TxnID: t.id, Cache: cache, Key: key}
	default:
		return err
	}
}

func (s *pessimisticStrategy) prepareLocal(ctx context.Context, t *Transaction) error {
	// Locks were taken at enlistment; nothing can have moved underneath.
	return nil
}

func (s *pessimisticStrategy) cleanup(t *Transaction) {
	s.mgr.locks.ReleaseAll(t.id)
	s.mgr.intents.RemoveTxn(t.id)
}
