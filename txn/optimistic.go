package txn

import (
	"context"
	"errors"
	"sort"

	"github.com/tesseradb/tessera/grid"
	"github.com/tesseradb/tessera/telemetry"
)

// optimisticStrategy runs lock-free until prepare. Enlistment records the
// entry version observed at first touch; prepare takes the locks in
// deterministic key order and validates that every recorded version still
// matches. Any mismatch is a serialization conflict and aborts the
// transaction.
type optimisticStrategy struct {
	mgr *Manager
}

func (s *optimisticStrategy) enlistWrite(ctx context.Context, t *Transaction, w *WriteIntent) error {
	w.ReadVersion = s.mgr.store.ReadVersion(w.Cache, w.Key)
	return nil
}

func (s *optimisticStrategy) enlistRead(ctx context.Context, t *Transaction, r *ReadIntent) ([]byte, bool, error) {
	value, version, found := s.mgr.store.Get(r.Cache, r.Key)
	r.ReadVersion = version
	return value, found, nil
}

// validation is one key to lock and check at prepare.
type validation struct {
	cache   string
	key     string
	version uint64
}

func (s *optimisticStrategy) prepareLocal(ctx context.Context, t *Transaction) error {
	checks := make([]validation, 0, len(t.writes)+len(t.reads))
	seen := make(map[string]struct{}, len(t.writes)+len(t.reads))

	t.mu.Lock()
	for _, w := range t.writes {
		k := w.Cache + "/" + w.Key
		checks = append(checks, validation{w.Cache, w.Key, w.ReadVersion})
		seen[k] = struct{}{}
	}
	for _, r := range t.reads {
		k := r.Cache + "/" + r.Key
		if _, dup := seen[k]; dup {
			continue
		}
		checks = append(checks, validation{r.Cache, r.Key, r.ReadVersion})
		seen[k] = struct{}{}
	}
	t.mu.Unlock()

	// Deterministic lock order keeps two preparing transactions from
	// deadlocking against each other.
	sort.Slice(checks, func(i, j int) bool {
		if checks[i].cache != checks[j].cache {
			return checks[i].cache < checks[j].cache
		}
		return checks[i].key < checks[j].key
	})

	for _, c := range checks {
		if err := s.mgr.locks.Acquire(ctx, t.id, c.cache, c.key, t.deadline); err != nil {
			s.mgr.locks.ReleaseAll(t.id)
			switch {
			case errors.Is(err, grid.ErrLockTimeout):
				return &LockTimeoutError{TxnID: t.id, Cache: c.cache, Key: c.key}
			case errors.Is(err, grid.ErrDeadlock):
				return &DeadlockError{TxnID: t.id, Cache: c.cache, Key: c.key}
			default:
				return err
			}
		}
		if current := s.mgr.store.ReadVersion(c.cache, c.key); current != c.version {
			s.mgr.locks.ReleaseAll(t.id)
			telemetry.OptimisticConflictsTotal.Inc()
			return &OptimisticConflictError{
				TxnID:    t.id,
				Cache:    c.cache,
				Key:      c.key,
				Expected: c.version,
				Actual:   current,
			}
		}
	}
	return nil
}

func (s *optimisticStrategy) cleanup(t *Transaction) {
	s.mgr.locks.ReleaseAll(t.id)
	s.mgr.intents.RemoveTxn(t.id)
}
