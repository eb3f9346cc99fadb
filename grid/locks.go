package grid

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tesseradb/tessera/telemetry"
)

// Lock table failures. The transaction layer maps these onto its own error
// taxonomy before surfacing them to callers.
var (
	// ErrLockTimeout means the transaction's remaining timeout elapsed
	// before the lock became free.
	ErrLockTimeout = errors.New("lock wait timeout exceeded")

	// ErrDeadlock means taking the lock would close a cycle of waiters.
	ErrDeadlock = errors.New("deadlock detected")
)

// keyLock tracks the exclusive holder of one key and its waiter queue.
type keyLock struct {
	holder  uint64
	waiters []chan struct{}
}

// LockTable provides exclusive per-key locks with deadline-bounded blocking
// acquisition. A transaction waits on at most one key at a time, so the
// waits-for relation is a map of single edges; a cycle through that map is
// a deadlock and is detected synchronously on wait registration.
type LockTable struct {
	mu        sync.Mutex
	locks     map[string]*keyLock
	held      map[uint64]map[string]struct{} // txnID -> keys held
	waitsFor  map[uint64]uint64              // waiting txnID -> holder txnID
	detection bool
}

// NewLockTable creates a lock table. Deadlock detection can be disabled by
// configuration; waits then only resolve by timeout.
func NewLockTable(deadlockDetection bool) *LockTable {
	return &LockTable{
		locks:     make(map[string]*keyLock),
		held:      make(map[uint64]map[string]struct{}),
		waitsFor:  make(map[uint64]uint64),
		detection: deadlockDetection,
	}
}

// Acquire takes the exclusive lock on (cache, key) for txnID, blocking
// until it is free, the deadline passes (ErrLockTimeout), a waits-for cycle
// is found (ErrDeadlock) or ctx is cancelled. Re-acquiring a held lock is a
// no-op.
func (lt *LockTable) Acquire(ctx context.Context, txnID uint64, cache, key string, deadline time.Time) error {
	lockKey := entryKey(cache, key)
	start := time.Now()

	for {
		lt.mu.Lock()

		kl, exists := lt.locks[lockKey]
		if !exists || kl.holder == 0 {
			if !exists {
				kl = &keyLock{}
				lt.locks[lockKey] = kl
			}
			kl.holder = txnID
			lt.trackHeld(txnID, lockKey)
			delete(lt.waitsFor, txnID)
			lt.mu.Unlock()
			telemetry.LockWaitSeconds.Observe(time.Since(start).Seconds())
			return nil
		}

		if kl.holder == txnID {
			lt.mu.Unlock()
			return nil
		}

		if lt.detection && lt.wouldDeadlock(txnID, kl.holder) {
			lt.mu.Unlock()
			telemetry.DeadlocksTotal.Inc()
			log.Debug().
				Uint64("txn_id", txnID).
				Uint64("holder", kl.holder).
				Str("key", lockKey).
				Msg("Lock wait would close a waiter cycle")
			return ErrDeadlock
		}

		waitCh := make(chan struct{}, 1)
		kl.waiters = append(kl.waiters, waitCh)
		lt.waitsFor[txnID] = kl.holder
		lt.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			lt.abandonWait(txnID, lockKey, waitCh)
			telemetry.LockTimeoutsTotal.Inc()
			return ErrLockTimeout
		}

		timer := time.NewTimer(remaining)
		select {
		case <-waitCh:
			timer.Stop()
			// Lock was released; loop and race for it again.
		case <-timer.C:
			lt.abandonWait(txnID, lockKey, waitCh)
			telemetry.LockTimeoutsTotal.Inc()
			log.Debug().
				Uint64("txn_id", txnID).
				Str("key", lockKey).
				Dur("waited", time.Since(start)).
				Msg("Lock wait timeout exceeded")
			return ErrLockTimeout
		case <-ctx.Done():
			timer.Stop()
			lt.abandonWait(txnID, lockKey, waitCh)
			return ctx.Err()
		}
	}
}

// wouldDeadlock reports whether txnID waiting on holder closes a cycle.
// Callers hold lt.mu.
func (lt *LockTable) wouldDeadlock(txnID, holder uint64) bool {
	seen := 0
	for current := holder; current != 0; current = lt.waitsFor[current] {
		if current == txnID {
			return true
		}
		// The chain cannot be longer than the number of waiting txns.
		if seen++; seen > len(lt.waitsFor)+1 {
			return false
		}
	}
	return false
}

// abandonWait removes a waiter that gave up.
func (lt *LockTable) abandonWait(txnID uint64, lockKey string, waitCh chan struct{}) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	delete(lt.waitsFor, txnID)
	kl, ok := lt.locks[lockKey]
	if !ok {
		return
	}
	for i, ch := range kl.waiters {
		if ch == waitCh {
			kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
			break
		}
	}
}

func (lt *LockTable) trackHeld(txnID uint64, lockKey string) {
	keys, ok := lt.held[txnID]
	if !ok {
		keys = make(map[string]struct{})
		lt.held[txnID] = keys
	}
	keys[lockKey] = struct{}{}
}

// Release frees one lock and wakes its waiters.
func (lt *LockTable) Release(txnID uint64, cache, key string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.releaseLocked(txnID, entryKey(cache, key))
}

// ReleaseAll frees every lock the transaction holds. Called on commit and
// rollback; locks survive suspension, so suspend never calls this.
func (lt *LockTable) ReleaseAll(txnID uint64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	for lockKey := range lt.held[txnID] {
		lt.releaseLocked(txnID, lockKey)
	}
	delete(lt.held, txnID)
	delete(lt.waitsFor, txnID)
}

// releaseLocked frees one lock. Callers hold lt.mu.
func (lt *LockTable) releaseLocked(txnID uint64, lockKey string) {
	kl, ok := lt.locks[lockKey]
	if !ok || kl.holder != txnID {
		return
	}

	kl.holder = 0
	if keys, ok := lt.held[txnID]; ok {
		delete(keys, lockKey)
	}

	if len(kl.waiters) == 0 {
		delete(lt.locks, lockKey)
		return
	}

	for _, ch := range kl.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	kl.waiters = kl.waiters[:0]
}

// HolderOf returns the transaction currently holding the key, if any.
func (lt *LockTable) HolderOf(cache, key string) (uint64, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	kl, ok := lt.locks[entryKey(cache, key)]
	if !ok || kl.holder == 0 {
		return 0, false
	}
	return kl.holder, true
}

// HeldBy returns how many locks the transaction holds.
func (lt *LockTable) HeldBy(txnID uint64) int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.held[txnID])
}
