package grid

import (
	"encoding/binary"
	"sync"

	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/tesseradb/tessera/telemetry"
)

const (
	// Cuckoo filter configuration
	// capacity = bucketSize × numBuckets = 4 × 250000 = 1M enlistments
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32
	cuckooNumBuckets      = 250000
)

// hashBufPool reduces allocations for hash-to-bytes conversion.
var hashBufPool = sync.Pool{
	New: func() any { return make([]byte, 8) },
}

// IntentFilter answers "is this key possibly enlisted by some in-flight
// transaction" without touching the lock table.
//
//   - MISS = definitely unenlisted → fast path, no conflict possible
//   - HIT  = maybe enlisted → slow path, consult the lock table / versions
//
// Keyed by the same xxhash the partition ring uses for (cache, key).
// Thread-safe for concurrent access.
type IntentFilter struct {
	filter    *cuckoo.Filter
	mu        sync.RWMutex
	txnHashes map[uint64]map[uint64]struct{} // txnID -> set of key hashes
}

// NewIntentFilter creates a Cuckoo-based intent filter.
func NewIntentFilter() *IntentFilter {
	cf := cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize,
		cuckooNumBuckets, cuckoo.TableTypePacked)
	return &IntentFilter{
		filter:    cf,
		txnHashes: make(map[uint64]map[uint64]struct{}),
	}
}

// MaybeEnlisted returns true if the key hash MIGHT be enlisted (slow path
// required). False means it definitely is not.
func (f *IntentFilter) MaybeEnlisted(keyHash uint64) bool {
	f.mu.RLock()
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, keyHash)
	result := f.filter.Contain(buf)
	hashBufPool.Put(buf)
	f.mu.RUnlock()

	if result {
		telemetry.IntentFilterChecks.With("slow_path").Inc()
	} else {
		telemetry.IntentFilterChecks.With("fast_path").Inc()
	}
	return result
}

// Add records an enlistment for the transaction.
func (f *IntentFilter) Add(txnID uint64, keyHash uint64) {
	f.mu.Lock()
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, keyHash)
	f.filter.Add(buf)
	hashBufPool.Put(buf)
	if f.txnHashes[txnID] == nil {
		f.txnHashes[txnID] = make(map[uint64]struct{})
	}
	f.txnHashes[txnID][keyHash] = struct{}{}
	f.mu.Unlock()
}

// RemoveTxn drops every enlistment the transaction added. Called when it
// reaches a terminal state.
func (f *IntentFilter) RemoveTxn(txnID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	hashes, ok := f.txnHashes[txnID]
	if !ok {
		return
	}

	buf := hashBufPool.Get().([]byte)
	for h := range hashes {
		binary.LittleEndian.PutUint64(buf, h)
		f.filter.Delete(buf)
	}
	hashBufPool.Put(buf)
	delete(f.txnHashes, txnID)
}

// TxnCount returns how many transactions currently have enlistments in the
// filter.
func (f *IntentFilter) TxnCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.txnHashes)
}
