// Package grid is the node-local storage engine of the data grid: a
// versioned in-memory key/value store, a per-key lock table and an intent
// filter for fast conflict pre-checks. The transaction subsystem never
// touches entries except through this package.
package grid

import (
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/tesseradb/tessera/telemetry"
)

// entry is one stored value with its version. Versions start at 1 and
// increase by one per write; version 0 means "absent".
type entry struct {
	value   []byte
	version uint64
}

// Store is the versioned in-memory KV store for one node.
type Store struct {
	entries *xsync.MapOf[string, *entry]
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: xsync.NewMapOf[string, *entry](),
	}
}

func entryKey(cache, key string) string {
	return cache + ":" + key
}

// ReadVersion returns the current version of the entry, 0 if absent.
// Optimistic transactions record this at enlist time and revalidate it at
// prepare.
func (s *Store) ReadVersion(cache, key string) uint64 {
	if e, ok := s.entries.Load(entryKey(cache, key)); ok {
		return e.version
	}
	return 0
}

// Get returns the value and version of an entry.
func (s *Store) Get(cache, key string) ([]byte, uint64, bool) {
	e, ok := s.entries.Load(entryKey(cache, key))
	if !ok {
		return nil, 0, false
	}
	return e.value, e.version, true
}

// ApplyWrite stores the value, bumping the entry version. Returns the new
// version. Only the commit path of the transaction subsystem calls this.
func (s *Store) ApplyWrite(cache, key string, value []byte) uint64 {
	var newVersion uint64
	s.entries.Compute(entryKey(cache, key), func(old *entry, loaded bool) (*entry, bool) {
		if loaded {
			newVersion = old.version + 1
		} else {
			newVersion = 1
			telemetry.GridEntries.Inc()
		}
		return &entry{value: value, version: newVersion}, false
	})
	return newVersion
}

// Remove deletes an entry. A later write restarts its version history; an
// optimistic read of the removed entry observes version 0 and conflicts
// with any concurrent writer.
func (s *Store) Remove(cache, key string) {
	if _, ok := s.entries.LoadAndDelete(entryKey(cache, key)); ok {
		telemetry.GridEntries.Dec()
	}
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	return s.entries.Size()
}

// EntryInfo describes one stored entry for admin listings. Values are
// deliberately omitted.
type EntryInfo struct {
	Cache   string `json:"cache"`
	Key     string `json:"key"`
	Version uint64 `json:"version"`
	Bytes   int    `json:"bytes"`
}

// Snapshot returns entry metadata sorted by cache then key.
func (s *Store) Snapshot() []EntryInfo {
	out := make([]EntryInfo, 0, s.entries.Size())
	s.entries.Range(func(k string, e *entry) bool {
		cache, key, _ := strings.Cut(k, ":")
		out = append(out, EntryInfo{Cache: cache, Key: key, Version: e.version, Bytes: len(e.value)})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cache != out[j].Cache {
			return out[i].Cache < out[j].Cache
		}
		return out[i].Key < out[j].Key
	})
	return out
}
