package cluster

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Ring implements consistent hashing with virtual nodes. It maps a
// (cache, key) pair to the members holding that entry: one primary plus a
// configured number of backups. The owners of a transaction's enlisted keys
// are the participants of its two-phase protocol.
type Ring struct {
	backups int
	vnodes  int
	ring    []uint64          // sorted vnode hashes
	ringMap map[uint64]uint64 // vnode hash -> nodeID
	nodes   map[uint64]bool
	mu      sync.RWMutex
}

// NewRing creates a ring with the given backup count and virtual nodes per
// member.
func NewRing(backups, vnodes int) *Ring {
	return &Ring{
		backups: backups,
		vnodes:  vnodes,
		ring:    make([]uint64, 0),
		ringMap: make(map[uint64]uint64),
		nodes:   make(map[uint64]bool),
	}
}

// AddNode adds a member to the ring.
func (r *Ring) AddNode(nodeID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nodes[nodeID] {
		return
	}
	r.nodes[nodeID] = true

	for i := 0; i < r.vnodes; i++ {
		vnode := hashVNode(nodeID, i)
		r.ring = append(r.ring, vnode)
		r.ringMap[vnode] = nodeID
	}

	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i] < r.ring[j] })
}

// RemoveNode removes a member and its virtual nodes.
func (r *Ring) RemoveNode(nodeID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.nodes[nodeID] {
		return
	}
	delete(r.nodes, nodeID)

	newRing := make([]uint64, 0, len(r.ring))
	for _, vnode := range r.ring {
		if r.ringMap[vnode] != nodeID {
			newRing = append(newRing, vnode)
		} else {
			delete(r.ringMap, vnode)
		}
	}
	r.ring = newRing
}

// OwnersOf returns the nodes holding the entry, primary first, walking the
// ring clockwise until backups+1 distinct members are found (or the ring is
// exhausted).
func (r *Ring) OwnersOf(cache, key string) ([]uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return nil, fmt.Errorf("no nodes in ring")
	}

	hash := HashKey(cache, key)
	idx := sort.Search(len(r.ring), func(i int) bool { return r.ring[i] >= hash })
	if idx == len(r.ring) {
		idx = 0
	}

	want := r.backups + 1
	if want > len(r.nodes) {
		want = len(r.nodes)
	}

	owners := make([]uint64, 0, want)
	seen := make(map[uint64]bool, want)
	for i := 0; len(owners) < want && i < len(r.ring); i++ {
		nodeID := r.ringMap[r.ring[(idx+i)%len(r.ring)]]
		if !seen[nodeID] {
			seen[nodeID] = true
			owners = append(owners, nodeID)
		}
	}

	return owners, nil
}

// HashKey hashes a (cache, key) pair onto the ring keyspace. The same hash
// feeds the grid's intent filter, so both sides agree on key identity.
func HashKey(cache, key string) uint64 {
	return xxhash.Sum64String(cache + ":" + key)
}

func hashVNode(nodeID uint64, replica int) uint64 {
	return xxhash.Sum64String(strconv.FormatUint(nodeID, 10) + "#" + strconv.Itoa(replica))
}
