// Package cluster provides membership, key partitioning and the messaging
// layer the transaction subsystem runs on. Membership is static
// configuration; topology discovery is out of scope.
package cluster

import (
	"sort"
	"sync"
	"time"
)

// MemberInfo describes one cluster member for admin listings.
type MemberInfo struct {
	NodeID   uint64 `json:"node_id"`
	Self     bool   `json:"self"`
	LastSeen int64  `json:"last_seen"`
}

// Membership is the static view of the cluster from one node.
type Membership struct {
	selfID  uint64
	mu      sync.RWMutex
	members map[uint64]int64 // nodeID -> last seen unix ms (self always now)
}

// NewMembership builds a membership view. The local node is always a member
// even when absent from the configured list.
func NewMembership(selfID uint64, members []uint64) *Membership {
	m := &Membership{
		selfID:  selfID,
		members: make(map[uint64]int64, len(members)+1),
	}
	now := time.Now().UnixMilli()
	m.members[selfID] = now
	for _, id := range members {
		m.members[id] = now
	}
	return m
}

// SelfID returns the local node id.
func (m *Membership) SelfID() uint64 {
	return m.selfID
}

// Nodes returns all member ids in ascending order.
func (m *Membership) Nodes() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]uint64, 0, len(m.members))
	for id := range m.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Others returns every member except the local node.
func (m *Membership) Others() []uint64 {
	nodes := m.Nodes()
	out := make([]uint64, 0, len(nodes)-1)
	for _, id := range nodes {
		if id != m.selfID {
			out = append(out, id)
		}
	}
	return out
}

// Size returns the total member count.
func (m *Membership) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

// Touch records that a message from the node was seen. Feeds admin listings
// only; it never changes membership.
func (m *Membership) Touch(nodeID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[nodeID]; ok {
		m.members[nodeID] = time.Now().UnixMilli()
	}
}

// Info returns member details for the admin API.
func (m *Membership) Info() []MemberInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]MemberInfo, 0, len(m.members))
	for id, seen := range m.members {
		out = append(out, MemberInfo{NodeID: id, Self: id == m.selfID, LastSeen: seen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
