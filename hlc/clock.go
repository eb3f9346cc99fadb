// Package hlc implements a Hybrid Logical Clock. Tessera uses it to mint
// globally unique, roughly time-ordered transaction ids and to keep
// causality across nodes when transaction decisions and lifecycle events
// cross the wire.
package hlc

import (
	"sync"
	"time"
)

// Clock is a Hybrid Logical Clock bound to a single grid node.
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	lastMS   int64 // last millisecond used for id generation; logical resets when it changes
	mu       sync.Mutex
}

// NewClock creates a clock for the given node.
func NewClock(nodeID uint64) *Clock {
	now := time.Now().UnixNano()
	return &Clock{
		nodeID:   nodeID,
		wallTime: now,
		logical:  0,
		lastMS:   now / 1_000_000,
	}
}

// MaxLogical is the maximum logical counter value before it would overflow
// into the physical bits of a transaction id.
const MaxLogical = LogicalMask

// NodeID returns the node this clock is bound to.
func (c *Clock) NodeID() uint64 {
	return c.nodeID
}

// Now generates a timestamp for a local event.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()
	currentMS := physicalNow / 1_000_000

	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
	}

	// ToTxnID keeps 16 bits for the logical counter (~65k ids/ms), so the
	// counter must reset every millisecond.
	if currentMS > c.lastMS {
		c.lastMS = currentMS
		c.logical = 0
	}

	// If the counter is exhausted for this millisecond, spin until the next
	// one. Prevents transaction id collisions.
	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		now := time.Now().UnixNano()
		nowMS := now / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = now
			c.lastMS = nowMS
			c.logical = 0
			break
		}
	}

	c.logical++

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// Update folds a timestamp received from another node into the clock and
// returns the advanced local time. Called on every inbound protocol message.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()

	maxWall := c.wallTime
	if remote.WallTime > maxWall {
		maxWall = remote.WallTime
	}
	if physicalNow > maxWall {
		maxWall = physicalNow
	}

	maxWallMS := maxWall / 1_000_000

	switch {
	case maxWall == c.wallTime && maxWall == remote.WallTime:
		if remote.Logical > c.logical {
			c.logical = remote.Logical + 1
		} else {
			c.logical++
		}
	case maxWall == remote.WallTime:
		c.wallTime = remote.WallTime
		c.logical = remote.Logical + 1
	case maxWall == physicalNow:
		c.wallTime = physicalNow
		if maxWallMS > c.lastMS {
			c.logical = 0
		} else {
			c.logical++
		}
	default:
		c.logical++
	}

	c.wallTime = maxWall
	c.lastMS = maxWallMS

	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		now := time.Now().UnixNano()
		nowMS := now / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = now
			c.lastMS = nowMS
			c.logical = 1
			break
		}
	}

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}
