package hlc

import "time"

// Timestamp is a point in time across the grid.
type Timestamp struct {
	WallTime int64  `msgpack:"w"`
	Logical  int32  `msgpack:"l"`
	NodeID   uint64 `msgpack:"n"`
}

// Compare returns -1 if a < b, 0 if a == b, 1 if a > b.
func Compare(a, b Timestamp) int {
	if a.WallTime != b.WallTime {
		if a.WallTime < b.WallTime {
			return -1
		}
		return 1
	}
	if a.Logical != b.Logical {
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	}
	// Node id breaks the tie so ordering is total.
	if a.NodeID != b.NodeID {
		if a.NodeID < b.NodeID {
			return -1
		}
		return 1
	}
	return 0
}

// Less returns true if a happened before b.
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// After returns true if a happened after b.
func After(a, b Timestamp) bool {
	return Compare(a, b) > 0
}

// PhysicalTime returns the wall component as time.Time.
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

// String returns a human-readable representation.
func (t Timestamp) String() string {
	return t.PhysicalTime().Format(time.RFC3339Nano)
}

// Bit allocation for transaction ids:
// (physical_ms << 22) | (node_id << 16) | logical

// LogicalBits reserves 16 bits for the logical counter (~65k ids/ms/node).
const LogicalBits = 16

// LogicalMask masks the logical counter for ToTxnID.
const LogicalMask = (1 << LogicalBits) - 1

// NodeIDBits reserves 6 bits for the node id (64 nodes per cluster).
const NodeIDBits = 6

// NodeIDMask masks the node id for ToTxnID.
const NodeIDMask = (1 << NodeIDBits) - 1

// TotalShiftBits is how far the wall-time millisecond is shifted.
const TotalShiftBits = NodeIDBits + LogicalBits

// ToTxnID packs the timestamp into a unique 64-bit transaction id. Ids are
// unique across nodes and roughly ordered by time.
func (t Timestamp) ToTxnID() uint64 {
	ms := uint64(t.WallTime / 1_000_000)
	node := t.NodeID & NodeIDMask
	logical := uint64(t.Logical) & LogicalMask
	return ms<<TotalShiftBits | node<<LogicalBits | logical
}
