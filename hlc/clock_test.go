package hlc

import (
	"testing"
	"time"
)

func TestNowMonotonic(t *testing.T) {
	clock := NewClock(1)

	var prev Timestamp
	for i := 0; i < 1000; i++ {
		ts := clock.Now()
		if !Less(prev, ts) {
			t.Fatalf("timestamp went backwards at iteration %d: prev=%+v curr=%+v", i, prev, ts)
		}
		prev = ts
	}
}

func TestUpdateAdvancesPastRemote(t *testing.T) {
	clock := NewClock(1)

	remote := Timestamp{
		WallTime: time.Now().Add(5 * time.Second).UnixNano(),
		Logical:  42,
		NodeID:   2,
	}

	local := clock.Update(remote)
	if !After(local, remote) {
		t.Fatalf("updated clock must be after remote: local=%+v remote=%+v", local, remote)
	}

	next := clock.Now()
	if !After(next, local) {
		t.Fatalf("Now() after Update() must keep advancing: %+v vs %+v", next, local)
	}
}

func TestCompareTotalOrder(t *testing.T) {
	a := Timestamp{WallTime: 100, Logical: 1, NodeID: 1}
	b := Timestamp{WallTime: 100, Logical: 1, NodeID: 2}
	c := Timestamp{WallTime: 100, Logical: 2, NodeID: 1}
	d := Timestamp{WallTime: 101, Logical: 0, NodeID: 1}

	if Compare(a, a) != 0 {
		t.Error("identical timestamps must compare equal")
	}
	if !Less(a, b) {
		t.Error("node id must break ties")
	}
	if !Less(b, c) {
		t.Error("logical must dominate node id")
	}
	if !Less(c, d) {
		t.Error("wall time must dominate logical")
	}
}

func TestToTxnIDEmbedsNodeID(t *testing.T) {
	ts := Timestamp{WallTime: time.Now().UnixNano(), Logical: 7, NodeID: 5}
	id := ts.ToTxnID()

	if got := (id >> LogicalBits) & NodeIDMask; got != 5 {
		t.Fatalf("expected node id 5 embedded in txn id, got %d", got)
	}
	if got := id & LogicalMask; got != 7 {
		t.Fatalf("expected logical 7 embedded in txn id, got %d", got)
	}
}
