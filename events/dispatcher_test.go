package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tesseradb/tessera/cluster"
)

func testDispatcher(t *testing.T, nodeID uint64, net *cluster.InProcNetwork) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(nodeID, net.Join(nodeID), "tessera.events", 64)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func startedEvent(txnID uint64, label string, node uint64) Event {
	return Event{
		Kind:      KindStarted,
		TxnID:     txnID,
		Label:     label,
		State:     "ACTIVE",
		Mode:      "PESSIMISTIC",
		Isolation: "SERIALIZABLE",
		NodeID:    node,
		Remaining: 404 * time.Millisecond,
	}
}

func TestLocalListenersRunSynchronously(t *testing.T) {
	d := testDispatcher(t, 1, cluster.NewInProcNetwork())

	var got []Kind
	d.ListenLocal(KindAll, func(ev Event) Continuation {
		got = append(got, ev.Kind)
		return Continue
	})

	d.Dispatch(startedEvent(7, "job", 1))
	d.Dispatch(Event{Kind: KindCommitted, TxnID: 7, State: "COMMITTED", NodeID: 1, Remaining: time.Millisecond})

	// No synchronization needed: Dispatch returns after local delivery.
	require.Equal(t, []Kind{KindStarted, KindCommitted}, got)
}

func TestLocalMaskFiltersKinds(t *testing.T) {
	d := testDispatcher(t, 1, cluster.NewInProcNetwork())

	var calls atomic.Int32
	d.ListenLocal(KindCommitted|KindRolledBack, func(ev Event) Continuation {
		calls.Add(1)
		return Continue
	})

	d.Dispatch(startedEvent(1, "", 1))
	d.Dispatch(Event{Kind: KindSuspended, TxnID: 1, Remaining: time.Second})
	d.Dispatch(Event{Kind: KindCommitted, TxnID: 1, Remaining: time.Second})

	require.EqualValues(t, 1, calls.Load())
}

func TestLocalFilteredByLabelGlob(t *testing.T) {
	d := testDispatcher(t, 1, cluster.NewInProcNetwork())

	var labels []string
	_, err := d.ListenLocalFiltered(ClusterFilter{Labels: []string{"batch-*"}}, KindAll,
		func(ev Event) Continuation {
			labels = append(labels, ev.Label)
			return Continue
		})
	require.NoError(t, err)

	d.Dispatch(startedEvent(1, "batch-nightly", 1))
	d.Dispatch(startedEvent(2, "interactive", 1))
	d.Dispatch(startedEvent(3, "batch-hourly", 1))

	require.Equal(t, []string{"batch-nightly", "batch-hourly"}, labels)
}

func TestUnsubscribeContinuationIsOneShot(t *testing.T) {
	d := testDispatcher(t, 1, cluster.NewInProcNetwork())

	var calls atomic.Int32
	d.ListenLocal(KindAll, func(ev Event) Continuation {
		calls.Add(1)
		return Unsubscribe
	})

	d.Dispatch(startedEvent(1, "", 1))
	d.Dispatch(startedEvent(2, "", 1))
	d.Dispatch(startedEvent(3, "", 1))

	require.EqualValues(t, 1, calls.Load())
}

func TestRegistrationUnsubscribe(t *testing.T) {
	d := testDispatcher(t, 1, cluster.NewInProcNetwork())

	var calls atomic.Int32
	reg := d.ListenLocal(KindAll, func(ev Event) Continuation {
		calls.Add(1)
		return Continue
	})

	d.Dispatch(startedEvent(1, "", 1))
	reg.Unsubscribe()
	reg.Unsubscribe() // idempotent
	d.Dispatch(startedEvent(2, "", 1))

	require.EqualValues(t, 1, calls.Load())
}

func TestListenerPanicIsIsolated(t *testing.T) {
	d := testDispatcher(t, 1, cluster.NewInProcNetwork())

	var survived atomic.Int32
	d.ListenLocal(KindAll, func(ev Event) Continuation {
		panic("listener bug")
	})
	d.ListenLocal(KindAll, func(ev Event) Continuation {
		survived.Add(1)
		return Continue
	})

	require.NotPanics(t, func() {
		d.Dispatch(startedEvent(1, "", 1))
	})
	require.EqualValues(t, 1, survived.Load())
}

func TestClusterListenerSeesRemoteEvents(t *testing.T) {
	net := cluster.NewInProcNetwork()
	d1 := testDispatcher(t, 1, net)
	d2 := testDispatcher(t, 2, net)

	received := make(chan Event, 4)
	_, err := d2.ListenCluster(ClusterFilter{}, KindAll, func(ev Event) Continuation {
		received <- ev
		return Continue
	})
	require.NoError(t, err)

	d1.Dispatch(startedEvent(9, "testLabel", 1))

	select {
	case ev := <-received:
		require.Equal(t, KindStarted, ev.Kind)
		require.EqualValues(t, 9, ev.TxnID)
		require.Equal(t, "testLabel", ev.Label)
		require.EqualValues(t, 1, ev.NodeID)
	case <-time.After(time.Second):
		t.Fatal("remote event never arrived")
	}
}

func TestClusterListenerSeesOwnNodeEvents(t *testing.T) {
	net := cluster.NewInProcNetwork()
	d1 := testDispatcher(t, 1, net)

	received := make(chan Event, 1)
	_, err := d1.ListenCluster(ClusterFilter{}, KindAll, func(ev Event) Continuation {
		received <- ev
		return Continue
	})
	require.NoError(t, err)

	d1.Dispatch(startedEvent(3, "", 1))

	select {
	case ev := <-received:
		require.EqualValues(t, 3, ev.TxnID)
	case <-time.After(time.Second):
		t.Fatal("loopback event never arrived")
	}
}

func TestClusterRemainingTimeoutAlwaysPositive(t *testing.T) {
	net := cluster.NewInProcNetwork()
	d1 := testDispatcher(t, 1, net)
	d2 := testDispatcher(t, 2, net)

	received := make(chan Event, 2)
	_, err := d2.ListenCluster(ClusterFilter{}, KindAll, func(ev Event) Continuation {
		received <- ev
		return Continue
	})
	require.NoError(t, err)

	// Even a transaction at the edge of its deadline must not cross the
	// wire with a zero or negative timeout.
	ev := startedEvent(4, "", 1)
	ev.Remaining = -5 * time.Millisecond
	d1.Dispatch(ev)

	select {
	case got := <-received:
		require.Positive(t, got.Remaining)
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}

func TestClusterListenerObservesLifecycleInOrder(t *testing.T) {
	net := cluster.NewInProcNetwork()
	d1, err := NewDispatcher(1, net.Join(1), "tessera.events", 4096)
	require.NoError(t, err)
	t.Cleanup(d1.Close)
	d2, err := NewDispatcher(2, net.Join(2), "tessera.events", 4096)
	require.NoError(t, err)
	t.Cleanup(d2.Close)

	const txns = 500
	type step struct {
		txn  uint64
		kind Kind
	}
	recorded := make(chan step, 2*txns)
	_, err = d2.ListenCluster(ClusterFilter{}, KindStarted|KindCommitted, func(ev Event) Continuation {
		recorded <- step{ev.TxnID, ev.Kind}
		return Continue
	})
	require.NoError(t, err)

	for i := uint64(1); i <= txns; i++ {
		d1.Dispatch(startedEvent(i, "", 1))
		d1.Dispatch(Event{Kind: KindCommitted, TxnID: i, State: "COMMITTED", NodeID: 1, Remaining: time.Millisecond})
	}

	// A remote listener must never see a transaction's terminal event
	// before its start event.
	started := make(map[uint64]bool)
	for i := 0; i < 2*txns; i++ {
		select {
		case s := <-recorded:
			if s.kind == KindCommitted {
				require.True(t, started[s.txn], "txn %d committed before it started", s.txn)
			} else {
				started[s.txn] = true
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("delivery stalled after %d events", i)
		}
	}
}

func TestClusterListenerUnsubscribeContinuation(t *testing.T) {
	net := cluster.NewInProcNetwork()
	d1 := testDispatcher(t, 1, net)
	d2 := testDispatcher(t, 2, net)

	var calls atomic.Int32
	done := make(chan struct{})
	var once sync.Once
	_, err := d2.ListenCluster(ClusterFilter{}, KindAll, func(ev Event) Continuation {
		calls.Add(1)
		once.Do(func() { close(done) })
		return Unsubscribe
	})
	require.NoError(t, err)

	d1.Dispatch(startedEvent(1, "", 1))
	<-done
	d1.Dispatch(startedEvent(2, "", 1))
	d1.Dispatch(startedEvent(3, "", 1))
	time.Sleep(100 * time.Millisecond)

	require.EqualValues(t, 1, calls.Load())
}

func TestClusterFilterByLabelGlob(t *testing.T) {
	net := cluster.NewInProcNetwork()
	d1 := testDispatcher(t, 1, net)
	d2 := testDispatcher(t, 2, net)

	received := make(chan Event, 4)
	_, err := d2.ListenCluster(ClusterFilter{Labels: []string{"batch-*"}}, KindAll, func(ev Event) Continuation {
		received <- ev
		return Continue
	})
	require.NoError(t, err)

	d1.Dispatch(startedEvent(1, "interactive", 1))
	d1.Dispatch(startedEvent(2, "batch-nightly", 1))

	select {
	case ev := <-received:
		require.EqualValues(t, 2, ev.TxnID)
	case <-time.After(time.Second):
		t.Fatal("matching event never arrived")
	}
	require.Empty(t, received)
}

func TestClusterFilterByNode(t *testing.T) {
	net := cluster.NewInProcNetwork()
	d1 := testDispatcher(t, 1, net)
	d2 := testDispatcher(t, 2, net)
	d3 := testDispatcher(t, 3, net)

	received := make(chan Event, 4)
	_, err := d3.ListenCluster(ClusterFilter{Nodes: []uint64{2}}, KindAll, func(ev Event) Continuation {
		received <- ev
		return Continue
	})
	require.NoError(t, err)

	d1.Dispatch(startedEvent(1, "", 1))
	d2.Dispatch(startedEvent(2, "", 2))

	select {
	case ev := <-received:
		require.EqualValues(t, 2, ev.NodeID)
	case <-time.After(time.Second):
		t.Fatal("matching event never arrived")
	}
	require.Empty(t, received)
}

func TestClusterFilterRejectsBadGlob(t *testing.T) {
	d := testDispatcher(t, 1, cluster.NewInProcNetwork())

	_, err := d.ListenCluster(ClusterFilter{Labels: []string{"[unclosed"}}, KindAll, func(ev Event) Continuation {
		return Continue
	})
	require.Error(t, err)
}
