package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tesseradb/tessera/cfg"
	"github.com/tesseradb/tessera/cluster"
	"github.com/tesseradb/tessera/events"
	"github.com/tesseradb/tessera/publisher"
	"github.com/tesseradb/tessera/txn"
)

// withConfig mutates the global configuration for one test and restores
// it afterwards.
func withConfig(t *testing.T, mutate func(c *cfg.Configuration)) {
	t.Helper()
	saved := *cfg.Config
	t.Cleanup(func() { *cfg.Config = saved })
	mutate(cfg.Config)
}

func baseTestConfig(c *cfg.Configuration) {
	c.Admin.Enabled = false
	c.Publisher.Enabled = false
	c.Prometheus.Enabled = false
	c.Cluster.Members = nil
	c.Cluster.Backups = 2
	c.Cluster.VirtualNodes = 16
	c.Cluster.RequestTimeoutMS = 1000
	c.Transaction.DefaultTimeoutMS = 5000
	c.Transaction.ReaperIntervalMS = 20
	c.Events.RemoteBufferSize = 64
}

func startSingleNode(t *testing.T) *Node {
	t.Helper()
	n, err := New()
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, n.Stop(ctx))
	})
	return n
}

func startCluster(t *testing.T, members []uint64) map[uint64]*Node {
	t.Helper()
	net := cluster.NewInProcNetwork()
	nodes := make(map[uint64]*Node, len(members))
	for _, nid := range members {
		n, err := NewWithTransport(nid, net.Join(nid))
		require.NoError(t, err)
		require.NoError(t, n.Start())
		nodes[nid] = n
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, n := range nodes {
			require.NoError(t, n.Stop(ctx))
		}
	})
	return nodes
}

// eventRecorder collects local lifecycle events in delivery order.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) listen(ev events.Event) events.Continuation {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return events.Continue
}

func (r *eventRecorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *eventRecorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestSingleNodeCommitLifecycle(t *testing.T) {
	withConfig(t, func(c *cfg.Configuration) {
		baseTestConfig(c)
		c.NodeID = 1
	})
	n := startSingleNode(t)

	rec := &eventRecorder{}
	n.Dispatcher().ListenLocal(events.KindAll, rec.listen)

	ctx := context.Background()
	tx := n.Manager().Begin(txn.BeginOptions{Label: "transfer"})
	require.NoError(t, tx.Put(ctx, "accounts", "alice", []byte("90")))
	require.NoError(t, tx.Put(ctx, "accounts", "bob", []byte("110")))
	require.NoError(t, tx.Commit(ctx))

	value, _, ok := n.Store().Get("accounts", "alice")
	require.True(t, ok)
	require.Equal(t, []byte("90"), value)

	require.Equal(t,
		[]events.Kind{events.KindStarted, events.KindPrepared, events.KindCommitted},
		rec.kinds())
	for _, ev := range rec.snapshot() {
		require.Equal(t, "transfer", ev.Label)
		require.Positive(t, ev.Remaining)
	}
}

func TestSingleNodeRollbackLifecycle(t *testing.T) {
	withConfig(t, func(c *cfg.Configuration) {
		baseTestConfig(c)
		c.NodeID = 1
	})
	n := startSingleNode(t)

	rec := &eventRecorder{}
	n.Dispatcher().ListenLocal(events.KindAll, rec.listen)

	ctx := context.Background()
	tx := n.Manager().Begin(txn.BeginOptions{})
	require.NoError(t, tx.Put(ctx, "accounts", "alice", []byte("0")))
	require.NoError(t, tx.Rollback(ctx))

	_, _, ok := n.Store().Get("accounts", "alice")
	require.False(t, ok)
	require.Equal(t,
		[]events.Kind{events.KindStarted, events.KindRolledBack},
		rec.kinds())
}

func TestTimeoutRollsBackAndReportsLabel(t *testing.T) {
	withConfig(t, func(c *cfg.Configuration) {
		baseTestConfig(c)
		c.NodeID = 1
	})
	n := startSingleNode(t)

	rec := &eventRecorder{}
	n.Dispatcher().ListenLocal(events.KindRolledBack, rec.listen)

	ctx := context.Background()
	tx := n.Manager().Begin(txn.BeginOptions{Label: "testLabel", Timeout: 404 * time.Millisecond})
	require.NoError(t, tx.Put(ctx, "accounts", "alice", []byte("1")))

	require.Eventually(t, func() bool {
		return tx.State() == txn.RolledBack
	}, 2*time.Second, 10*time.Millisecond)

	evs := rec.snapshot()
	require.Len(t, evs, 1)
	require.Equal(t, "testLabel", evs[0].Label)
	require.Positive(t, evs[0].Remaining)

	var timedOut *txn.TimedOutError
	require.ErrorAs(t, tx.Commit(ctx), &timedOut)
	require.Equal(t, 404*time.Millisecond, timedOut.Timeout)
}

func TestNodeRejectsUnderReplicatedCluster(t *testing.T) {
	withConfig(t, func(c *cfg.Configuration) {
		baseTestConfig(c)
		c.Cluster.Members = []uint64{1, 2, 3, 4}
		c.Cluster.Backups = 2
	})

	net := cluster.NewInProcNetwork()
	_, err := NewWithTransport(1, net.Join(1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "backups")
}

func TestClusterCommitReplicatesToMembers(t *testing.T) {
	withConfig(t, func(c *cfg.Configuration) {
		baseTestConfig(c)
		c.Cluster.Members = []uint64{1, 2, 3}
	})
	nodes := startCluster(t, []uint64{1, 2, 3})

	ctx := context.Background()
	tx := nodes[1].Manager().Begin(txn.BeginOptions{Label: "replicated"})
	require.NoError(t, tx.Put(ctx, "accounts", "alice", []byte("42")))
	require.NoError(t, tx.Commit(ctx))

	for nid, n := range nodes {
		value, _, ok := n.Store().Get("accounts", "alice")
		require.True(t, ok, "node %d missing the committed write", nid)
		require.Equal(t, []byte("42"), value)
	}
}

func TestClusterListenerOneShotAcrossNodes(t *testing.T) {
	withConfig(t, func(c *cfg.Configuration) {
		baseTestConfig(c)
		c.Cluster.Members = []uint64{1, 2, 3}
	})
	nodes := startCluster(t, []uint64{1, 2, 3})

	delivered := make(chan events.Event, 8)
	_, err := nodes[2].Dispatcher().ListenCluster(events.ClusterFilter{}, events.KindCommitted,
		func(ev events.Event) events.Continuation {
			delivered <- ev
			return events.Unsubscribe
		})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		tx := nodes[1].Manager().Begin(txn.BeginOptions{Label: "once"})
		require.NoError(t, tx.Put(ctx, "accounts", "k", []byte("v")))
		require.NoError(t, tx.Commit(ctx))
	}

	select {
	case ev := <-delivered:
		require.Equal(t, events.KindCommitted, ev.Kind)
		require.Equal(t, "once", ev.Label)
		require.Positive(t, ev.Remaining)
	case <-time.After(2 * time.Second):
		t.Fatal("cluster listener never fired")
	}

	// The continuation unsubscribed after the first delivery.
	select {
	case ev := <-delivered:
		t.Fatalf("unexpected second delivery: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClusterTrafficFeedsMemberLastSeen(t *testing.T) {
	withConfig(t, func(c *cfg.Configuration) {
		baseTestConfig(c)
		c.Cluster.Members = []uint64{1, 2, 3}
	})
	nodes := startCluster(t, []uint64{1, 2, 3})

	var before int64
	for _, m := range nodes[2].Membership().Info() {
		if m.NodeID == 1 {
			before = m.LastSeen
		}
	}

	time.Sleep(5 * time.Millisecond)
	ctx := context.Background()
	tx := nodes[1].Manager().Begin(txn.BeginOptions{Label: "liveness"})
	require.NoError(t, tx.Put(ctx, "accounts", "alice", []byte("1")))
	require.NoError(t, tx.Commit(ctx))

	require.Eventually(t, func() bool {
		for _, m := range nodes[2].Membership().Info() {
			if m.NodeID == 1 {
				return m.LastSeen > before
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublisherRecordsTerminalOutcomes(t *testing.T) {
	withConfig(t, func(c *cfg.Configuration) {
		baseTestConfig(c)
		c.NodeID = 1
		c.Publisher.Enabled = true
		c.Publisher.LogSize = 64
		c.Publisher.Sinks = nil
	})
	n := startSingleNode(t)
	require.NotNil(t, n.Publisher())

	ctx := context.Background()
	committed := n.Manager().Begin(txn.BeginOptions{Label: "keep"})
	require.NoError(t, committed.Put(ctx, "accounts", "a", []byte("1")))
	require.NoError(t, committed.Commit(ctx))

	rolledBack := n.Manager().Begin(txn.BeginOptions{Label: "drop"})
	require.NoError(t, rolledBack.Put(ctx, "accounts", "b", []byte("2")))
	require.NoError(t, rolledBack.Rollback(ctx))

	records, err := n.Publisher().Log().ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, publisher.OutcomeCommitted, records[0].Outcome)
	require.Equal(t, "keep", records[0].Label)
	require.Equal(t, 1, records[0].Keys)
	require.Equal(t, publisher.OutcomeRolledBack, records[1].Outcome)
}

func TestAdminServerServesStats(t *testing.T) {
	withConfig(t, func(c *cfg.Configuration) {
		baseTestConfig(c)
		c.NodeID = 1
		c.Admin.Enabled = true
		c.Admin.BindAddress = "127.0.0.1"
		c.Admin.Port = 0
	})
	n, err := New()
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, n.Stop(ctx))
	})

	require.NotEmpty(t, n.AdminAddr())
}
