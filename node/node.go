// Package node assembles a Tessera process: grid storage, the transaction
// manager, the two-phase coordinator, event dispatch, publishing and the
// admin API, all wired from the global configuration.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tesseradb/tessera/admin"
	"github.com/tesseradb/tessera/cfg"
	"github.com/tesseradb/tessera/cluster"
	"github.com/tesseradb/tessera/coordinator"
	"github.com/tesseradb/tessera/events"
	"github.com/tesseradb/tessera/grid"
	"github.com/tesseradb/tessera/hlc"
	"github.com/tesseradb/tessera/id"
	"github.com/tesseradb/tessera/publisher"
	"github.com/tesseradb/tessera/txn"
)

// Node is one running Tessera member.
type Node struct {
	nodeID uint64

	transport     cluster.Transport
	ownsTransport bool
	membership    *cluster.Membership
	ring          *cluster.Ring

	store   *grid.Store
	locks   *grid.LockTable
	intents *grid.IntentFilter

	dispatcher  *events.Dispatcher
	manager     *txn.Manager
	participant *coordinator.Participant
	driver      *coordinator.Driver
	pub         *publisher.Registry
	adminServer *admin.Server
}

// New builds a node from the global configuration, owning its transport.
// With an empty nats_url the node runs on a private in-process network,
// which only makes sense for single-member deployments.
func New() (*Node, error) {
	var (
		tr  cluster.Transport
		err error
	)
	if cfg.Config.Cluster.NatsURL != "" {
		tr, err = cluster.NewNatsTransport(cfg.Config.NodeID, cfg.Config.Cluster.NatsURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect transport: %w", err)
		}
	} else {
		if len(cfg.Config.Cluster.Members) > 1 {
			return nil, fmt.Errorf("multi-member cluster requires nats_url")
		}
		tr = cluster.NewInProcNetwork().Join(cfg.Config.NodeID)
	}

	n, err := NewWithTransport(cfg.Config.NodeID, tr)
	if err != nil {
		tr.Close()
		return nil, err
	}
	n.ownsTransport = true
	return n, nil
}

// NewWithTransport builds a node over a caller-supplied transport. The
// caller keeps ownership of the transport's lifecycle. Everything else
// still comes from the global configuration.
func NewWithTransport(nodeID uint64, tr cluster.Transport) (*Node, error) {
	n := &Node{
		nodeID:    nodeID,
		transport: tr,
		store:     grid.NewStore(),
		locks:     grid.NewLockTable(cfg.Config.Transaction.DeadlockDetection),
		intents:   grid.NewIntentFilter(),
	}
	n.membership = cluster.NewMembership(nodeID, cfg.Config.Cluster.Members)

	// Reads and locks are served from the coordinator's own replica, which
	// requires every member to hold a replica of every key.
	if size := n.membership.Size(); size > cfg.Config.Cluster.Backups+1 {
		return nil, fmt.Errorf("cluster of %d members needs backups >= %d", size, size-1)
	}

	if n.membership.Size() > 1 {
		n.ring = cluster.NewRing(cfg.Config.Cluster.Backups, cfg.Config.Cluster.VirtualNodes)
		for _, member := range n.membership.Nodes() {
			n.ring.AddNode(member)
		}
	}

	dispatcher, err := events.NewDispatcher(nodeID, tr, cfg.Config.Events.SubjectPrefix, cfg.Config.Events.RemoteBufferSize)
	if err != nil {
		return nil, fmt.Errorf("failed to start event dispatcher: %w", err)
	}
	n.dispatcher = dispatcher

	if cfg.Config.Publisher.Enabled {
		pub, err := publisher.NewRegistry(nodeID, cfg.Config.Publisher)
		if err != nil {
			n.dispatcher.Close()
			return nil, fmt.Errorf("failed to build publisher: %w", err)
		}
		n.pub = pub
	}

	clock := hlc.NewClock(nodeID)
	n.manager = txn.NewManager(txn.Options{
		NodeID:         nodeID,
		Generator:      id.NewHLCGenerator(clock),
		Store:          n.store,
		Locks:          n.locks,
		Intents:        n.intents,
		Ring:           n.ring,
		Dispatcher:     n.dispatcher,
		DefaultTimeout: time.Duration(cfg.Config.Transaction.DefaultTimeoutMS) * time.Millisecond,
		MaxKeysPerTxn:  cfg.Config.Transaction.MaxEnlistedKeysPerTxn,
		ReaperInterval: time.Duration(cfg.Config.Transaction.ReaperIntervalMS) * time.Millisecond,
		OnFinish:       n.recordOutcome,
	})

	participant, err := coordinator.NewParticipant(
		nodeID,
		n.store,
		n.locks,
		cfg.Config.Transaction.DecisionCacheSize,
		time.Duration(cfg.Config.Transaction.PreparedOrphanMS)*time.Millisecond,
		clock,
	)
	if err != nil {
		n.dispatcher.Close()
		return nil, fmt.Errorf("failed to build participant: %w", err)
	}
	participant.Attach(tr)
	n.participant = participant

	n.driver = coordinator.NewDriver(nodeID, tr, n.store,
		time.Duration(cfg.Config.Cluster.RequestTimeoutMS)*time.Millisecond, clock)
	n.manager.SetDriver(n.driver)

	// Every cluster event doubles as a liveness signal from its origin.
	if _, err := n.dispatcher.ListenCluster(events.ClusterFilter{}, events.KindAll,
		func(ev events.Event) events.Continuation {
			n.membership.Touch(ev.NodeID)
			return events.Continue
		}); err != nil {
		n.dispatcher.Close()
		return nil, fmt.Errorf("failed to install liveness listener: %w", err)
	}

	if cfg.Config.Admin.Enabled {
		handlers := admin.NewHandlers(nodeID, n.manager, n.membership, n.store, n.pub)
		n.adminServer = admin.NewServer(handlers)
	}

	return n, nil
}

// recordOutcome feeds terminal transactions to the publish log.
func (n *Node) recordOutcome(t *txn.Transaction, result string) {
	if n.pub == nil {
		return
	}
	outcome := publisher.OutcomeRolledBack
	if result == "committed" || result == "heuristic" {
		outcome = publisher.OutcomeCommitted
	}
	n.pub.Record(t, outcome)
}

// Start runs the timeout reaper, publish workers and the admin server.
func (n *Node) Start() error {
	n.manager.Start()
	if n.pub != nil {
		n.pub.Start()
	}
	if n.adminServer != nil {
		if err := n.adminServer.Start(); err != nil {
			return err
		}
	}

	log.Info().
		Uint64("node_id", n.nodeID).
		Int("members", n.membership.Size()).
		Msg("Node started")
	return nil
}

// Stop shuts the node down. In-flight transactions are not rolled back;
// the reaper on surviving coordinators and participant orphan timers
// clean up whatever this node leaves behind.
func (n *Node) Stop(ctx context.Context) error {
	var firstErr error
	if n.adminServer != nil {
		if err := n.adminServer.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	n.manager.Stop()
	if n.pub != nil {
		n.pub.Stop()
	}
	n.dispatcher.Close()
	if n.ownsTransport {
		if err := n.transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	log.Info().Uint64("node_id", n.nodeID).Msg("Node stopped")
	return firstErr
}

// Begin starts a transaction coordinated by this node.
func (n *Node) Begin(opts txn.BeginOptions) *txn.Transaction {
	return n.manager.Begin(opts)
}

// Manager exposes the transaction manager.
func (n *Node) Manager() *txn.Manager { return n.manager }

// Membership exposes the static member table.
func (n *Node) Membership() *cluster.Membership { return n.membership }

// Dispatcher exposes the lifecycle event dispatcher.
func (n *Node) Dispatcher() *events.Dispatcher { return n.dispatcher }

// Store exposes the local grid partition.
func (n *Node) Store() *grid.Store { return n.store }

// Publisher exposes the publish registry, nil when publishing is disabled.
func (n *Node) Publisher() *publisher.Registry { return n.pub }

// AdminAddr returns the admin listener address, empty when disabled.
func (n *Node) AdminAddr() string {
	if n.adminServer == nil {
		return ""
	}
	return n.adminServer.Addr()
}
