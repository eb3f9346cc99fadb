package txn

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/tesseradb/tessera/cluster"
	"github.com/tesseradb/tessera/events"
	"github.com/tesseradb/tessera/grid"
	"github.com/tesseradb/tessera/id"
	"github.com/tesseradb/tessera/telemetry"
)

// Driver is the two-phase protocol the manager hands a transaction to at
// commit time. It is implemented by the coordinator and injected after
// construction; a nil driver means single-node operation where the manager
// applies writes directly.
type Driver interface {
	// ExecutePrepare collects phase-1 votes from the remote participants.
	// A nil return means every participant voted commit.
	ExecutePrepare(ctx context.Context, t *Transaction) error

	// ExecuteDecision applies the phase-2 decision on every participant,
	// this node included. For commit=true a HeuristicFailureError reports
	// participants that did not apply it.
	ExecuteDecision(ctx context.Context, t *Transaction, commit bool) error
}

// Options wires a Manager to its collaborators.
type Options struct {
	NodeID     uint64
	Generator  id.Generator
	Store      *grid.Store
	Locks      *grid.LockTable
	Intents    *grid.IntentFilter
	Ring       *cluster.Ring       // nil for single-node deployments
	Dispatcher *events.Dispatcher  // nil disables event delivery

	DefaultTimeout time.Duration
	MaxKeysPerTxn  int
	ReaperInterval time.Duration

	// OnFinish runs after a transaction reaches a terminal state and its
	// resources are released. The result is "committed", "heuristic",
	// "conflict", "rolled_back" or "timed_out".
	OnFinish func(t *Transaction, result string)
}

// Manager owns the registry of transactions this node coordinates and
// drives their lifecycles.
type Manager struct {
	nodeID     uint64
	gen        id.Generator
	store      *grid.Store
	locks      *grid.LockTable
	intents    *grid.IntentFilter
	ring       *cluster.Ring
	dispatcher *events.Dispatcher
	driver     Driver
	onFinish   func(t *Transaction, result string)

	defaultTimeout time.Duration
	maxKeys        int

	registry *xsync.MapOf[uint64, *Transaction]

	reaperInterval time.Duration
	reaperStop     chan struct{}
	reaperDone     chan struct{}
}

// NewManager builds a manager. Call Start to run the timeout reaper and
// SetDriver once the coordinator exists.
func NewManager(opts Options) *Manager {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Second
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = 100 * time.Millisecond
	}
	return &Manager{
		nodeID:         opts.NodeID,
		gen:            opts.Generator,
		store:          opts.Store,
		locks:          opts.Locks,
		intents:        opts.Intents,
		ring:           opts.Ring,
		dispatcher:     opts.Dispatcher,
		onFinish:       opts.OnFinish,
		defaultTimeout: opts.DefaultTimeout,
		maxKeys:        opts.MaxKeysPerTxn,
		registry:       xsync.NewMapOf[uint64, *Transaction](),
		reaperInterval: opts.ReaperInterval,
		reaperStop:     make(chan struct{}),
		reaperDone:     make(chan struct{}),
	}
}

// SetDriver installs the two-phase protocol implementation. Must happen
// before the first Commit that has remote participants.
func (m *Manager) SetDriver(d Driver) {
	m.driver = d
}

// BeginOptions parameterize one transaction. Zero values mean the defaults:
// pessimistic, serializable, the configured default timeout, no label.
type BeginOptions struct {
	Label     string
	Mode      Mode
	Isolation Isolation
	Timeout   time.Duration
}

// Begin creates and registers a transaction and emits its STARTED event.
func (m *Manager) Begin(opts BeginOptions) *Transaction {
	if opts.Timeout <= 0 {
		opts.Timeout = m.defaultTimeout
	}
	now := time.Now()

	t := &Transaction{
		id:           m.gen.NextID(),
		label:        opts.Label,
		mode:         opts.Mode,
		isolation:    opts.Isolation,
		timeout:      opts.Timeout,
		startedAt:    now,
		deadline:     now.Add(opts.Timeout),
		mgr:          m,
		state:        Active,
		writeIdx:     make(map[string]int),
		readIdx:      make(map[string]struct{}),
		participants: map[uint64]struct{}{m.nodeID: {}},
	}
	t.stra = strategyFor(m, opts.Mode)

	m.registry.Store(t.id, t)
	telemetry.ActiveTransactions.Inc()

	log.Debug().
		Uint64("txn_id", t.id).
		Str("label", t.label).
		Str("mode", t.mode.String()).
		Dur("timeout", t.timeout).
		Msg("Transaction started")

	t.mu.Lock()
	t.emitLocked(events.KindStarted)
	t.mu.Unlock()
	return t
}

// Lookup returns a registered in-flight transaction.
func (m *Manager) Lookup(txnID uint64) (*Transaction, bool) {
	return m.registry.Load(txnID)
}

// Range visits every registered transaction until fn returns false.
func (m *Manager) Range(fn func(*Transaction) bool) {
	m.registry.Range(func(_ uint64, t *Transaction) bool {
		return fn(t)
	})
}

// Count returns the number of registered in-flight transactions.
func (m *Manager) Count() int {
	return m.registry.Size()
}

// ownersOf resolves the nodes owning (cache, key) and the key hash shared
// with the intent filter. Without a ring everything is local.
func (m *Manager) ownersOf(cache, key string) ([]uint64, uint64) {
	hash := cluster.HashKey(cache, key)
	if m.ring == nil {
		return []uint64{m.nodeID}, hash
	}
	owners, err := m.ring.OwnersOf(cache, key)
	if err != nil || len(owners) == 0 {
		return []uint64{m.nodeID}, hash
	}
	return owners, hash
}

// applyLocal writes the transaction's intents into the local store. Used
// directly when no driver is installed; the coordinator's participant path
// uses the store itself otherwise.
func (m *Manager) applyLocal(t *Transaction) {
	for _, w := range t.Writes() {
		m.store.ApplyWrite(w.Cache, w.Key, w.Value)
	}
}

// finish unregisters a terminal transaction, releases its resources and
// records the outcome.
func (m *Manager) finish(t *Transaction, result string) {
	if _, loaded := m.registry.LoadAndDelete(t.id); !loaded {
		return
	}
	t.stra.cleanup(t)
	telemetry.ActiveTransactions.Dec()
	telemetry.TxnTotal.With(t.mode.String(), result).Inc()
	telemetry.TxnDurationSeconds.With(t.mode.String()).Observe(time.Since(t.startedAt).Seconds())

	log.Debug().
		Uint64("txn_id", t.id).
		Str("result", result).
		Dur("lifetime", time.Since(t.startedAt)).
		Msg("Transaction finished")

	if m.onFinish != nil {
		m.onFinish(t, result)
	}
}
