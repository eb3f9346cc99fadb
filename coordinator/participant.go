package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/tesseradb/tessera/cluster"
	"github.com/tesseradb/tessera/grid"
	"github.com/tesseradb/tessera/hlc"
)

// preparedTxn is a foreign transaction this node voted commit for. Its key
// locks are held until the decision arrives or the orphan deadline fires.
type preparedTxn struct {
	txnID       uint64
	coordinator uint64
	writes      []writeFrame
	preparedAt  time.Time
	timer       *time.Timer
}

// Participant is this node's receiving side of the two-phase protocol.
//
// Prepared transactions self-abort after orphanAfter without a decision, so
// a dead coordinator cannot strand locks forever. Decisions are idempotent:
// the outcome of every recently decided transaction is cached and replayed
// to duplicate or late decision requests.
type Participant struct {
	nodeID      uint64
	store       *grid.Store
	locks       *grid.LockTable
	clock       *hlc.Clock
	orphanAfter time.Duration

	mu        sync.Mutex
	prepared  map[uint64]*preparedTxn
	decisions *lru.Cache[uint64, bool] // txnID -> committed
}

// NewParticipant builds a participant over the local grid. decisionCache
// bounds how many decided outcomes are remembered for idempotent replay.
// A nil clock gets a private one.
func NewParticipant(nodeID uint64, store *grid.Store, locks *grid.LockTable, decisionCache int, orphanAfter time.Duration, clock *hlc.Clock) (*Participant, error) {
	if decisionCache < 1 {
		decisionCache = 4096
	}
	if orphanAfter <= 0 {
		orphanAfter = 30 * time.Second
	}
	if clock == nil {
		clock = hlc.NewClock(nodeID)
	}
	cache, err := lru.New[uint64, bool](decisionCache)
	if err != nil {
		return nil, err
	}
	return &Participant{
		nodeID:      nodeID,
		store:       store,
		locks:       locks,
		clock:       clock,
		orphanAfter: orphanAfter,
		prepared:    make(map[uint64]*preparedTxn),
		decisions:   cache,
	}, nil
}

// Attach installs the participant's handlers on the transport.
func (p *Participant) Attach(tr cluster.Transport) {
	tr.Handle(cluster.SubjectPrepare, p.handlePrepare)
	tr.Handle(cluster.SubjectDecision, p.handleDecision)
}

func (p *Participant) handlePrepare(payload []byte) ([]byte, error) {
	req, err := decodePrepare(payload)
	if err != nil {
		return nil, err
	}
	p.clock.Update(req.TS)

	reply := p.prepare(req)
	reply.TS = p.clock.Now()
	return encodePrepareReply(reply)
}

// prepare votes on one transaction: lock every owned key within the
// remaining timeout, validate versions for optimistic transactions, then
// park the intents until the decision.
func (p *Participant) prepare(req prepareRequest) prepareReply {
	p.mu.Lock()
	if _, dup := p.prepared[req.TxnID]; dup {
		p.mu.Unlock()
		return prepareReply{Vote: true}
	}
	p.mu.Unlock()

	if committed, decided := p.decisions.Get(req.TxnID); decided {
		// The decision already happened; a late prepare cannot re-open it.
		return prepareReply{Vote: false, Reason: fmt.Sprintf("transaction already decided (committed=%v)", committed)}
	}

	remaining := time.Duration(req.RemainingMS) * time.Millisecond
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	deadline := time.Now().Add(remaining)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	locked := make([]writeFrame, 0, len(req.Writes))
	abstain := func(reason string) prepareReply {
		for _, w := range locked {
			p.locks.Release(req.TxnID, w.Cache, w.Key)
		}
		return prepareReply{Vote: false, Reason: reason}
	}

	for _, w := range req.Writes {
		if err := p.locks.Acquire(ctx, req.TxnID, w.Cache, w.Key, deadline); err != nil {
			return abstain(fmt.Sprintf("lock %s/%s: %v", w.Cache, w.Key, err))
		}
		locked = append(locked, w)

		if req.Optimistic {
			if current := p.store.ReadVersion(w.Cache, w.Key); current != w.ReadVersion {
				return abstain(fmt.Sprintf("version conflict on %s/%s: read %d, now %d",
					w.Cache, w.Key, w.ReadVersion, current))
			}
		}
	}

	pt := &preparedTxn{
		txnID:       req.TxnID,
		coordinator: req.Coordinator,
		writes:      req.Writes,
		preparedAt:  time.Now(),
	}
	pt.timer = time.AfterFunc(p.orphanAfter, func() { p.abortOrphan(req.TxnID) })

	p.mu.Lock()
	p.prepared[req.TxnID] = pt
	p.mu.Unlock()

	log.Debug().
		Uint64("txn_id", req.TxnID).
		Uint64("coordinator", req.Coordinator).
		Int("writes", len(req.Writes)).
		Msg("Voted commit, holding prepared intents")
	return prepareReply{Vote: true}
}

func (p *Participant) handleDecision(payload []byte) ([]byte, error) {
	req, err := decodeDecision(payload)
	if err != nil {
		return nil, err
	}
	p.clock.Update(req.TS)

	reply := p.decide(req.TxnID, req.Commit)
	reply.TS = p.clock.Now()
	return encodeDecisionReply(reply)
}

// decide applies the coordinator's outcome. Replays return the recorded
// result without re-applying anything.
func (p *Participant) decide(txnID uint64, commit bool) decisionReply {
	p.mu.Lock()
	pt, ok := p.prepared[txnID]
	if !ok {
		p.mu.Unlock()
		if committed, decided := p.decisions.Get(txnID); decided {
			if committed == commit {
				return decisionReply{Applied: true}
			}
			return decisionReply{Applied: false, Reason: fmt.Sprintf("already decided (committed=%v)", committed)}
		}
		if !commit {
			// Aborting something never prepared here is a no-op.
			return decisionReply{Applied: true}
		}
		return decisionReply{Applied: false, Reason: "no prepared state for transaction"}
	}
	delete(p.prepared, txnID)
	p.mu.Unlock()

	pt.timer.Stop()

	if commit {
		for _, w := range pt.writes {
			p.store.ApplyWrite(w.Cache, w.Key, w.Value)
		}
	}
	p.locks.ReleaseAll(txnID)
	p.decisions.Add(txnID, commit)

	log.Debug().
		Uint64("txn_id", txnID).
		Bool("commit", commit).
		Dur("held", time.Since(pt.preparedAt)).
		Msg("Applied transaction decision")
	return decisionReply{Applied: true}
}

// abortOrphan releases a prepared transaction whose coordinator never
// delivered a decision.
func (p *Participant) abortOrphan(txnID uint64) {
	p.mu.Lock()
	pt, ok := p.prepared[txnID]
	if ok {
		delete(p.prepared, txnID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	p.locks.ReleaseAll(txnID)
	p.decisions.Add(txnID, false)
	log.Warn().
		Uint64("txn_id", txnID).
		Uint64("coordinator", pt.coordinator).
		Dur("held", time.Since(pt.preparedAt)).
		Msg("No decision within orphan deadline, aborting prepared transaction")
}

// PreparedCount returns how many foreign transactions are parked in
// prepared state.
func (p *Participant) PreparedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prepared)
}
