package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/tesseradb/tessera/cluster"
	"github.com/tesseradb/tessera/grid"
	"github.com/tesseradb/tessera/hlc"
	"github.com/tesseradb/tessera/telemetry"
	"github.com/tesseradb/tessera/txn"
)

// Driver is the coordinator side of the two-phase protocol. It implements
// txn.Driver: the transaction state machine calls it at commit and rollback
// time and stays in charge of states and events; the driver only moves the
// rounds across the wire and applies the local slice of the write set.
type Driver struct {
	nodeID         uint64
	tr             cluster.Transport
	store          *grid.Store
	clock          *hlc.Clock
	requestTimeout time.Duration
}

// NewDriver builds a driver. requestTimeout is the transport allowance per
// request on top of whatever the transaction's own deadline grants. A nil
// clock gets a private one.
func NewDriver(nodeID uint64, tr cluster.Transport, store *grid.Store, requestTimeout time.Duration, clock *hlc.Clock) *Driver {
	if requestTimeout <= 0 {
		requestTimeout = 2 * time.Second
	}
	if clock == nil {
		clock = hlc.NewClock(nodeID)
	}
	return &Driver{nodeID: nodeID, tr: tr, store: store, clock: clock, requestTimeout: requestTimeout}
}

// vote is one participant's phase-1 answer.
type vote struct {
	nodeID uint64
	reply  prepareReply
}

// ExecutePrepare fans the prepare round out to every remote participant
// and collects votes. Any abstention or unreachable participant fails the
// round; the state machine then rolls the transaction back.
func (d *Driver) ExecutePrepare(ctx context.Context, t *txn.Transaction) error {
	remotes := t.RemoteParticipants()
	if len(remotes) == 0 {
		return nil
	}

	writes := t.Writes()
	remaining := t.Remaining()
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}

	// Participants bound their own lock waits by RemainingMS, so prepare
	// may legitimately block for the transaction's whole remaining budget.
	// requestTimeout only covers the round trip on top of that; capping at
	// it would misreport a lock-blocked participant as unreachable.
	reqCtx, cancel := context.WithTimeout(ctx, remaining+d.requestTimeout)
	defer cancel()

	ts := d.clock.Now()
	futures := make(map[uint64]*future.Future[vote], len(remotes))
	for _, nodeID := range remotes {
		req := prepareRequest{
			TxnID:       t.ID(),
			Coordinator: d.nodeID,
			Label:       t.Label(),
			Optimistic:  t.Mode() == txn.Optimistic,
			RemainingMS: remaining.Milliseconds(),
			Writes:      writesOwnedBy(writes, nodeID),
			TS:          ts,
		}

		nid := nodeID
		p := future.NewPromise[vote]()
		futures[nid] = p.Future()
		go func() {
			payload, err := encodePrepare(req)
			if err != nil {
				p.Set(vote{}, err)
				return
			}
			raw, err := d.tr.Request(reqCtx, nid, cluster.SubjectPrepare, payload)
			if err != nil {
				p.Set(vote{}, err)
				return
			}
			reply, err := decodePrepareReply(raw)
			p.Set(vote{nodeID: nid, reply: reply}, err)
		}()
	}

	collected := 0
	for nodeID, f := range futures {
		v, err := f.Get()
		if err != nil {
			telemetry.ParticipantUnreachableTotal.With("prepare").Inc()
			log.Warn().
				Err(err).
				Uint64("txn_id", t.ID()).
				Uint64("participant", nodeID).
				Msg("Participant unreachable during prepare")
			return &txn.ParticipantUnreachableError{TxnID: t.ID(), NodeID: nodeID, Phase: "prepare"}
		}
		d.clock.Update(v.reply.TS)
		if !v.reply.Vote {
			log.Debug().
				Uint64("txn_id", t.ID()).
				Uint64("participant", nodeID).
				Str("reason", v.reply.Reason).
				Msg("Participant voted abort")
			return &txn.VoteAbortError{TxnID: t.ID(), NodeID: nodeID, Reason: v.reply.Reason}
		}
		collected++
	}

	telemetry.TwoPhaseVotes.With("prepare").Observe(float64(collected))
	return nil
}

// ExecuteDecision applies the outcome everywhere. The local slice of the
// write set is applied first on commit, then the decision goes to the
// remote participants on a detached context: a decided transaction must
// finish even if the caller's context died.
func (d *Driver) ExecuteDecision(ctx context.Context, t *txn.Transaction, commit bool) error {
	if commit {
		for _, w := range t.Writes() {
			if ownedBy(w.Owners, d.nodeID) {
				d.store.ApplyWrite(w.Cache, w.Key, w.Value)
			}
		}
	}

	remotes := t.RemoteParticipants()
	if len(remotes) == 0 {
		return nil
	}

	payload, err := encodeDecision(decisionRequest{TxnID: t.ID(), Coordinator: d.nodeID, Commit: commit, TS: d.clock.Now()})
	if err != nil {
		return err
	}

	type response struct {
		nodeID uint64
		reply  decisionReply
		err    error
	}
	decisionChan := make(chan response, len(remotes))
	for _, nodeID := range remotes {
		go func(nid uint64) {
			decCtx, decCancel := context.WithTimeout(context.Background(), d.requestTimeout)
			defer decCancel()
			raw, err := d.tr.Request(decCtx, nid, cluster.SubjectDecision, payload)
			if err != nil {
				decisionChan <- response{nodeID: nid, err: err}
				return
			}
			reply, err := decodeDecisionReply(raw)
			decisionChan <- response{nodeID: nid, reply: reply, err: err}
		}(nodeID)
	}

	applied := []uint64{d.nodeID}
	var failed []uint64
	acks := 0
	pending := make(map[uint64]bool, len(remotes))
	for _, nodeID := range remotes {
		pending[nodeID] = true
	}
collect:
	for i := 0; i < len(remotes); i++ {
		select {
		case r := <-decisionChan:
			delete(pending, r.nodeID)
			if r.err != nil || !r.reply.Applied {
				telemetry.ParticipantUnreachableTotal.With("decision").Inc()
				log.Error().
					Err(r.err).
					Uint64("txn_id", t.ID()).
					Uint64("participant", r.nodeID).
					Bool("commit", commit).
					Str("reason", r.reply.Reason).
					Msg("Decision did not reach participant")
				failed = append(failed, r.nodeID)
				continue
			}
			d.clock.Update(r.reply.TS)
			applied = append(applied, r.nodeID)
			acks++
		case <-time.After(d.requestTimeout + time.Second):
			// The per-request timeout should fire first; this only guards
			// against a wedged transport. Every participant still pending
			// is unanswered; waiting further rounds cannot help.
			for nodeID := range pending {
				failed = append(failed, nodeID)
			}
			break collect
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	telemetry.TwoPhaseVotes.With("decision").Observe(float64(acks))

	if len(failed) == 0 {
		return nil
	}
	if !commit {
		// Participants that missed the abort self-clean via the orphan
		// deadline; nothing was made durable anywhere.
		return nil
	}

	telemetry.HeuristicFailuresTotal.Inc()
	return &txn.HeuristicFailureError{TxnID: t.ID(), Applied: applied, Failed: failed}
}

func writesOwnedBy(writes []txn.WriteIntent, nodeID uint64) []writeFrame {
	out := make([]writeFrame, 0, len(writes))
	for _, w := range writes {
		if ownedBy(w.Owners, nodeID) {
			out = append(out, writeFrame{Cache: w.Cache, Key: w.Key, Value: w.Value, ReadVersion: w.ReadVersion})
		}
	}
	return out
}

func ownedBy(owners []uint64, nodeID uint64) bool {
	for _, n := range owners {
		if n == nodeID {
			return true
		}
	}
	return false
}
