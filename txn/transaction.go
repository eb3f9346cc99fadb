package txn

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tesseradb/tessera/events"
	"github.com/tesseradb/tessera/telemetry"
)

// Transaction is one in-flight transaction coordinated by this node. All
// exported methods are safe for concurrent use, but a transaction has a
// single logical owner: Suspend hands ownership off, Resume takes it with
// the token Suspend returned.
//
// Listener callbacks run synchronously during transitions and must not call
// back into the transaction that produced the event.
type Transaction struct {
	id        uint64
	label     string
	mode      Mode
	isolation Isolation
	timeout   time.Duration
	startedAt time.Time
	deadline  time.Time

	mgr  *Manager
	stra strategy

	mu           sync.Mutex
	state        State
	resumeToken  uint64
	timedOut     bool
	writes       []*WriteIntent
	writeIdx     map[string]int
	reads        []*ReadIntent
	readIdx      map[string]struct{}
	participants map[uint64]struct{}

	// set once phase 1 has touched remote participants, so rollback knows
	// it must propagate the abort decision
	remotePrepared bool
}

func (t *Transaction) ID() uint64           { return t.id }
func (t *Transaction) Label() string        { return t.label }
func (t *Transaction) Mode() Mode           { return t.mode }
func (t *Transaction) Isolation() Isolation { return t.isolation }
func (t *Transaction) Timeout() time.Duration { return t.timeout }
func (t *Transaction) StartedAt() time.Time { return t.startedAt }
func (t *Transaction) Deadline() time.Time  { return t.deadline }

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Remaining is the time left before the coordinator deadline. It can be
// negative once the transaction has expired; event snapshots clamp it.
func (t *Transaction) Remaining() time.Duration {
	return time.Until(t.deadline)
}

// Writes returns a snapshot of the enlisted write intents in enlistment
// order.
func (t *Transaction) Writes() []WriteIntent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]WriteIntent, len(t.writes))
	for i, w := range t.writes {
		out[i] = *w
	}
	return out
}

// Reads returns a snapshot of the recorded read intents.
func (t *Transaction) Reads() []ReadIntent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ReadIntent, len(t.reads))
	for i, r := range t.reads {
		out[i] = *r
	}
	return out
}

// Participants returns the sorted set of nodes owning enlisted keys.
func (t *Transaction) Participants() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.participantsLocked()
}

func (t *Transaction) participantsLocked() []uint64 {
	out := make([]uint64, 0, len(t.participants))
	for n := range t.participants {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RemoteParticipants returns the participants other than this node.
func (t *Transaction) RemoteParticipants() []uint64 {
	all := t.Participants()
	out := all[:0]
	for _, n := range all {
		if n != t.mgr.nodeID {
			out = append(out, n)
		}
	}
	return out
}

// transitionLocked moves the machine one edge. Callers hold t.mu.
func (t *Transaction) transitionLocked(to State) error {
	if t.state.Terminal() {
		return &AlreadyCompletedError{TxnID: t.id, State: t.state}
	}
	if !CanTransition(t.state, to) {
		return &InvalidTransitionError{TxnID: t.id, From: t.state, To: to}
	}
	t.state = to
	return nil
}

// emitLocked snapshots the transaction and delivers the event. Callers hold
// t.mu; local listeners therefore observe transitions in order.
func (t *Transaction) emitLocked(kind events.Kind) {
	if t.mgr.dispatcher == nil {
		return
	}
	remaining := time.Until(t.deadline)
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	t.mgr.dispatcher.Dispatch(events.Event{
		Kind:      kind,
		TxnID:     t.id,
		Label:     t.label,
		State:     t.state.String(),
		Mode:      t.mode.String(),
		Isolation: t.isolation.String(),
		NodeID:    t.mgr.nodeID,
		Remaining: remaining,
	})
}

// checkUsableLocked validates that a data operation is allowed right now.
func (t *Transaction) checkUsableLocked(op string) error {
	switch {
	case t.timedOut:
		return &TimedOutError{TxnID: t.id, Timeout: t.timeout}
	case t.state.Terminal():
		return &AlreadyCompletedError{TxnID: t.id, State: t.state}
	case t.state == Suspended:
		return &SuspendedError{TxnID: t.id}
	case t.state != Active:
		return &IllegalStateError{TxnID: t.id, State: t.state, Op: op}
	}
	return nil
}

// Put enlists a write of value to (cache, key). Under the pessimistic
// strategy this blocks until the key lock is acquired or the transaction
// timeout runs out; under the optimistic strategy it records the intent and
// returns immediately.
func (t *Transaction) Put(ctx context.Context, cache, key string, value []byte) error {
	t.mu.Lock()
	if err := t.checkUsableLocked("put"); err != nil {
		t.mu.Unlock()
		return err
	}

	idxKey := cache + "/" + key
	if i, ok := t.writeIdx[idxKey]; ok {
		// Key already enlisted and locked; just replace the value.
		t.writes[i].Value = value
		t.mu.Unlock()
		return nil
	}
	if t.mgr.maxKeys > 0 && len(t.writes)+len(t.reads) >= t.mgr.maxKeys {
		t.mu.Unlock()
		return &TooManyKeysError{TxnID: t.id, Limit: t.mgr.maxKeys}
	}
	t.mu.Unlock()

	owners, keyHash := t.mgr.ownersOf(cache, key)
	w := &WriteIntent{Cache: cache, Key: key, Value: value, KeyHash: keyHash, Owners: owners}

	// Lock acquisition happens outside t.mu so the reaper can still roll
	// the transaction back while this blocks.
	if err := t.stra.enlistWrite(ctx, t, w); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkUsableLocked("put"); err != nil {
		// Rolled back while we were waiting for the lock.
		t.mgr.locks.Release(t.id, cache, key)
		return err
	}
	if i, ok := t.writeIdx[idxKey]; ok {
		t.writes[i].Value = value
		return nil
	}
	t.writeIdx[idxKey] = len(t.writes)
	t.writes = append(t.writes, w)
	for _, n := range owners {
		t.participants[n] = struct{}{}
	}
	t.mgr.intents.Add(t.id, keyHash)
	return nil
}

// Get reads (cache, key) through the transaction. Pessimistic transactions
// take the key lock first; optimistic ones record the observed version for
// validation at prepare.
func (t *Transaction) Get(ctx context.Context, cache, key string) ([]byte, bool, error) {
	t.mu.Lock()
	if err := t.checkUsableLocked("get"); err != nil {
		t.mu.Unlock()
		return nil, false, err
	}
	// A read of a key this transaction already wrote sees its own write.
	if i, ok := t.writeIdx[cache+"/"+key]; ok {
		val := t.writes[i].Value
		t.mu.Unlock()
		return val, true, nil
	}
	t.mu.Unlock()

	owners, keyHash := t.mgr.ownersOf(cache, key)
	r := &ReadIntent{Cache: cache, Key: key, KeyHash: keyHash, Owners: owners}

	value, found, err := t.stra.enlistRead(ctx, t, r)
	if err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkUsableLocked("get"); err != nil {
		return nil, false, err
	}
	idxKey := cache + "/" + key
	if _, seen := t.readIdx[idxKey]; !seen {
		t.readIdx[idxKey] = struct{}{}
		t.reads = append(t.reads, r)
		for _, n := range owners {
			t.participants[n] = struct{}{}
		}
	}
	return value, found, nil
}

// Suspend detaches the transaction from its owner. The transaction keeps
// its locks and its timeout keeps running; the returned token is the only
// capability that can resume it.
func (t *Transaction) Suspend() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timedOut {
		return 0, &TimedOutError{TxnID: t.id, Timeout: t.timeout}
	}
	if err := t.transitionLocked(Suspended); err != nil {
		return 0, err
	}
	t.resumeToken = t.mgr.gen.NextID()
	telemetry.SuspendedTransactions.Inc()
	t.emitLocked(events.KindSuspended)
	return t.resumeToken, nil
}

// Resume reattaches a suspended transaction. The token must be the one the
// matching Suspend returned.
func (t *Transaction) Resume(token uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timedOut {
		return &TimedOutError{TxnID: t.id, Timeout: t.timeout}
	}
	if t.state != Suspended {
		if t.state.Terminal() {
			return &AlreadyCompletedError{TxnID: t.id, State: t.state}
		}
		return &InvalidTransitionError{TxnID: t.id, From: t.state, To: Active}
	}
	if token != t.resumeToken {
		return &NotOwnerError{TxnID: t.id}
	}
	if err := t.transitionLocked(Active); err != nil {
		return err
	}
	t.resumeToken = 0
	telemetry.SuspendedTransactions.Dec()
	t.emitLocked(events.KindResumed)
	return nil
}

// Commit drives the transaction through prepare and the commit decision.
// Any prepare failure rolls the transaction back and returns the cause. A
// HeuristicFailureError means the transaction IS committed but some
// participants did not apply the decision.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state == Committed {
		// Re-committing a committed transaction is a no-op.
		t.mu.Unlock()
		return nil
	}
	if t.timedOut {
		t.mu.Unlock()
		return &TimedOutError{TxnID: t.id, Timeout: t.timeout}
	}
	if t.state == Suspended {
		t.mu.Unlock()
		return &SuspendedError{TxnID: t.id}
	}
	if err := t.transitionLocked(Preparing); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	prepStart := time.Now()
	err := t.stra.prepareLocal(ctx, t)
	if err == nil && t.mgr.driver != nil && len(t.RemoteParticipants()) > 0 {
		// Mark before the round starts: participants that voted before a
		// failure must still receive the abort decision.
		t.mu.Lock()
		t.remotePrepared = true
		t.mu.Unlock()
		err = t.mgr.driver.ExecutePrepare(ctx, t)
	}
	telemetry.TwoPhasePrepareSeconds.Observe(time.Since(prepStart).Seconds())

	if err != nil {
		log.Debug().Err(err).Uint64("txn_id", t.id).Msg("Prepare failed, rolling back")
		t.abort(ctx, "conflict")
		return err
	}

	t.mu.Lock()
	if t.state != Preparing {
		// The reaper or a concurrent rollback won the race.
		state := t.state
		timedOut := t.timedOut
		t.mu.Unlock()
		if timedOut {
			return &TimedOutError{TxnID: t.id, Timeout: t.timeout}
		}
		return &AlreadyCompletedError{TxnID: t.id, State: state}
	}
	t.state = Prepared
	t.emitLocked(events.KindPrepared)
	t.state = Committing
	t.mu.Unlock()

	commitStart := time.Now()
	var decisionErr error
	if t.mgr.driver != nil {
		decisionErr = t.mgr.driver.ExecuteDecision(ctx, t, true)
	} else {
		t.mgr.applyLocal(t)
	}
	telemetry.TwoPhaseCommitSeconds.Observe(time.Since(commitStart).Seconds())

	t.mu.Lock()
	t.state = Committed
	t.emitLocked(events.KindCommitted)
	t.mu.Unlock()

	result := "committed"
	if decisionErr != nil {
		result = "heuristic"
	}
	t.mgr.finish(t, result)
	return decisionErr
}

// Rollback aborts the transaction from any non-terminal state.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	if t.state.Terminal() {
		timedOut := t.timedOut
		state := t.state
		t.mu.Unlock()
		if timedOut {
			return &TimedOutError{TxnID: t.id, Timeout: t.timeout}
		}
		return &AlreadyCompletedError{TxnID: t.id, State: state}
	}
	if t.state == Suspended {
		telemetry.SuspendedTransactions.Dec()
	}
	if err := t.transitionLocked(RollingBack); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	t.abortDecided(ctx, "rolled_back")
	return nil
}

// Close releases the transaction: an in-flight transaction rolls back,
// a completed one is left alone. Safe to defer unconditionally.
func (t *Transaction) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	err := t.Rollback(ctx)
	var completed *AlreadyCompletedError
	if errors.As(err, &completed) {
		// Lost the race against a concurrent commit or the reaper.
		return nil
	}
	var timedOut *TimedOutError
	if errors.As(err, &timedOut) {
		return nil
	}
	return err
}

// abort rolls back after a failed prepare. The caller already owns the
// right to decide; state is Preparing.
func (t *Transaction) abort(ctx context.Context, result string) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	if err := t.transitionLocked(RollingBack); err != nil {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.abortDecided(ctx, result)
}

// abortDecided finishes a rollback whose RollingBack transition already
// happened.
func (t *Transaction) abortDecided(ctx context.Context, result string) {
	t.mu.Lock()
	propagate := t.remotePrepared
	t.mu.Unlock()

	if propagate && t.mgr.driver != nil {
		if err := t.mgr.driver.ExecuteDecision(ctx, t, false); err != nil {
			log.Warn().Err(err).Uint64("txn_id", t.id).Msg("Abort decision did not reach every participant")
		}
	}

	t.mu.Lock()
	t.state = RolledBack
	t.emitLocked(events.KindRolledBack)
	t.mu.Unlock()

	t.mgr.finish(t, result)
}
