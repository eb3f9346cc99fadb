package txn

import (
	"fmt"
	"time"
)

// InvalidTransitionError is returned when an operation asks for a state
// edge the machine does not have.
type InvalidTransitionError struct {
	TxnID uint64
	From  State
	To    State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("txn %d: illegal transition %s -> %s", e.TxnID, e.From, e.To)
}

// AlreadyCompletedError is returned for any operation on a transaction that
// already reached a terminal state.
type AlreadyCompletedError struct {
	TxnID uint64
	State State
}

func (e *AlreadyCompletedError) Error() string {
	return fmt.Sprintf("txn %d: already completed as %s", e.TxnID, e.State)
}

// IllegalStateError is returned for an operation that is never legal in
// the transaction's current state, such as writing while PREPARING.
type IllegalStateError struct {
	TxnID uint64
	State State
	Op    string
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("txn %d: %s not allowed in state %s", e.TxnID, e.Op, e.State)
}

// SuspendedError is returned when a data operation is attempted on a
// suspended transaction.
type SuspendedError struct {
	TxnID uint64
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("txn %d: suspended, resume before use", e.TxnID)
}

// Unwrap exposes the underlying transition violation: using a suspended
// transaction is asking for the SUSPENDED -> ACTIVE edge without Resume.
// Callers matching on InvalidTransitionError see suspended use too.
func (e *SuspendedError) Unwrap() error {
	return &InvalidTransitionError{TxnID: e.TxnID, From: Suspended, To: Active}
}

// NotOwnerError is returned when Resume is called with the wrong token.
type NotOwnerError struct {
	TxnID uint64
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("txn %d: resume token does not match suspension", e.TxnID)
}

// LockTimeoutError is returned when a pessimistic lock wait exhausts the
// transaction's remaining timeout.
type LockTimeoutError struct {
	TxnID uint64
	Cache string
	Key   string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("txn %d: lock wait on %s/%s exceeded the transaction timeout", e.TxnID, e.Cache, e.Key)
}

// DeadlockError is returned when acquiring a lock would close a waits-for
// cycle. The requesting transaction is the chosen victim.
type DeadlockError struct {
	TxnID uint64
	Cache string
	Key   string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("txn %d: deadlock detected waiting on %s/%s", e.TxnID, e.Cache, e.Key)
}

// OptimisticConflictError is returned at prepare when a version observed by
// an optimistic transaction no longer matches the entry.
type OptimisticConflictError struct {
	TxnID    uint64
	Cache    string
	Key      string
	Expected uint64
	Actual   uint64
}

func (e *OptimisticConflictError) Error() string {
	return fmt.Sprintf("txn %d: optimistic conflict on %s/%s, read version %d but entry is now %d",
		e.TxnID, e.Cache, e.Key, e.Expected, e.Actual)
}

// TimedOutError is returned when the transaction's timeout elapsed and the
// reaper rolled it back.
type TimedOutError struct {
	TxnID   uint64
	Timeout time.Duration
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("txn %d: timed out after %s and was rolled back", e.TxnID, e.Timeout)
}

// ParticipantUnreachableError is returned when a phase-1 participant could
// not be reached; the transaction rolls back.
type ParticipantUnreachableError struct {
	TxnID  uint64
	NodeID uint64
	Phase  string
}

func (e *ParticipantUnreachableError) Error() string {
	return fmt.Sprintf("txn %d: participant %d unreachable during %s", e.TxnID, e.NodeID, e.Phase)
}

// VoteAbortError is returned when a participant votes to abort in phase 1.
type VoteAbortError struct {
	TxnID  uint64
	NodeID uint64
	Reason string
}

func (e *VoteAbortError) Error() string {
	return fmt.Sprintf("txn %d: participant %d voted abort: %s", e.TxnID, e.NodeID, e.Reason)
}

// HeuristicFailureError is returned when the commit decision reached some
// participants but not all of them. The transaction is COMMITTED; the named
// nodes must reconcile when they recover.
type HeuristicFailureError struct {
	TxnID   uint64
	Applied []uint64
	Failed  []uint64
}

func (e *HeuristicFailureError) Error() string {
	return fmt.Sprintf("txn %d: heuristic failure, decision applied on %v but not on %v",
		e.TxnID, e.Applied, e.Failed)
}

// TooManyKeysError is returned when an enlistment would exceed the
// configured per-transaction key budget.
type TooManyKeysError struct {
	TxnID uint64
	Limit int
}

func (e *TooManyKeysError) Error() string {
	return fmt.Sprintf("txn %d: enlisted key limit %d exceeded", e.TxnID, e.Limit)
}
