// Package events turns transaction state transitions into lifecycle events
// and delivers them to listeners: synchronously to listeners on the owning
// node, asynchronously over the messaging layer to listeners elsewhere in
// the cluster.
package events

import "time"

// Kind identifies one lifecycle event class. Kinds are bits so listener
// registrations can mask several classes at once.
type Kind uint32

const (
	KindStarted Kind = 1 << iota
	KindSuspended
	KindResumed
	KindPrepared
	KindCommitted
	KindRolledBack
)

// KindAll masks every lifecycle event class.
const KindAll = KindStarted | KindSuspended | KindResumed | KindPrepared | KindCommitted | KindRolledBack

func (k Kind) String() string {
	switch k {
	case KindStarted:
		return "STARTED"
	case KindSuspended:
		return "SUSPENDED"
	case KindResumed:
		return "RESUMED"
	case KindPrepared:
		return "PREPARED"
	case KindCommitted:
		return "COMMITTED"
	case KindRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// Event is an immutable snapshot of a transaction taken at the moment of a
// transition. Remaining is the transaction timeout as seen by the receiver:
// on the owning node it derives from the coordinator deadline, on a remote
// node it is re-anchored to the receiver's clock. It is strictly positive
// on every delivery regardless of clock skew or delivery delay.
type Event struct {
	Kind      Kind
	TxnID     uint64
	Label     string
	State     string // post-transition state name
	Mode      string // concurrency mode, fixed at creation
	Isolation string // isolation level, fixed at creation
	NodeID    uint64 // acting node
	Remaining time.Duration
}

// Continuation is what a listener callback returns: whether the
// registration stays installed for future events of its classes.
type Continuation int

const (
	// Continue keeps the registration subscribed.
	Continue Continuation = iota
	// Unsubscribe removes the registration after this single delivery.
	Unsubscribe
)

// Listener consumes one event and decides its own continuation. The return
// value only controls the listener's registration; it never affects the
// transaction.
type Listener func(Event) Continuation
