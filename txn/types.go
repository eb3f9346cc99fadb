// Package txn implements the transaction state machine, the concurrency
// strategies and the registry of in-flight transactions on one node.
package txn

import "fmt"

// Mode selects the concurrency strategy, fixed at transaction creation.
type Mode int

const (
	// Pessimistic acquires exclusive key locks at enlistment time.
	Pessimistic Mode = iota
	// Optimistic defers locking to prepare and validates read versions.
	Optimistic
)

func (m Mode) String() string {
	switch m {
	case Pessimistic:
		return "PESSIMISTIC"
	case Optimistic:
		return "OPTIMISTIC"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps a configuration string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "PESSIMISTIC", "pessimistic", "":
		return Pessimistic, nil
	case "OPTIMISTIC", "optimistic":
		return Optimistic, nil
	default:
		return 0, fmt.Errorf("unknown concurrency mode %q", s)
	}
}

// Isolation is the declared isolation level, fixed at transaction creation.
// The validation rules implemented here are the SERIALIZABLE ones; the
// weaker levels are accepted and recorded but currently validate the same
// way.
type Isolation int

const (
	ReadCommitted Isolation = iota
	RepeatableRead
	Serializable
)

func (i Isolation) String() string {
	switch i {
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return fmt.Sprintf("Isolation(%d)", int(i))
	}
}

// ParseIsolation maps a configuration string onto an Isolation.
func ParseIsolation(s string) (Isolation, error) {
	switch s {
	case "READ_COMMITTED", "read_committed":
		return ReadCommitted, nil
	case "REPEATABLE_READ", "repeatable_read":
		return RepeatableRead, nil
	case "SERIALIZABLE", "serializable", "":
		return Serializable, nil
	default:
		return 0, fmt.Errorf("unknown isolation level %q", s)
	}
}

// WriteIntent is one enlisted write: the new value for (cache, key) plus
// the entry version observed when the key was first touched. Owners are the
// nodes the partition ring maps the key to; they become the transaction's
// participants.
type WriteIntent struct {
	Cache       string
	Key         string
	Value       []byte
	ReadVersion uint64
	KeyHash     uint64
	Owners      []uint64
}

// ReadIntent records a read observed by an optimistic transaction. It is
// validated against the current entry version at prepare time.
type ReadIntent struct {
	Cache       string
	Key         string
	ReadVersion uint64
	KeyHash     uint64
	Owners      []uint64
}
