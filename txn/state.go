package txn

import "fmt"

// State is one node of the transaction state machine.
type State int

const (
	Active State = iota
	Suspended
	Preparing
	Prepared
	Committing
	Committed
	RollingBack
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Suspended:
		return "SUSPENDED"
	case Preparing:
		return "PREPARING"
	case Prepared:
		return "PREPARED"
	case Committing:
		return "COMMITTING"
	case Committed:
		return "COMMITTED"
	case RollingBack:
		return "ROLLING_BACK"
	case RolledBack:
		return "ROLLED_BACK"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == Committed || s == RolledBack
}

// transitions is the full legal edge set. Anything not listed is rejected.
var transitions = map[State][]State{
	Active:      {Suspended, Preparing, RollingBack},
	Suspended:   {Active, RollingBack},
	Preparing:   {Prepared, RollingBack},
	Prepared:    {Committing, RollingBack},
	Committing:  {Committed},
	RollingBack: {RolledBack},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
