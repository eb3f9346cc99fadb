package txn

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tesseradb/tessera/events"
	"github.com/tesseradb/tessera/telemetry"
)

// Start launches the timeout reaper. It sweeps the registry on a fixed
// interval and rolls back any transaction whose deadline passed before it
// began preparing. A transaction already in the two-phase rounds is left
// alone; the decision belongs to the commit path at that point.
func (m *Manager) Start() {
	go m.reapLoop()
}

// Stop halts the reaper. Registered transactions are left in place.
func (m *Manager) Stop() {
	select {
	case <-m.reaperStop:
		return
	default:
	}
	close(m.reaperStop)
	<-m.reaperDone
}

func (m *Manager) reapLoop() {
	defer close(m.reaperDone)
	ticker := time.NewTicker(m.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapExpired(time.Now())
		case <-m.reaperStop:
			return
		}
	}
}

// reapExpired rolls back every expired ACTIVE or SUSPENDED transaction.
func (m *Manager) reapExpired(now time.Time) {
	var victims []*Transaction
	m.registry.Range(func(_ uint64, t *Transaction) bool {
		if now.After(t.deadline) {
			victims = append(victims, t)
		}
		return true
	})

	for _, t := range victims {
		m.reapOne(t)
	}
}

func (m *Manager) reapOne(t *Transaction) {
	t.mu.Lock()
	if t.state != Active && t.state != Suspended {
		t.mu.Unlock()
		return
	}
	if t.state == Suspended {
		telemetry.SuspendedTransactions.Dec()
	}
	t.timedOut = true
	t.state = RollingBack
	t.state = RolledBack
	t.emitLocked(events.KindRolledBack)
	t.mu.Unlock()

	telemetry.TimeoutRollbacksTotal.Inc()
	log.Debug().
		Uint64("txn_id", t.id).
		Str("label", t.label).
		Dur("timeout", t.timeout).
		Msg("Transaction timed out, rolled back by reaper")

	m.finish(t, "timed_out")
}
