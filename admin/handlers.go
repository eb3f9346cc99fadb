// Package admin exposes the operational HTTP API: in-flight transaction
// inspection, forced rollbacks, cluster membership and node stats.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tesseradb/tessera/cluster"
	"github.com/tesseradb/tessera/grid"
	"github.com/tesseradb/tessera/publisher"
	"github.com/tesseradb/tessera/txn"
)

// Handlers serves the admin API over the node's live components.
type Handlers struct {
	nodeID     uint64
	manager    *txn.Manager
	membership *cluster.Membership
	store      *grid.Store
	pub        *publisher.Registry // nil when publishing is disabled
	startedAt  time.Time
}

// NewHandlers creates the admin handler set.
func NewHandlers(nodeID uint64, manager *txn.Manager, membership *cluster.Membership, store *grid.Store, pub *publisher.Registry) *Handlers {
	return &Handlers{
		nodeID:     nodeID,
		manager:    manager,
		membership: membership,
		store:      store,
		pub:        pub,
		startedAt:  time.Now(),
	}
}

func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON error response")
	}
}

// txnView is the wire shape of one in-flight transaction.
type txnView struct {
	ID          uint64 `json:"id"`
	Label       string `json:"label"`
	State       string `json:"state"`
	Mode        string `json:"mode"`
	Isolation   string `json:"isolation"`
	StartedAt   string `json:"started_at"`
	TimeoutMS   int64  `json:"timeout_ms"`
	RemainingMS int64  `json:"remaining_ms"`
	Writes      int    `json:"writes"`
	Reads       int    `json:"reads"`
}

func viewOf(t *txn.Transaction) txnView {
	remaining := t.Remaining().Milliseconds()
	if remaining < 0 {
		remaining = 0
	}
	return txnView{
		ID:          t.ID(),
		Label:       t.Label(),
		State:       t.State().String(),
		Mode:        t.Mode().String(),
		Isolation:   t.Isolation().String(),
		StartedAt:   t.StartedAt().UTC().Format(time.RFC3339Nano),
		TimeoutMS:   t.Timeout().Milliseconds(),
		RemainingMS: remaining,
		Writes:      len(t.Writes()),
		Reads:       len(t.Reads()),
	}
}
