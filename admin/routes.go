package admin

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tesseradb/tessera/txn"
)

// RegisterRoutes mounts the admin API under /admin on the given mux.
func RegisterRoutes(mux *http.ServeMux, h *Handlers) {
	r := chi.NewRouter()

	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", h.handleListTransactions)
		r.Get("/{txnID}", h.handleGetTransaction)
		r.Post("/{txnID}/rollback", h.handleRollbackTransaction)
	})

	r.Get("/cluster/members", h.handleClusterMembers)
	r.Get("/grid/entries", h.handleGridEntries)
	r.Get("/stats", h.handleStats)
	r.Get("/outcomes", h.handleRecentOutcomes)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// handleListTransactions returns every registered in-flight transaction,
// oldest first.
func (h *Handlers) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	views := make([]txnView, 0, h.manager.Count())
	h.manager.Range(func(t *txn.Transaction) bool {
		views = append(views, viewOf(t))
		return true
	})
	sort.Slice(views, func(i, j int) bool { return views[i].StartedAt < views[j].StartedAt })
	writeJSONResponse(w, views)
}

func (h *Handlers) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txnID, err := strconv.ParseUint(chi.URLParam(r, "txnID"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid transaction ID")
		return
	}

	t, ok := h.manager.Lookup(txnID)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSONResponse(w, viewOf(t))
}

// handleRollbackTransaction force-rolls-back one in-flight transaction.
func (h *Handlers) handleRollbackTransaction(w http.ResponseWriter, r *http.Request) {
	txnID, err := strconv.ParseUint(chi.URLParam(r, "txnID"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid transaction ID")
		return
	}

	t, ok := h.manager.Lookup(txnID)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "transaction not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := t.Rollback(ctx); err != nil {
		var completed *txn.AlreadyCompletedError
		if errors.As(err, &completed) {
			writeErrorResponse(w, http.StatusConflict, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Uint64("txn_id", txnID).Msg("Transaction rolled back via admin API")
	writeJSONResponse(w, map[string]interface{}{"txn_id": txnID, "state": t.State().String()})
}

func (h *Handlers) handleClusterMembers(w http.ResponseWriter, r *http.Request) {
	if h.membership == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "membership unavailable")
		return
	}

	members := h.membership.Info()
	resp := make([]map[string]interface{}, 0, len(members))
	for _, m := range members {
		resp = append(resp, map[string]interface{}{
			"node_id":   m.NodeID,
			"self":      m.NodeID == h.nodeID,
			"last_seen": m.LastSeen,
		})
	}
	writeJSONResponse(w, resp)
}

// handleGridEntries lists stored entries without their values.
func (h *Handlers) handleGridEntries(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.store.Snapshot())
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"node_id":             h.nodeID,
		"uptime_seconds":      int64(time.Since(h.startedAt).Seconds()),
		"active_transactions": h.manager.Count(),
		"grid_entries":        h.store.Len(),
	}
	if h.pub != nil {
		stats["publish_log_entries"] = h.pub.Log().Len()
	}
	writeJSONResponse(w, stats)
}

// handleRecentOutcomes returns the tail of the publish log.
func (h *Handlers) handleRecentOutcomes(w http.ResponseWriter, r *http.Request) {
	if h.pub == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "publisher disabled")
		return
	}

	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeErrorResponse(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := h.pub.Log().ReadFrom(0, limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, records)
}
