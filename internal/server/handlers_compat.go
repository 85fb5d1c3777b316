package server

import (
	"net/http"

	"github.com/thinkalike/kindred/internal/model"
)

// HandleCompatibility handles GET /v1/compatibility/{user_id}.
// Scores the authenticated caller against the named user under the active
// weighting, with the full per-dimension contribution breakdown.
func (h *Handlers) HandleCompatibility(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	otherID, err := pathUUID(r, "user_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if otherID == claims.UserID {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "cannot score yourself")
		return
	}

	blocked, err := h.db.PairBlocked(r.Context(), claims.UserID, otherID)
	if err != nil {
		h.writeInternalError(w, r, "failed to check blocks", err)
		return
	}
	if blocked {
		// Blocked pairs get a 404, same as a user that does not exist.
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}

	result, err := h.compatSvc.Between(r.Context(), claims.UserID, otherID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

// HandleDiscovery handles GET /v1/discovery.
// Browses compatible candidates for the authenticated caller, each with an
// exact scoring result.
func (h *Handlers) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit := queryInt(r, "limit", 20)

	if h.discoverySvc == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "discovery is not enabled")
		return
	}

	candidates, err := h.discoverySvc.Browse(r.Context(), claims.UserID, limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, candidates)
}

// HandleGetWeighting handles GET /v1/weighting.
// The active weighting table is public to authenticated users: scores are
// only explainable when the weights behind them can be inspected.
func (h *Handlers) HandleGetWeighting(w http.ResponseWriter, r *http.Request) {
	table, err := h.db.GetActiveWeightingTable(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, table)
}
