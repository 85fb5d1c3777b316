package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/thinkalike/kindred/internal/audit"
	"github.com/thinkalike/kindred/internal/model"
	"github.com/thinkalike/kindred/internal/scoring"
	"github.com/thinkalike/kindred/internal/storage"
)

// HandleGetMyProfile handles GET /v1/profiles/me.
func (h *Handlers) HandleGetMyProfile(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	profile, err := h.db.GetValueProfile(r.Context(), claims.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, profile)
}

// HandleUpdateMyProfile handles PUT /v1/profiles/me.
// Dimensions in the body are additive deltas with explicit-setting
// provenance. ExpectedVersion must match the stored version.
func (h *Handlers) HandleUpdateMyProfile(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.UpdateProfileRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateUpdateProfile(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	params := storage.MutateProfileParams{
		UserID:          claims.UserID,
		Dimensions:      req.Dimensions,
		Provenance:      model.ProvenanceExplicitSetting,
		ExpectedVersion: req.ExpectedVersion,
	}

	// Recompute the discovery vector under the active weighting, when one
	// exists. A pre-weighting deployment still accepts profile writes.
	if table, err := h.db.GetActiveWeightingTable(r.Context()); err == nil {
		current, gerr := h.db.GetValueProfile(r.Context(), claims.UserID)
		if gerr != nil && !errors.Is(gerr, storage.ErrNotFound) {
			h.writeInternalError(w, r, "failed to load profile", gerr)
			return
		}
		projected := make(map[string]float64, len(current.Dimensions)+len(req.Dimensions))
		for k, v := range current.Dimensions {
			projected[k] = v
		}
		for k, delta := range req.Dimensions {
			projected[k] = clamp(projected[k]+delta, -1, 1)
		}
		params.Vec = scoring.Vectorize(model.ValueProfile{Dimensions: projected}, table)
		params.EnqueueSync = true
	}

	updated, err := h.db.MutateProfile(r.Context(), params)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.record(r, audit.Event{
		Kind:      audit.KindProfileMutated,
		ActorID:   &claims.UserID,
		SubjectID: &claims.UserID,
		Payload: map[string]any{
			"provenance": model.ProvenanceExplicitSetting,
			"dimensions": dimensionKeys(req.Dimensions),
			"version":    updated.Version,
		},
	})

	writeJSON(w, r, http.StatusOK, updated)
}

// HandleArchiveMyProfile handles DELETE /v1/profiles/me.
// Archiving removes the user from discovery and blocks new gates; the
// profile row stays for audit continuity.
func (h *Handlers) HandleArchiveMyProfile(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	if err := h.db.SetProfileArchived(r.Context(), claims.UserID, true); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if h.index != nil {
		if err := h.index.Delete(r.Context(), []uuid.UUID{claims.UserID}); err != nil {
			h.logger.Warn("failed to remove archived profile from index",
				"user_id", claims.UserID, "error", err)
		}
	}

	h.record(r, audit.Event{
		Kind:      audit.KindProfileMutated,
		ActorID:   &claims.UserID,
		SubjectID: &claims.UserID,
		Payload:   map[string]any{"archived": true},
	})

	w.WriteHeader(http.StatusNoContent)
}

// HandleCreateBlock handles PUT /v1/blocks/{user_id}.
func (h *Handlers) HandleCreateBlock(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	blockedID, err := pathUUID(r, "user_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if blockedID == claims.UserID {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "cannot block yourself")
		return
	}

	if err := h.db.CreateBlock(r.Context(), claims.UserID, blockedID); err != nil {
		h.writeInternalError(w, r, "failed to create block", err)
		return
	}

	// A block terminates any in-flight gate between the pair.
	if active, err := h.db.GetActiveSessionByPair(r.Context(), model.PairKey(claims.UserID, blockedID)); err == nil {
		if _, aerr := h.sessionMgr.Abort(r.Context(), active.ID, claims.UserID); aerr != nil {
			h.logger.Warn("failed to abort gate on block",
				"session_id", active.ID, "error", aerr)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteBlock handles DELETE /v1/blocks/{user_id}.
func (h *Handlers) HandleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	blockedID, err := pathUUID(r, "user_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.db.RemoveBlock(r.Context(), claims.UserID, blockedID); err != nil {
		h.writeInternalError(w, r, "failed to remove block", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleListConnections handles GET /v1/connections.
func (h *Handlers) HandleListConnections(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	peers, err := h.db.ListConnections(r.Context(), claims.UserID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list connections", err)
		return
	}

	writeJSON(w, r, http.StatusOK, peers)
}

// record audits an event best-effort; an audit failure never fails the
// request it describes.
func (h *Handlers) record(r *http.Request, ev audit.Event) {
	if err := h.sink.Record(r.Context(), ev); err != nil {
		h.logger.Error("audit record failed",
			"kind", ev.Kind,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err,
		)
	}
}

func dimensionKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
