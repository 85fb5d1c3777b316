package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/thinkalike/kindred/internal/audit"
	"github.com/thinkalike/kindred/internal/auth"
	"github.com/thinkalike/kindred/internal/model"
	"github.com/thinkalike/kindred/internal/storage"
)

// HandlePublishWeighting handles POST /v1/admin/weighting (operator-only).
// Publishing atomically deactivates the previous table and assigns the next
// version. Active sessions keep scoring under their pinned versions.
func (h *Handlers) HandlePublishWeighting(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateWeightingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := (model.WeightingTable{Weights: req.Weights}).Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	table, err := h.db.PublishWeightingTable(r.Context(), req.Weights)
	if err != nil {
		h.writeInternalError(w, r, "failed to publish weighting table", err)
		return
	}

	var actor *uuid.UUID
	if claims.KeyID != nil {
		actor = claims.KeyID
	}
	h.record(r, audit.Event{
		Kind:    audit.KindWeightingPublished,
		ActorID: actor,
		Payload: map[string]any{
			"version":    table.Version,
			"dimensions": table.DimensionKeys(),
		},
	})

	// Cached pair scores under older versions are now stale for new reads.
	if pruned, perr := h.db.PruneCompatibilityCache(r.Context(), table.Version); perr != nil {
		h.logger.Warn("failed to prune compatibility cache", "error", perr)
	} else if pruned > 0 {
		h.logger.Info("pruned compatibility cache", "rows", pruned, "active_version", table.Version)
	}

	writeJSON(w, r, http.StatusCreated, table)
}

// HandleListWeightings handles GET /v1/admin/weighting (operator-only).
func (h *Handlers) HandleListWeightings(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)

	tables, err := h.db.ListWeightingTables(r.Context(), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list weighting tables", err)
		return
	}

	writeJSON(w, r, http.StatusOK, tables)
}

// HandleListActiveSessions handles GET /v1/admin/sessions (operator-only).
func (h *Handlers) HandleListActiveSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)

	sessions, err := h.db.ListActiveSessions(r.Context(), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list sessions", err)
		return
	}

	writeJSON(w, r, http.StatusOK, sessions)
}

// HandleAuditVerify handles POST /v1/admin/audit/verify (operator-only).
// Recomputes every event hash and reports whether the log is intact.
func (h *Handlers) HandleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if h.prover == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "audit proofs are not enabled")
		return
	}

	if err := h.prover.Verify(r.Context()); err != nil {
		writeJSON(w, r, http.StatusOK, model.AuditVerifyResponse{
			Verified: false,
			Detail:   err.Error(),
		})
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuditVerifyResponse{Verified: true})
}

// HandleSessionAuditTrail handles GET /v1/admin/sessions/{session_id}/audit
// (operator-only). Returns the tamper-evident event trail for one session.
func (h *Handlers) HandleSessionAuditTrail(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	events, err := h.db.ListAuditEventsForSession(r.Context(), sessionID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list audit events", err)
		return
	}

	writeJSON(w, r, http.StatusOK, events)
}

// HandleCreateOperatorKey handles POST /v1/admin/keys (operator-only).
func (h *Handlers) HandleCreateOperatorKey(w http.ResponseWriter, r *http.Request) {
	var req model.CreateOperatorKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name and api_key are required")
		return
	}
	if len(req.APIKey) < 32 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key must be at least 32 characters")
		return
	}

	hash, err := auth.HashOperatorKey(req.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash key", err)
		return
	}

	key := storage.OperatorKey{
		ID:        uuid.New(),
		Name:      req.Name,
		KeyHash:   hash,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.db.CreateOperatorKey(r.Context(), key); err != nil {
		h.writeInternalError(w, r, "failed to create key", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.CreateOperatorKeyResponse{
		KeyID: key.ID,
		Name:  key.Name,
	})
}

// HandleRevokeOperatorKey handles DELETE /v1/admin/keys/{key_id} (operator-only).
func (h *Handlers) HandleRevokeOperatorKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := pathUUID(r, "key_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.db.RevokeOperatorKey(r.Context(), keyID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
