package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/thinkalike/kindred/internal/model"
)

// HandleInitiateGate handles POST /v1/gates.
func (h *Handlers) HandleInitiateGate(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.InitiateGateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TargetID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "target_id is required")
		return
	}

	result, err := h.sessionMgr.Initiate(r.Context(), claims.UserID, req.TargetID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.InitiateGateResponse{
		SessionID:    result.Session.ID,
		State:        string(result.Session.State),
		FirstPrompt:  result.Prompt,
		InitialScore: result.Session.RunningScore,
		ExpiresAt:    result.Session.ExpiresAt,
	})
}

// HandleGetGate handles GET /v1/gates/{session_id}.
// Participants see their own sessions; operators see any.
func (h *Handlers) HandleGetGate(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	s, err := h.sessionMgr.Get(r.Context(), sessionID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	if claims.Role != model.RoleOperator &&
		claims.UserID != s.RequesterID && claims.UserID != s.TargetID {
		// 404, not 403: a session's existence is itself private to the pair.
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}

	writeJSON(w, r, http.StatusOK, s)
}

// HandleSubmitChoice handles POST /v1/gates/{session_id}/choices.
func (h *Handlers) HandleSubmitChoice(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.SubmitChoiceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.NodeID == "" || req.ChoiceID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "node_id and choice_id are required")
		return
	}

	result, err := h.sessionMgr.SubmitChoice(r.Context(), sessionID, claims.UserID, req.NodeID, req.ChoiceID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := model.SubmitChoiceResponse{
		SessionID:    result.Session.ID,
		State:        string(result.Session.State),
		RunningScore: result.Session.RunningScore,
	}
	if result.Advance.Ended {
		status := "denied"
		if result.Session.State == model.SessionCompletedEnabled {
			status = "enabled"
		}
		resp.Outcome = &model.GateOutcome{Status: status, Result: result.Advance.Fresh}
	} else {
		prompt := result.Advance.NextPrompt
		resp.NextPrompt = &prompt
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleAbortGate handles DELETE /v1/gates/{session_id}.
func (h *Handlers) HandleAbortGate(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	s, err := h.sessionMgr.Abort(r.Context(), sessionID, claims.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, s)
}

// HandleListMyGates handles GET /v1/gates.
func (h *Handlers) HandleListMyGates(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit := queryInt(r, "limit", 50)

	sessions, err := h.db.ListSessionsForUser(r.Context(), claims.UserID, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list sessions", err)
		return
	}

	writeJSON(w, r, http.StatusOK, sessions)
}
