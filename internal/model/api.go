package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error. Reason carries the domain-specific
// failure kind (e.g. "node_mismatch") when the envelope code alone is too
// coarse for the client to act on.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// Domain failure reasons surfaced in ErrorDetail.Reason.
const (
	ReasonAlreadyActive   = "already_active"
	ReasonIneligible      = "ineligible"
	ReasonNodeMismatch    = "node_mismatch"
	ReasonInvalidChoice   = "invalid_choice"
	ReasonSessionTerminal = "session_terminal"
	ReasonVersionConflict = "version_conflict"
	ReasonStaleWeighting  = "stale_weighting"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	KeyID  uuid.UUID `json:"key_id"`
	APIKey string    `json:"api_key"`
}

// MintUserTokenRequest is the request body for POST /v1/admin/tokens.
// Operators mint user tokens on behalf of the identity layer.
type MintUserTokenRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

// AuthTokenResponse is the response body for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InitiateGateRequest is the request body for POST /v1/gates.
// The requester is the authenticated caller; only the target is in the body.
type InitiateGateRequest struct {
	TargetID uuid.UUID `json:"target_id"`
}

// GatePrompt is the client-facing view of a narrative node: the prompt text
// and the choices available from it. Value implications are never exposed —
// showing which answer "scores better" would defeat the test.
type GatePrompt struct {
	NodeID  string       `json:"node_id"`
	Prompt  string       `json:"prompt"`
	Choices []GateChoice `json:"choices"`
}

// GateChoice is one selectable option on a prompt.
type GateChoice struct {
	ChoiceID string `json:"choice_id"`
	Label    string `json:"label"`
}

// InitiateGateResponse is the response body for POST /v1/gates.
type InitiateGateResponse struct {
	SessionID    uuid.UUID  `json:"session_id"`
	State        string     `json:"state"`
	FirstPrompt  GatePrompt `json:"first_prompt"`
	InitialScore float64    `json:"initial_score"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

// SubmitChoiceRequest is the request body for POST /v1/gates/{session_id}/choices.
// NodeID must match the session's current node; stale or replayed client
// state is rejected with node_mismatch.
type SubmitChoiceRequest struct {
	NodeID   string `json:"node_id"`
	ChoiceID string `json:"choice_id"`
}

// GateOutcome is the terminal result of a completed gate.
type GateOutcome struct {
	Status string              `json:"status"` // "enabled" or "denied"
	Result CompatibilityResult `json:"result"`
}

// SubmitChoiceResponse is the response body for a choice submission.
// Exactly one of NextPrompt or Outcome is set.
type SubmitChoiceResponse struct {
	SessionID    uuid.UUID    `json:"session_id"`
	State        string       `json:"state"`
	RunningScore float64      `json:"running_score"`
	NextPrompt   *GatePrompt  `json:"next_prompt,omitempty"`
	Outcome      *GateOutcome `json:"outcome,omitempty"`
}

// UpdateProfileRequest is the request body for PUT /v1/profiles/me.
// Dimension deltas are additive nudges; ExpectedVersion implements optimistic
// concurrency — a mismatch is surfaced as version_conflict and the client
// refetches and retries.
type UpdateProfileRequest struct {
	Dimensions      map[string]float64 `json:"dimensions"`
	ExpectedVersion int64              `json:"expected_version"`
}

// CreateWeightingRequest is the request body for POST /v1/admin/weighting.
type CreateWeightingRequest struct {
	Weights map[string]float64 `json:"weights"`
}

// CreateOperatorKeyRequest is the request body for POST /v1/admin/keys.
type CreateOperatorKeyRequest struct {
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
}

// CreateOperatorKeyResponse is the response body for POST /v1/admin/keys.
// The key itself is never returned; the caller supplied it.
type CreateOperatorKeyResponse struct {
	KeyID uuid.UUID `json:"key_id"`
	Name  string    `json:"name"`
}

// AuditVerifyResponse is the response body for POST /v1/admin/audit/verify.
type AuditVerifyResponse struct {
	Verified bool   `json:"verified"`
	Detail   string `json:"detail,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

// ValidateUpdateProfile checks an update request before it reaches storage.
func ValidateUpdateProfile(req UpdateProfileRequest) error {
	if len(req.Dimensions) == 0 {
		return fmt.Errorf("dimensions is required")
	}
	for k, v := range req.Dimensions {
		if k == "" {
			return fmt.Errorf("dimension key must not be empty")
		}
		// Deltas are bounded by the value range itself: no single edit may
		// move a dimension further than the full range.
		if v < -2.0 || v > 2.0 {
			return fmt.Errorf("delta for %q is %v, must be in [-2, 2]", k, v)
		}
	}
	return nil
}
