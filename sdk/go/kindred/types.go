package kindred

import (
	"time"

	"github.com/google/uuid"
)

// ValueProfile mirrors the server's profile representation for API consumers.
// Dimension values live in [-1, 1]; Provenance records how each value was
// last set.
type ValueProfile struct {
	UserID     uuid.UUID          `json:"user_id"`
	Dimensions map[string]float64 `json:"dimensions"`
	Provenance map[string]string  `json:"provenance"`
	Version    int64              `json:"version"`
	Archived   bool               `json:"archived"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// WeightingTable is one published version of the ethical weighting table.
type WeightingTable struct {
	Version     int64              `json:"version"`
	Weights     map[string]float64 `json:"weights"`
	Active      bool               `json:"active"`
	PublishedAt time.Time          `json:"published_at"`
}

// DimensionContribution explains one dimension's effect on a score.
type DimensionContribution struct {
	Dimension    string  `json:"dimension"`
	Weight       float64 `json:"weight"`
	Alignment    float64 `json:"alignment"`
	Contribution float64 `json:"contribution"`
}

// CompatibilityResult is a scored pair with its full per-dimension breakdown,
// ordered by influence.
type CompatibilityResult struct {
	UserA                  uuid.UUID               `json:"user_a"`
	UserB                  uuid.UUID               `json:"user_b"`
	Score                  float64                 `json:"score"`
	WeightingVersion       int64                   `json:"weighting_version"`
	InsufficientData       bool                    `json:"insufficient_data"`
	ContributingDimensions []DimensionContribution `json:"contributing_dimensions"`
	ComputedAt             time.Time               `json:"computed_at"`
}

// DiscoveryCandidate is one entry in a discovery browse, ranked by exact
// compatibility score.
type DiscoveryCandidate struct {
	UserID uuid.UUID           `json:"user_id"`
	Result CompatibilityResult `json:"result"`
}

// GateChoice is one selectable option on a gate prompt.
type GateChoice struct {
	ChoiceID string `json:"choice_id"`
	Label    string `json:"label"`
}

// GatePrompt is the current narrative node: the prompt text and the choices
// available from it.
type GatePrompt struct {
	NodeID  string       `json:"node_id"`
	Prompt  string       `json:"prompt"`
	Choices []GateChoice `json:"choices"`
}

// GateSession states.
const (
	SessionActive           = "active"
	SessionCompletedEnabled = "completed_enabled"
	SessionCompletedDenied  = "completed_denied"
	SessionAborted          = "aborted"
	SessionExpired          = "expired"
)

// ChoiceRecord is one accepted choice in a session's history.
type ChoiceRecord struct {
	Seq      int       `json:"seq"`
	NodeID   string    `json:"node_id"`
	ChoiceID string    `json:"choice_id"`
	ChosenAt time.Time `json:"chosen_at"`
}

// GateSession is a narrative gate between two users.
type GateSession struct {
	ID               uuid.UUID      `json:"id"`
	RequesterID      uuid.UUID      `json:"requester_id"`
	TargetID         uuid.UUID      `json:"target_id"`
	State            string         `json:"state"`
	ScriptID         string         `json:"script_id"`
	CurrentNodeID    string         `json:"current_node_id"`
	RunningScore     float64        `json:"running_score"`
	WeightingVersion int64          `json:"weighting_version"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
	History          []ChoiceRecord `json:"history,omitempty"`
}

// InitiatedGate is the result of opening a gate.
type InitiatedGate struct {
	SessionID    uuid.UUID  `json:"session_id"`
	State        string     `json:"state"`
	FirstPrompt  GatePrompt `json:"first_prompt"`
	InitialScore float64    `json:"initial_score"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

// GateOutcome is the terminal result of a completed gate.
type GateOutcome struct {
	Status string              `json:"status"` // "enabled" or "denied"
	Result CompatibilityResult `json:"result"`
}

// ChoiceResult is the server's verdict on a submitted choice. Exactly one of
// NextPrompt or Outcome is set.
type ChoiceResult struct {
	SessionID    uuid.UUID    `json:"session_id"`
	State        string       `json:"state"`
	RunningScore float64      `json:"running_score"`
	NextPrompt   *GatePrompt  `json:"next_prompt,omitempty"`
	Outcome      *GateOutcome `json:"outcome,omitempty"`
}

// Health is the server's health report.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

// --- Request types ---

// UpdateProfileRequest nudges the caller's profile. Dimension values are
// additive deltas; ExpectedVersion (when non-zero) enables optimistic
// concurrency.
type UpdateProfileRequest struct {
	Dimensions      map[string]float64 `json:"dimensions"`
	ExpectedVersion int64              `json:"expected_version,omitempty"`
}

type initiateGateRequest struct {
	TargetID uuid.UUID `json:"target_id"`
}

type submitChoiceRequest struct {
	NodeID   string `json:"node_id"`
	ChoiceID string `json:"choice_id"`
}
