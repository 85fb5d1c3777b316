package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a narrative gate session.
// All states other than active are terminal and immutable.
type SessionState string

const (
	SessionActive           SessionState = "active"
	SessionCompletedEnabled SessionState = "completed_enabled"
	SessionCompletedDenied  SessionState = "completed_denied"
	SessionExpired          SessionState = "expired"
	SessionAborted          SessionState = "aborted"
)

// Terminal reports whether s is a terminal state.
func (s SessionState) Terminal() bool {
	return s != SessionActive
}

// GateSession is the stateful record of one narrative compatibility test
// between a pair of users. At most one active session exists per unordered
// pair; PairKey is the sorted-pair uniqueness key enforcing that.
type GateSession struct {
	ID               uuid.UUID    `json:"id"`
	RequesterID      uuid.UUID    `json:"requester_id"`
	TargetID         uuid.UUID    `json:"target_id"`
	PairKey          string       `json:"-"`
	State            SessionState `json:"state"`
	ScriptID         string       `json:"script_id"`
	CurrentNodeID    string       `json:"current_node_id"`
	RunningScore     float64      `json:"running_score"`
	WeightingVersion int64        `json:"weighting_version"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	ExpiresAt        time.Time    `json:"expires_at"`

	// History is the append-only choice trail, populated on reads that
	// request it (not stored on the sessions row itself).
	History []ChoiceRecord `json:"history,omitempty"`
}

// ChoiceRecord is one step of a session's history.
type ChoiceRecord struct {
	Seq        int       `json:"seq"`
	NodeID     string    `json:"node_id"`
	ChoiceID   string    `json:"choice_id"`
	ScoreAfter float64   `json:"score_after"`
	ChosenAt   time.Time `json:"chosen_at"`
}

// PairKey derives the canonical uniqueness key for an unordered user pair.
// Both orderings of the same two users map to the same key.
func PairKey(a, b uuid.UUID) string {
	as, bs := a.String(), b.String()
	if strings.Compare(as, bs) > 0 {
		as, bs = bs, as
	}
	return as + ":" + bs
}
