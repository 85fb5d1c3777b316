package model

import (
	"time"

	"github.com/google/uuid"
)

// DimensionContribution is one entry of a score explanation: the weighted
// alignment this dimension contributed before normalization.
type DimensionContribution struct {
	Dimension    string  `json:"dimension"`
	Weight       float64 `json:"weight"`
	Alignment    float64 `json:"alignment"`
	Contribution float64 `json:"contribution"`
}

// CompatibilityResult is the outcome of scoring two profiles against a
// weighting table. Immutable once produced; cached keyed by the pair plus
// both profile versions and the weighting version.
//
// ContributingDimensions is sorted by descending absolute contribution — the
// transparency payload that lets a user see why a score is what it is.
type CompatibilityResult struct {
	UserA                  uuid.UUID               `json:"user_a"`
	UserB                  uuid.UUID               `json:"user_b"`
	Score                  float64                 `json:"score"`
	InsufficientData       bool                    `json:"insufficient_data"`
	ContributingDimensions []DimensionContribution `json:"contributing_dimensions"`
	WeightingVersion       int64                   `json:"weighting_version"`
	ComputedAt             time.Time               `json:"computed_at"`
}

// DiscoveryCandidate is one entry of a discovery browse: a candidate partner
// with an exact (not approximate) compatibility result.
type DiscoveryCandidate struct {
	UserID uuid.UUID           `json:"user_id"`
	Result CompatibilityResult `json:"result"`
}
