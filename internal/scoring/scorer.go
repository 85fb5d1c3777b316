// Package scoring computes transparent, explainable compatibility scores
// between two value profiles under a weighting table.
//
// All functions are pure and deterministic: no storage access, no clock
// reads beyond stamping ComputedAt. Caching is the caller's responsibility.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/thinkalike/kindred/internal/model"
)

var (
	// ErrStaleWeightingVersion is returned when the caller asks for a score
	// under a weighting version that is not the one it supplied profiles for.
	// Fatal for the operation: the caller must refetch under one version.
	ErrStaleWeightingVersion = errors.New("scoring: stale weighting version")

	// ErrMissingDimension indicates a weighting table entry with no usable
	// dimension key — a configuration defect, not a user-facing condition.
	ErrMissingDimension = errors.New("scoring: weighting dimension missing")
)

// Score computes the compatibility between two profiles under table.
//
// Per-dimension alignment is 1 - |a-b|/2: identical values align at 1.0,
// maximally opposed values at 0.0. The score is the weight-normalized sum of
// alignments, clipped to [0, 1]. ContributingDimensions carries the raw
// weighted alignments sorted by descending magnitude so a caller can show
// exactly why the score is what it is.
//
// If either profile carries no explicit value for any weighted dimension the
// result is score 0 with InsufficientData set — never NaN, and never a score
// computed against a profile that has said nothing.
func Score(a, b model.ValueProfile, table model.WeightingTable) (model.CompatibilityResult, error) {
	if err := table.Validate(); err != nil {
		return model.CompatibilityResult{}, fmt.Errorf("%w: %v", ErrMissingDimension, err)
	}

	keys := table.DimensionKeys()

	result := model.CompatibilityResult{
		UserA:            a.UserID,
		UserB:            b.UserID,
		WeightingVersion: table.Version,
		ComputedAt:       time.Now().UTC(),
	}

	if !a.HasAnyDimension(keys) || !b.HasAnyDimension(keys) {
		result.InsufficientData = true
		result.ContributingDimensions = []model.DimensionContribution{}
		return result, nil
	}

	contributions := make([]model.DimensionContribution, 0, len(keys))
	var weightedSum, weightTotal float64
	for _, dim := range keys {
		w := table.Weights[dim]
		align := alignment(a.Dimension(dim), b.Dimension(dim))
		contrib := w * align
		weightedSum += contrib
		weightTotal += w
		contributions = append(contributions, model.DimensionContribution{
			Dimension:    dim,
			Weight:       w,
			Alignment:    align,
			Contribution: contrib,
		})
	}

	// weightTotal > 0 is guaranteed by table.Validate (weights are positive
	// and the table is non-empty), so the division is safe.
	result.Score = clip01(weightedSum / weightTotal)

	sort.SliceStable(contributions, func(i, j int) bool {
		return math.Abs(contributions[i].Contribution) > math.Abs(contributions[j].Contribution)
	})
	result.ContributingDimensions = contributions

	return result, nil
}

// ScoreAt is Score with a version guard: it refuses when the profiles were
// read under a different weighting version than the table presented.
func ScoreAt(a, b model.ValueProfile, table model.WeightingTable, expectedVersion int64) (model.CompatibilityResult, error) {
	if table.Version != expectedVersion {
		return model.CompatibilityResult{}, fmt.Errorf("%w: have %d, want %d",
			ErrStaleWeightingVersion, table.Version, expectedVersion)
	}
	return Score(a, b, table)
}

// Blend folds a freshly recomputed score into a prior running estimate.
// beta is the weight of the fresh score; the gate uses this to advance its
// running estimate one choice at a time instead of jumping to the new value.
func Blend(prior, fresh, beta float64) float64 {
	return clip01((1-beta)*prior + beta*fresh)
}

// alignment maps two dimension values in [-1, 1] to [0, 1]:
// identical -> 1.0, maximally opposed -> 0.0. Symmetric by construction.
func alignment(a, b float64) float64 {
	return 1.0 - math.Abs(a-b)/2.0
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
