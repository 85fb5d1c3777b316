package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provenance tags where a dimension value came from. Used for explainability:
// a score explanation can say which inputs were narrative-derived versus
// imported from an external integration.
type Provenance string

const (
	ProvenanceNarrativeChoice     Provenance = "narrative_choice"
	ProvenanceExplicitSetting     Provenance = "explicit_setting"
	ProvenanceExternalIntegration Provenance = "external_integration"
)

// ValidProvenance reports whether p is a known provenance tag.
func ValidProvenance(p Provenance) bool {
	switch p {
	case ProvenanceNarrativeChoice, ProvenanceExplicitSetting, ProvenanceExternalIntegration:
		return true
	}
	return false
}

// ValueProfile is a user's structured vector of value-dimension scores.
// Dimension values are normalized scalars in [-1, 1]. Version is an optimistic
// concurrency stamp: every accepted mutation bumps it, and writers must
// present the version they read.
type ValueProfile struct {
	UserID     uuid.UUID             `json:"user_id"`
	Dimensions map[string]float64    `json:"dimensions"`
	Provenance map[string]Provenance `json:"provenance"`
	Version    int64                 `json:"version"`
	Archived   bool                  `json:"archived"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Dimension returns the profile's value for key, defaulting to 0 when unset.
// Unset dimensions score as neutral rather than missing — the weighting table
// defines the dimension universe, not the profile.
func (p ValueProfile) Dimension(key string) float64 {
	return p.Dimensions[key]
}

// HasAnyDimension reports whether at least one of the given keys carries an
// explicit value. Profiles with none are insufficient for scoring.
func (p ValueProfile) HasAnyDimension(keys []string) bool {
	for _, k := range keys {
		if _, ok := p.Dimensions[k]; ok {
			return true
		}
	}
	return false
}

// ValidateDimensionValue checks a single dimension scalar's range.
func ValidateDimensionValue(key string, v float64) error {
	if v < -1.0 || v > 1.0 {
		return fmt.Errorf("dimension %q value %v outside [-1, 1]", key, v)
	}
	return nil
}

// ProfileDelta is an incremental nudge to a set of dimensions, produced by an
// accepted narrative choice or a profile edit. Deltas are additive; the
// resulting value is clamped to [-1, 1] on apply.
type ProfileDelta struct {
	Dimensions map[string]float64 `json:"dimensions"`
	Provenance Provenance         `json:"provenance"`
}
