package model

import (
	"fmt"
	"sort"
	"time"
)

// WeightingTable is the platform-global mapping from value dimension to
// scoring weight. Tables are versioned and immutable once published; every
// scoring call records the version it used so results can be audited later.
type WeightingTable struct {
	Version   int64              `json:"version"`
	Weights   map[string]float64 `json:"weights"`
	Active    bool               `json:"active"`
	CreatedAt time.Time          `json:"created_at"`
}

// MaxDimensionWeight bounds a single dimension's influence.
const MaxDimensionWeight = 5.0

// Validate checks weight ranges and that the table is non-empty.
func (t WeightingTable) Validate() error {
	if len(t.Weights) == 0 {
		return fmt.Errorf("weighting table has no dimensions")
	}
	for dim, w := range t.Weights {
		if w <= 0 || w > MaxDimensionWeight {
			return fmt.Errorf("weight for %q is %v, must be in (0, %v]", dim, w, MaxDimensionWeight)
		}
	}
	return nil
}

// DimensionKeys returns the table's dimension keys in sorted order. The sorted
// order is load-bearing: profile vectors are laid out in this order, so two
// encoders of the same table always agree on element positions.
func (t WeightingTable) DimensionKeys() []string {
	keys := make([]string, 0, len(t.Weights))
	for k := range t.Weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
