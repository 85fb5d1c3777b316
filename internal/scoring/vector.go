package scoring

import "github.com/thinkalike/kindred/internal/model"

// VectorDim is the fixed width of encoded profile vectors. The pgvector
// column and the external index are both declared at this width, so it can
// only grow with a migration.
const VectorDim = 32

// Vectorize encodes a profile's dimensions as a fixed-width vector laid out
// in the weighting table's sorted key order, weighted so that cosine
// neighbours approximate high-scoring pairs. Dimensions beyond VectorDim are
// dropped; unused slots stay zero.
func Vectorize(p model.ValueProfile, table model.WeightingTable) []float32 {
	vec := make([]float32, VectorDim)
	for i, dim := range table.DimensionKeys() {
		if i >= VectorDim {
			break
		}
		vec[i] = float32(table.Weights[dim] * p.Dimension(dim))
	}
	return vec
}
