package vectorstore

import "math"

// DefaultMaxDistance is the largest L2 distance between unit vectors.
const DefaultMaxDistance = 2.0

// Normalizer maps a backend distance to a similarity in [0, 1].
type Normalizer struct {
	MaxDistance float64
}

// Similarity returns 1 - min(distance/MaxDistance, 1). Negative or NaN
// distances count as an exact match.
func (n Normalizer) Similarity(distance float64) float64 {
	max := n.MaxDistance
	if max <= 0 {
		max = DefaultMaxDistance
	}
	if math.IsNaN(distance) || distance <= 0 {
		return 1
	}
	return 1 - math.Min(distance/max, 1)
}
