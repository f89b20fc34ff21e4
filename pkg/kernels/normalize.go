package kernels

import (
	"math"

	"greedyreg/pkg/field"
)

// MaxDisplacement returns the largest Euclidean vector length in a
// displacement field. Per-worker maxima are merged in worker order.
func MaxDisplacement(v *field.Vector) float64 {
	d := v.Grid.Dim()
	n := v.Grid.NumVoxels()
	partial := make([]float64, Workers())
	ParallelFor(n, func(lo, hi, worker int) {
		best := 0.0
		for off := lo; off < hi; off++ {
			vec := v.Vec(off)
			sq := 0.0
			for a := 0; a < d; a++ {
				sq += vec[a] * vec[a]
			}
			if sq > best {
				best = sq
			}
		}
		partial[worker] = best
	})
	best := 0.0
	for _, p := range partial {
		if p > best {
			best = p
		}
	}
	return math.Sqrt(best)
}

// NormalizeToEpsilon rescales a displacement field so its longest
// vector has length eps. When scaleDownOnly is set, fields already
// within eps are left untouched. Returns the pre-scaling maximum.
func NormalizeToEpsilon(v *field.Vector, eps float64, scaleDownOnly bool) float64 {
	maxLen := MaxDisplacement(v)
	if maxLen == 0 {
		return 0
	}
	if scaleDownOnly && maxLen <= eps {
		return maxLen
	}
	v.Scale(eps / maxLen)
	return maxLen
}
