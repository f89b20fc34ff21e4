package kernels

import (
	"gonum.org/v1/gonum/floats"

	"greedyreg/pkg/field"
)

// AddVector adds src into dst element-wise.
func AddVector(dst, src *field.Vector) {
	floats.Add(dst.Data, src.Data)
}

// AddScaledVector adds f*src into dst element-wise.
func AddScaledVector(dst *field.Vector, f float64, src *field.Vector) {
	floats.AddScaled(dst.Data, f, src.Data)
}

// MaskVector multiplies every component of a displacement field by the
// per-voxel mask value.
func MaskVector(v *field.Vector, mask *field.Scalar) {
	d := v.Grid.Dim()
	ParallelFor(v.Grid.NumVoxels(), func(lo, hi, worker int) {
		for off := lo; off < hi; off++ {
			m := mask.Data[off]
			vec := v.Vec(off)
			for a := 0; a < d; a++ {
				vec[a] *= m
			}
		}
	})
}

// MinMaxScalar returns the smallest and largest sample of an image.
func MinMaxScalar(s *field.Scalar) (float64, float64) {
	return floats.Min(s.Data), floats.Max(s.Data)
}

// QuantizeVector rounds every component to the nearest multiple of the
// precision step. A non-positive precision leaves the field untouched.
func QuantizeVector(v *field.Vector, precision float64) {
	if precision <= 0 {
		return
	}
	inv := 1.0 / precision
	ParallelFor(len(v.Data), func(lo, hi, worker int) {
		for i := lo; i < hi; i++ {
			x := v.Data[i] * inv
			if x >= 0 {
				x = float64(int64(x + 0.5))
			} else {
				x = -float64(int64(-x + 0.5))
			}
			v.Data[i] = x * precision
		}
	})
}
