package greedy

import (
	"fmt"

	"greedyreg/pkg/field"
	"greedyreg/pkg/kernels"
)

// inverseIterations bounds the fixed-point loop per attempt.
const inverseIterations = 20

// inverseTolerance is the sup-norm residual, in voxel units, below
// which the inverse is accepted.
const inverseTolerance = 1e-3

// InvertField computes the inverse of a displacement field by fixed
// point iteration: v <- -(u o v), with the residual u o v + v measured
// in the sup norm. When the iteration stalls the field is replaced by
// its square root, inverted recursively, and the half-inverses are
// composed; maxSqrt bounds the recursion depth. Returns the best field
// found and whether the tolerance was reached.
func InvertField(u *field.Vector, maxSqrt int) (*field.Vector, bool) {
	v, res, ok := fixedPointInverse(u)
	if ok || maxSqrt <= 0 {
		if !ok {
			fmt.Printf("WARNING: inverse iteration did not converge (residual %g)\n", res)
		}
		return v, ok
	}
	s := sqrtField(u)
	half, ok := InvertField(s, maxSqrt-1)
	if !ok {
		return v, false
	}
	inv := field.NewVector(u.Grid)
	kernels.Compose(half, half, inv)
	if r := residual(u, inv); r < res {
		v, res = inv, r
	}
	ok = res < inverseTolerance
	if !ok {
		fmt.Printf("WARNING: inverse iteration did not converge (residual %g)\n", res)
	}
	return v, ok
}

// fixedPointInverse runs the plain iteration and reports the best
// field, its residual and whether it met the tolerance.
func fixedPointInverse(u *field.Vector) (*field.Vector, float64, bool) {
	v := field.NewVector(u.Grid)
	e := field.NewVector(u.Grid)
	best := v.Clone()
	bestRes := residual(u, v)
	prev := bestRes
	for it := 0; it < inverseIterations; it++ {
		// e = u o v + v, so v - e is the next iterate -(u o v).
		kernels.Compose(u, v, e)
		kernels.AddScaledVector(v, -1.0, e)
		res := residual(u, v)
		if res < bestRes {
			bestRes = res
			copy(best.Data, v.Data)
		}
		if res < inverseTolerance {
			return best, res, true
		}
		// Stop early once the residual stops shrinking.
		if res >= prev {
			break
		}
		prev = res
	}
	return best, bestRes, false
}

// residual returns the sup norm of u o v + v.
func residual(u, v *field.Vector) float64 {
	e := field.NewVector(u.Grid)
	kernels.Compose(u, v, e)
	return kernels.MaxDisplacement(e)
}

// sqrtField approximates the square root of a displacement field, the
// field s with s o s = u, by halving and fixed-point refinement.
func sqrtField(u *field.Vector) *field.Vector {
	s := u.Clone()
	s.Scale(0.5)
	ss := field.NewVector(u.Grid)
	for it := 0; it < inverseIterations; it++ {
		kernels.Compose(s, s, ss)
		// s <- s + (u - s o s)/2
		kernels.AddScaledVector(ss, -1.0, u)
		kernels.AddScaledVector(s, -0.5, ss)
	}
	return s
}
