package kernels

import (
	"gonum.org/v1/gonum/mat"

	"greedyreg/pkg/field"
)

// JacobianDeterminant computes det(I + Du) at every voxel of a
// displacement field, using central differences inside the image and
// one-sided differences at the border.
func JacobianDeterminant(u *field.Vector) *field.Scalar {
	g := u.Grid
	d := g.Dim()
	size := g.Size
	out := field.NewScalar(g)
	ParallelFor(g.NumVoxels(), func(lo, hi, worker int) {
		idx := make([]int, d)
		nb := make([]int, d)
		jac := mat.NewDense(d, d, nil)
		for off := lo; off < hi; off++ {
			field.Unravel(size, off, idx)
			for c := 0; c < d; c++ {
				copy(nb, idx)
				ip, im := idx[c]+1, idx[c]-1
				scale := 0.5
				if ip >= size[c] {
					ip = idx[c]
					scale = 1.0
				}
				if im < 0 {
					im = idx[c]
					scale = 1.0
				}
				nb[c] = ip
				up := u.Vec(field.Offset(size, nb))
				nb[c] = im
				um := u.Vec(field.Offset(size, nb))
				for r := 0; r < d; r++ {
					dv := scale * (up[r] - um[r])
					if r == c {
						dv += 1.0
					}
					jac.Set(r, c, dv)
				}
			}
			out.Data[off] = mat.Det(jac)
		}
	})
	return out
}
