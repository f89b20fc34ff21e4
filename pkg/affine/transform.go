// Package affine implements linear transforms between image spaces,
// their parameter-vector form for the optimizer, matrix file parsing,
// and the parametric registration solver.
package affine

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"greedyreg/pkg/field"
	"greedyreg/pkg/geometry"
	"greedyreg/pkg/kernels"
)

// LinearTransform maps fixed-space voxel indices to moving-space voxel
// indices: j = Matrix*i + Offset.
type LinearTransform struct {
	// Matrix is the DxD linear part.
	Matrix *mat.Dense

	// Offset is the translation in moving voxel units.
	Offset []float64
}

// NewIdentity returns the identity transform in d dimensions.
func NewIdentity(d int) *LinearTransform {
	t := &LinearTransform{Matrix: mat.NewDense(d, d, nil), Offset: make([]float64, d)}
	for i := 0; i < d; i++ {
		t.Matrix.Set(i, i, 1.0)
	}
	return t
}

// Dim returns the dimensionality of the transform.
func (t *LinearTransform) Dim() int {
	return len(t.Offset)
}

// Apply maps one voxel index.
func (t *LinearTransform) Apply(index, out []float64) {
	d := t.Dim()
	for r := 0; r < d; r++ {
		p := t.Offset[r]
		for c := 0; c < d; c++ {
			p += t.Matrix.At(r, c) * index[c]
		}
		out[r] = p
	}
}

// Clone returns a deep copy.
func (t *LinearTransform) Clone() *LinearTransform {
	return &LinearTransform{
		Matrix: mat.DenseCopyOf(t.Matrix),
		Offset: append([]float64(nil), t.Offset...),
	}
}

// Flatten writes the transform into a parameter vector laid out per
// output axis: offset_r followed by row r of the matrix.
func (t *LinearTransform) Flatten(x []float64) {
	d := t.Dim()
	for r := 0; r < d; r++ {
		base := r * (d + 1)
		x[base] = t.Offset[r]
		for c := 0; c < d; c++ {
			x[base+1+c] = t.Matrix.At(r, c)
		}
	}
}

// Unflatten reads the transform back from a parameter vector.
func (t *LinearTransform) Unflatten(x []float64) {
	d := t.Dim()
	for r := 0; r < d; r++ {
		base := r * (d + 1)
		t.Offset[r] = x[base]
		for c := 0; c < d; c++ {
			t.Matrix.Set(r, c, x[base+1+c])
		}
	}
}

// NumParams returns the parameter vector length for dimension d.
func NumParams(d int) int {
	return d * (d + 1)
}

// ScalingVector returns the per-parameter scaling derived from the
// reference image size: offsets scale by one, matrix entries by the
// image extent along their column axis. Optimizing in scaled space
// makes a unit step comparable across rotation and translation.
func ScalingVector(refSize []int) []float64 {
	d := len(refSize)
	s := make([]float64, NumParams(d))
	for r := 0; r < d; r++ {
		base := r * (d + 1)
		s[base] = 1.0
		for c := 0; c < d; c++ {
			s[base+1+c] = float64(refSize[c])
		}
	}
	return s
}

// ToField materializes the displacement field of the transform on the
// fixed grid, in voxel units: u(i) = Matrix*i + Offset - i.
func (t *LinearTransform) ToField(g *geometry.Grid) *field.Vector {
	d := g.Dim()
	u := field.NewVector(g)
	kernels.ParallelFor(g.NumVoxels(), func(lo, hi, worker int) {
		idx := make([]int, d)
		fidx := make([]float64, d)
		pt := make([]float64, d)
		for off := lo; off < hi; off++ {
			field.Unravel(g.Size, off, idx)
			for a := 0; a < d; a++ {
				fidx[a] = float64(idx[a])
			}
			t.Apply(fidx, pt)
			uv := u.Vec(off)
			for a := 0; a < d; a++ {
				uv[a] = pt[a] - fidx[a]
			}
		}
	})
	return u
}

// ToRAS converts a voxel-space transform into the physical RAS matrix
// convention used by matrix files: Q = Tm*A*Tf^-1 and
// p = Tm*b + sm - Q*sf, where (T, s) is each grid's voxel-to-RAS map.
func (t *LinearTransform) ToRAS(fix, mov *geometry.Grid) (*mat.Dense, []float64, error) {
	d := t.Dim()
	tf, sf := fix.VoxelToRAS()
	tm, sm := mov.VoxelToRAS()

	var tfInv mat.Dense
	if err := tfInv.Inverse(tf); err != nil {
		return nil, nil, fmt.Errorf("fixed grid voxel-to-RAS map is singular: %w", err)
	}
	var q mat.Dense
	q.Mul(tm, t.Matrix)
	q.Mul(&q, &tfInv)

	p := make([]float64, d)
	for r := 0; r < d; r++ {
		v := sm[r]
		for c := 0; c < d; c++ {
			v += tm.At(r, c)*t.Offset[c] - q.At(r, c)*sf[c]
		}
		p[r] = v
	}
	return &q, p, nil
}

// FromRAS converts a physical RAS matrix back into the voxel-space
// transform between the two grids, inverting ToRAS.
func FromRAS(q *mat.Dense, p []float64, fix, mov *geometry.Grid) (*LinearTransform, error) {
	d := len(p)
	tf, sf := fix.VoxelToRAS()
	tm, sm := mov.VoxelToRAS()

	var tmInv mat.Dense
	if err := tmInv.Inverse(tm); err != nil {
		return nil, fmt.Errorf("moving grid voxel-to-RAS map is singular: %w", err)
	}
	t := &LinearTransform{Matrix: mat.NewDense(d, d, nil), Offset: make([]float64, d)}
	var a mat.Dense
	a.Mul(&tmInv, q)
	a.Mul(&a, tf)
	t.Matrix.Copy(&a)

	// b = Tm^-1 * (p + Q*sf - sm)
	rhs := make([]float64, d)
	for r := 0; r < d; r++ {
		v := p[r] - sm[r]
		for c := 0; c < d; c++ {
			v += q.At(r, c) * sf[c]
		}
		rhs[r] = v
	}
	for r := 0; r < d; r++ {
		v := 0.0
		for c := 0; c < d; c++ {
			v += tmInv.At(r, c) * rhs[c]
		}
		t.Offset[r] = v
	}
	return t, nil
}

// Invert returns the inverse transform.
func (t *LinearTransform) Invert() (*LinearTransform, error) {
	d := t.Dim()
	inv := &LinearTransform{Matrix: mat.NewDense(d, d, nil), Offset: make([]float64, d)}
	if err := inv.Matrix.Inverse(t.Matrix); err != nil {
		return nil, fmt.Errorf("transform matrix is singular: %w", err)
	}
	for r := 0; r < d; r++ {
		v := 0.0
		for c := 0; c < d; c++ {
			v -= inv.Matrix.At(r, c) * t.Offset[c]
		}
		inv.Offset[r] = v
	}
	return inv, nil
}
