package kernels

import (
	"greedyreg/pkg/field"
	"greedyreg/pkg/geometry"
)

// Compose combines two displacement fields on the same grid:
// out(x) = u(x + g(x)) + g(x), all in voxel units. The slot behind out
// may alias g but not u.
func Compose(u, g, out *field.Vector) {
	d := u.Grid.Dim()
	size := u.Grid.Size
	n := u.Grid.NumVoxels()
	ParallelFor(n, func(lo, hi, worker int) {
		idx := make([]int, d)
		pt := make([]float64, d)
		uv := make([]float64, d)
		for off := lo; off < hi; off++ {
			field.Unravel(size, off, idx)
			gv := g.Vec(off)
			for a := 0; a < d; a++ {
				pt[a] = float64(idx[a]) + gv[a]
			}
			SampleVectorClamped(u, pt, uv)
			ov := out.Vec(off)
			for a := 0; a < d; a++ {
				ov[a] = uv[a] + gv[a]
			}
		}
	})
}

// WarpCompositePhysical resamples a composite image through a
// physical-space displacement field defined on a reference grid: for
// each reference voxel x, sample img at the moving-voxel position of
// ref.VoxelToPhysical(x) + u(x). Out-of-bounds positions replicate the
// nearest edge value.
func WarpCompositePhysical(img *field.Composite, u *field.Vector, nearest bool) *field.Composite {
	ref := u.Grid
	d := ref.Dim()
	out := field.NewComposite(ref, img.Components)
	ParallelFor(ref.NumVoxels(), func(lo, hi, worker int) {
		idx := make([]int, d)
		fidx := make([]float64, d)
		p := make([]float64, d)
		q := make([]float64, d)
		val := make([]float64, img.Components)
		for off := lo; off < hi; off++ {
			field.Unravel(ref.Size, off, idx)
			for a := 0; a < d; a++ {
				fidx[a] = float64(idx[a])
			}
			ref.VoxelToPhysical(fidx, p)
			uv := u.Vec(off)
			for a := 0; a < d; a++ {
				p[a] += uv[a]
			}
			img.Grid.PhysicalToVoxel(p, q)
			if nearest {
				SampleCompositeNearestClamped(img, q, val)
			} else {
				SampleCompositeClamped(img, q, val)
			}
			copy(out.Vec(off), val)
		}
	})
	return out
}

// WarpScalarPhysical resamples a scalar image through a physical-space
// displacement field defined on a reference grid, with multilinear
// interpolation. Out-of-bounds positions replicate the nearest edge
// value.
func WarpScalarPhysical(img *field.Scalar, u *field.Vector) *field.Scalar {
	ref := u.Grid
	d := ref.Dim()
	out := field.NewScalar(ref)
	ParallelFor(ref.NumVoxels(), func(lo, hi, worker int) {
		idx := make([]int, d)
		fidx := make([]float64, d)
		p := make([]float64, d)
		q := make([]float64, d)
		for off := lo; off < hi; off++ {
			field.Unravel(ref.Size, off, idx)
			for a := 0; a < d; a++ {
				fidx[a] = float64(idx[a])
			}
			ref.VoxelToPhysical(fidx, p)
			uv := u.Vec(off)
			for a := 0; a < d; a++ {
				p[a] += uv[a]
			}
			img.Grid.PhysicalToVoxel(p, q)
			out.Data[off] = SampleScalarClamped(img, q)
		}
	})
	return out
}

// UpsampleVector resamples a displacement field onto a finer grid and
// rescales the voxel-unit components by the per-axis size ratio, so the
// physical deformation carries over between pyramid levels.
func UpsampleVector(u *field.Vector, to *geometry.Grid) *field.Vector {
	from := u.Grid
	d := to.Dim()
	ratio := make([]float64, d)
	for a := 0; a < d; a++ {
		ratio[a] = float64(to.Size[a]) / float64(from.Size[a])
	}
	out := field.NewVector(to)
	ParallelFor(to.NumVoxels(), func(lo, hi, worker int) {
		idx := make([]int, d)
		pt := make([]float64, d)
		uv := make([]float64, d)
		for off := lo; off < hi; off++ {
			field.Unravel(to.Size, off, idx)
			for a := 0; a < d; a++ {
				pt[a] = float64(idx[a]) / ratio[a]
			}
			SampleVectorClamped(u, pt, uv)
			ov := out.Vec(off)
			for a := 0; a < d; a++ {
				ov[a] = uv[a] * ratio[a]
			}
		}
	})
	return out
}
