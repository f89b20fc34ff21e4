// Package reslice composes transform chains in a reference space and
// pushes images through them: dense warps and matrix transforms, with
// linear, nearest-neighbor and label-voting interpolation.
package reslice

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"greedyreg/internal/models"
	"greedyreg/pkg/affine"
	"greedyreg/pkg/field"
	"greedyreg/pkg/geometry"
	"greedyreg/pkg/greedy"
	"greedyreg/pkg/kernels"
)

// IsMatrixFile reports whether a transform filename holds a text
// matrix rather than a dense warp image.
func IsMatrixFile(filename string) bool {
	f := strings.ToLower(filename)
	return strings.HasSuffix(f, ".mat") || strings.HasSuffix(f, ".txt")
}

// BuildChain composes a transform sequence into one displacement field
// on the reference grid, in physical LPS units. Each listed transform
// applies in order to the running physical point of every voxel.
func BuildChain(ref *geometry.Grid, specs []models.TransformSpec) (*field.Vector, error) {
	u := field.NewVector(ref)
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if IsMatrixFile(spec.Filename) {
			h, err := affine.ReadMatrixFile(spec.Filename, ref.Dim())
			if err != nil {
				return nil, err
			}
			if spec.Exponent == -1 {
				if h, err = affine.InvertHomogeneous(h); err != nil {
					return nil, fmt.Errorf("cannot invert %s: %w", spec.Filename, err)
				}
			}
			applyMatrixToChain(u, h)
			continue
		}
		w, err := ReadWarp(spec.Filename)
		if err != nil {
			return nil, err
		}
		if !w.Grid.SameShape(ref) {
			return nil, fmt.Errorf("warp %s is not in the reference space", spec.Filename)
		}
		if spec.Exponent == -1 {
			w = invertPhysicalWarp(w)
		}
		applyWarpToChain(u, w)
	}
	return u, nil
}

// applyMatrixToChain pushes every voxel's mapped point through a
// homogeneous RAS matrix, flipping between the internal LPS frame and
// the matrix convention around the multiplication.
func applyMatrixToChain(u *field.Vector, h *mat.Dense) {
	ref := u.Grid
	d := ref.Dim()
	kernels.ParallelFor(ref.NumVoxels(), func(lo, hi, worker int) {
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
			base := append([]float64(nil), p...)
			for a := 0; a < d; a++ {
				p[a] += uv[a]
			}
			geometry.FlipLPSRAS(p)
			for r := 0; r < d; r++ {
				v := h.At(r, d)
				for c := 0; c < d; c++ {
					v += h.At(r, c) * p[c]
				}
				q[r] = v
			}
			geometry.FlipLPSRAS(q)
			for a := 0; a < d; a++ {
				uv[a] = q[a] - base[a]
			}
		}
	})
}

// applyWarpToChain advances every voxel's mapped point through a dense
// physical warp in the reference space, sampling it at the current
// mapped position.
func applyWarpToChain(u, w *field.Vector) {
	ref := u.Grid
	d := ref.Dim()
	kernels.ParallelFor(ref.NumVoxels(), func(lo, hi, worker int) {
		idx := make([]int, d)
		fidx := make([]float64, d)
		p := make([]float64, d)
		vox := make([]float64, d)
		wv := make([]float64, d)
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
			ref.PhysicalToVoxel(p, vox)
			kernels.SampleVectorClamped(w, vox, wv)
			for a := 0; a < d; a++ {
				uv[a] += wv[a]
			}
		}
	})
}

// PhysicalToVoxelField converts a physical LPS displacement field to
// voxel units of its own grid.
func PhysicalToVoxelField(u *field.Vector) *field.Vector {
	g := u.Grid
	d := g.Dim()
	out := field.NewVector(g)
	kernels.ParallelFor(g.NumVoxels(), func(lo, hi, worker int) {
		for off := lo; off < hi; off++ {
			uv := u.Vec(off)
			ov := out.Vec(off)
			// Displacements transform through the direction and
			// spacing only; the origin cancels.
			for r := 0; r < d; r++ {
				v := 0.0
				for c := 0; c < d; c++ {
					v += g.Direction.At(c, r) * uv[c]
				}
				ov[r] = v / g.Spacing[r]
			}
		}
	})
	return out
}

// VoxelToPhysicalField converts a voxel-unit displacement field to
// physical LPS units, inverting PhysicalToVoxelField.
func VoxelToPhysicalField(u *field.Vector) *field.Vector {
	g := u.Grid
	d := g.Dim()
	out := field.NewVector(g)
	kernels.ParallelFor(g.NumVoxels(), func(lo, hi, worker int) {
		for off := lo; off < hi; off++ {
			uv := u.Vec(off)
			ov := out.Vec(off)
			for r := 0; r < d; r++ {
				v := 0.0
				for c := 0; c < d; c++ {
					v += g.Direction.At(r, c) * g.Spacing[c] * uv[c]
				}
				ov[r] = v
			}
		}
	})
	return out
}

// invertPhysicalWarp inverts a physical warp by converting to voxel
// units, running the fixed-point inverse, and converting back.
func invertPhysicalWarp(w *field.Vector) *field.Vector {
	vox := PhysicalToVoxelField(w)
	inv, _ := greedy.InvertField(vox, models.DefaultParams().InverseExponent)
	return VoxelToPhysicalField(inv)
}

// ReadWarp loads a dense warp image and converts its components from
// the serialized RAS convention to the internal LPS frame.
func ReadWarp(filename string) (*field.Vector, error) {
	v, err := field.ReadVector(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read warp %s: %w", filename, err)
	}
	flipComponents(v)
	return v, nil
}

// WriteWarp converts a physical LPS warp to RAS components, quantizes
// it, and stores it through the codec registry.
func WriteWarp(u *field.Vector, filename string, precision float64) error {
	out := u.Clone()
	flipComponents(out)
	kernels.QuantizeVector(out, precision)
	if err := field.WriteVector(out, filename); err != nil {
		return fmt.Errorf("failed to write warp %s: %w", filename, err)
	}
	return nil
}

// flipComponents negates the first two components of every vector,
// converting between the LPS and RAS conventions in place.
func flipComponents(v *field.Vector) {
	kernels.ParallelFor(v.Grid.NumVoxels(), func(lo, hi, worker int) {
		for off := lo; off < hi; off++ {
			vec := v.Vec(off)
			vec[0] = -vec[0]
			vec[1] = -vec[1]
		}
	})
}
