// Package geometry describes the sampling grid of an image: its size,
// origin, spacing and direction, and the mappings between voxel indices
// and physical coordinates.
package geometry

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Grid is the sampling geometry of an image. Physical coordinates are
// expressed in the LPS convention; RAS coordinates are obtained through
// the explicit conversion helpers.
type Grid struct {
	// Size is the number of voxels along each axis.
	Size []int

	// Origin is the physical position of voxel (0,...,0).
	Origin []float64

	// Spacing is the physical extent of one voxel along each axis.
	Spacing []float64

	// Direction maps voxel axis increments to physical axes. It is a
	// DxD orthonormal matrix, identity for axis-aligned images.
	Direction *mat.Dense
}

// NewGrid builds an axis-aligned grid with unit spacing and zero origin.
func NewGrid(size ...int) *Grid {
	d := len(size)
	g := &Grid{
		Size:      append([]int(nil), size...),
		Origin:    make([]float64, d),
		Spacing:   make([]float64, d),
		Direction: identity(d),
	}
	for i := range g.Spacing {
		g.Spacing[i] = 1.0
	}
	return g
}

func identity(d int) *mat.Dense {
	m := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		m.Set(i, i, 1.0)
	}
	return m
}

// Dim returns the dimensionality of the grid.
func (g *Grid) Dim() int {
	return len(g.Size)
}

// NumVoxels returns the total voxel count.
func (g *Grid) NumVoxels() int {
	n := 1
	for _, s := range g.Size {
		n *= s
	}
	return n
}

// Clone returns a deep copy of the grid.
func (g *Grid) Clone() *Grid {
	c := &Grid{
		Size:      append([]int(nil), g.Size...),
		Origin:    append([]float64(nil), g.Origin...),
		Spacing:   append([]float64(nil), g.Spacing...),
		Direction: mat.DenseCopyOf(g.Direction),
	}
	return c
}

// SameShape reports whether two grids have identical voxel counts along
// every axis.
func (g *Grid) SameShape(o *Grid) bool {
	if len(g.Size) != len(o.Size) {
		return false
	}
	for i := range g.Size {
		if g.Size[i] != o.Size[i] {
			return false
		}
	}
	return true
}

// VoxelToPhysical maps a continuous voxel index to LPS physical space:
// p = origin + Direction * diag(spacing) * index.
func (g *Grid) VoxelToPhysical(index, out []float64) {
	d := g.Dim()
	for r := 0; r < d; r++ {
		p := g.Origin[r]
		for c := 0; c < d; c++ {
			p += g.Direction.At(r, c) * g.Spacing[c] * index[c]
		}
		out[r] = p
	}
}

// PhysicalToVoxel maps an LPS physical point to a continuous voxel
// index, inverting VoxelToPhysical.
func (g *Grid) PhysicalToVoxel(point, out []float64) {
	d := g.Dim()
	// Direction is orthonormal, so its inverse is its transpose.
	for r := 0; r < d; r++ {
		v := 0.0
		for c := 0; c < d; c++ {
			v += g.Direction.At(c, r) * (point[c] - g.Origin[c])
		}
		out[r] = v / g.Spacing[r]
	}
}

// VoxelToRAS returns the homogeneous voxel-to-RAS map of the grid as a
// DxD matrix A and offset b, so that ras = A*index + b. The first two
// physical axes are sign-flipped relative to the internal LPS frame.
func (g *Grid) VoxelToRAS() (*mat.Dense, []float64) {
	d := g.Dim()
	a := mat.NewDense(d, d, nil)
	b := make([]float64, d)
	for r := 0; r < d; r++ {
		flip := 1.0
		if r < 2 {
			flip = -1.0
		}
		for c := 0; c < d; c++ {
			a.Set(r, c, flip*g.Direction.At(r, c)*g.Spacing[c])
		}
		b[r] = flip * g.Origin[r]
	}
	return a, b
}

// FlipLPSRAS converts a physical point between the LPS and RAS
// conventions in place. The map is its own inverse.
func FlipLPSRAS(p []float64) {
	p[0] = -p[0]
	p[1] = -p[1]
}

// Validate checks internal consistency of the grid fields.
func (g *Grid) Validate() error {
	d := len(g.Size)
	if d < 2 || d > 4 {
		return fmt.Errorf("grid dimensionality %d out of range", d)
	}
	if len(g.Origin) != d || len(g.Spacing) != d {
		return fmt.Errorf("grid origin/spacing length mismatch with size")
	}
	r, c := g.Direction.Dims()
	if r != d || c != d {
		return fmt.Errorf("grid direction matrix is %dx%d, expected %dx%d", r, c, d, d)
	}
	for i, s := range g.Size {
		if s < 1 {
			return fmt.Errorf("grid size %d along axis %d", s, i)
		}
		if g.Spacing[i] <= 0 {
			return fmt.Errorf("grid spacing %g along axis %d", g.Spacing[i], i)
		}
	}
	return nil
}
