// Package field holds the dense image buffers the engine operates on:
// scalar images, displacement fields and multi-component composites,
// all stored as flat float64 slices over a shared grid geometry.
package field

import (
	"fmt"

	"greedyreg/pkg/geometry"
)

// Scalar is a single-component image over a grid. Samples are stored
// with axis 0 fastest: offset = i0 + size0*(i1 + size1*(i2 + ...)).
type Scalar struct {
	// Grid is the sampling geometry.
	Grid *geometry.Grid

	// Data is the flat sample buffer, one value per voxel.
	Data []float64
}

// Vector is a D-component displacement field over a grid. The D
// components of each voxel are stored contiguously, so the buffer
// length is D times the voxel count.
type Vector struct {
	// Grid is the sampling geometry.
	Grid *geometry.Grid

	// Data is the flat buffer with D components per voxel.
	Data []float64
}

// Composite is a K-component image over a grid, used to stack several
// input channels into one buffer. Component layout matches Vector.
type Composite struct {
	// Grid is the sampling geometry.
	Grid *geometry.Grid

	// Components is the number of channels per voxel.
	Components int

	// Data is the flat buffer with Components values per voxel.
	Data []float64
}

// NewScalar allocates a zero-filled scalar image over the grid.
func NewScalar(g *geometry.Grid) *Scalar {
	return &Scalar{Grid: g, Data: make([]float64, g.NumVoxels())}
}

// NewVector allocates a zero-filled displacement field over the grid.
func NewVector(g *geometry.Grid) *Vector {
	return &Vector{Grid: g, Data: make([]float64, g.NumVoxels()*g.Dim())}
}

// NewComposite allocates a zero-filled k-component image over the grid.
func NewComposite(g *geometry.Grid, k int) *Composite {
	return &Composite{Grid: g, Components: k, Data: make([]float64, g.NumVoxels()*k)}
}

// Offset returns the buffer position of a voxel index, axis 0 fastest.
func Offset(size []int, index []int) int {
	off := 0
	for a := len(size) - 1; a >= 0; a-- {
		off = off*size[a] + index[a]
	}
	return off
}

// Unravel writes the voxel index of a flat offset into out.
func Unravel(size []int, off int, out []int) {
	for a := 0; a < len(size); a++ {
		out[a] = off % size[a]
		off /= size[a]
	}
}

// At returns the sample at a voxel index.
func (s *Scalar) At(index []int) float64 {
	return s.Data[Offset(s.Grid.Size, index)]
}

// Set stores a sample at a voxel index.
func (s *Scalar) Set(index []int, v float64) {
	s.Data[Offset(s.Grid.Size, index)] = v
}

// Fill sets every sample to v.
func (s *Scalar) Fill(v float64) {
	for i := range s.Data {
		s.Data[i] = v
	}
}

// Clone returns a deep copy sharing the grid.
func (s *Scalar) Clone() *Scalar {
	return &Scalar{Grid: s.Grid, Data: append([]float64(nil), s.Data...)}
}

// Vec returns the component slice of one voxel.
func (v *Vector) Vec(off int) []float64 {
	d := v.Grid.Dim()
	return v.Data[off*d : off*d+d]
}

// Fill sets every component of every voxel to val.
func (v *Vector) Fill(val float64) {
	for i := range v.Data {
		v.Data[i] = val
	}
}

// Scale multiplies every component by f.
func (v *Vector) Scale(f float64) {
	for i := range v.Data {
		v.Data[i] *= f
	}
}

// Clone returns a deep copy sharing the grid.
func (v *Vector) Clone() *Vector {
	return &Vector{Grid: v.Grid, Data: append([]float64(nil), v.Data...)}
}

// Vec returns the component slice of one voxel.
func (c *Composite) Vec(off int) []float64 {
	return c.Data[off*c.Components : off*c.Components+c.Components]
}

// Channel extracts one component as a standalone scalar image.
func (c *Composite) Channel(k int) *Scalar {
	s := NewScalar(c.Grid)
	for i := range s.Data {
		s.Data[i] = c.Data[i*c.Components+k]
	}
	return s
}

// SetChannel copies a scalar image into one component.
func (c *Composite) SetChannel(k int, s *Scalar) error {
	if len(s.Data)*c.Components != len(c.Data) {
		return fmt.Errorf("channel size %d does not match composite voxel count", len(s.Data))
	}
	for i := range s.Data {
		c.Data[i*c.Components+k] = s.Data[i]
	}
	return nil
}

// Clone returns a deep copy sharing the grid.
func (c *Composite) Clone() *Composite {
	return &Composite{Grid: c.Grid, Components: c.Components, Data: append([]float64(nil), c.Data...)}
}
