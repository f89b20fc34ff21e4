// Package pyramid builds the multi-resolution image stack the solvers
// iterate over: per-level downsampled composites of all input channels,
// an optional gradient mask pyramid, and the per-level geometry.
package pyramid

import (
	"fmt"
	"math"

	"greedyreg/internal/models"
	"greedyreg/pkg/field"
	"greedyreg/pkg/geometry"
	"greedyreg/pkg/kernels"
)

// Level is one resolution of the pyramid, coarsest first.
type Level struct {
	// Factor is the downsampling factor relative to full resolution.
	Factor int

	// Fixed stacks all fixed-image channels at this resolution.
	Fixed *field.Composite

	// Moving stacks all moving-image channels at this resolution.
	Moving *field.Composite

	// Mask is the downsampled gradient mask, nil when none was set.
	Mask *field.Scalar
}

// Pyramid accumulates input image pairs and produces the level stack.
type Pyramid struct {
	pairs   []pair
	weights []float64
	mask    *field.Scalar

	// NoiseMagnitude is the amplitude of the deterministic noise added
	// to every channel at build time, relative to the channel's
	// intensity range. Zero disables injection.
	NoiseMagnitude float64
}

type pair struct {
	fixed  *field.Composite
	moving *field.Composite
	weight float64
}

// New returns an empty pyramid builder.
func New() *Pyramid {
	return &Pyramid{}
}

// AddImagePair appends one fixed/moving pair. Every channel of the pair
// carries the given weight in the metric.
func (p *Pyramid) AddImagePair(fixed, moving *field.Composite, weight float64) error {
	if fixed.Components != moving.Components {
		return fmt.Errorf("fixed image has %d components, moving has %d", fixed.Components, moving.Components)
	}
	p.pairs = append(p.pairs, pair{fixed, moving, weight})
	for k := 0; k < fixed.Components; k++ {
		p.weights = append(p.weights, weight)
	}
	return nil
}

// SetGradientMask installs a fixed-space mask downsampled alongside the
// images.
func (p *Pyramid) SetGradientMask(mask *field.Scalar) {
	p.mask = mask
}

// Weights returns the per-channel metric weights of the stacked
// composites.
func (p *Pyramid) Weights() []float64 {
	return p.weights
}

// LevelFactors returns the downsampling schedule for n levels,
// coarsest first and always ending at full resolution: n=3 gives 4,2,1.
func LevelFactors(n int) []int {
	f := make([]int, n)
	for i := 0; i < n; i++ {
		f[i] = 1 << (n - 1 - i)
	}
	return f
}

// Build stacks the input pairs into per-level composites. Noise is
// injected once at full resolution before downsampling so every level
// sees a consistent signal.
func (p *Pyramid) Build(nLevels int) ([]*Level, error) {
	if len(p.pairs) == 0 {
		return nil, fmt.Errorf("no image pairs were added")
	}
	refGrid := p.pairs[0].fixed.Grid
	total := 0
	for _, pr := range p.pairs {
		if !pr.fixed.Grid.SameShape(refGrid) {
			return nil, fmt.Errorf("fixed images disagree on grid size")
		}
		total += pr.fixed.Components
	}

	fixed := field.NewComposite(refGrid, total)
	moving := field.NewComposite(p.pairs[0].moving.Grid, total)
	ch := 0
	for _, pr := range p.pairs {
		for k := 0; k < pr.fixed.Components; k++ {
			if err := fixed.SetChannel(ch, pr.fixed.Channel(k)); err != nil {
				return nil, err
			}
			if err := moving.SetChannel(ch, pr.moving.Channel(k)); err != nil {
				return nil, err
			}
			ch++
		}
	}
	if p.NoiseMagnitude > 0 {
		injectNoise(fixed, p.NoiseMagnitude, 0x9e3779b97f4a7c15)
		injectNoise(moving, p.NoiseMagnitude, 0xbf58476d1ce4e5b9)
	}

	levels := make([]*Level, nLevels)
	for i, f := range LevelFactors(nLevels) {
		lv := &Level{Factor: f}
		lv.Fixed = DownsampleComposite(fixed, f)
		lv.Moving = DownsampleComposite(moving, f)
		if p.mask != nil {
			mc := &field.Composite{Grid: p.mask.Grid, Components: 1, Data: p.mask.Data}
			dc := DownsampleComposite(mc, f)
			lv.Mask = &field.Scalar{Grid: dc.Grid, Data: dc.Data}
		}
		levels[i] = lv
	}
	return levels, nil
}

// DownsampleComposite reduces an image by an integer factor per axis,
// averaging each block of factor^D voxels. Partial blocks at the far
// border average over their in-bounds voxels.
func DownsampleComposite(img *field.Composite, factor int) *field.Composite {
	if factor <= 1 {
		return img.Clone()
	}
	src := img.Grid
	d := src.Dim()
	size := make([]int, d)
	for a := 0; a < d; a++ {
		size[a] = (src.Size[a] + factor - 1) / factor
		if size[a] < 1 {
			size[a] = 1
		}
	}
	g := &geometry.Grid{
		Size:      size,
		Origin:    make([]float64, d),
		Spacing:   make([]float64, d),
		Direction: src.Direction,
	}
	// The coarse voxel center sits at the centroid of its source block.
	half := make([]float64, d)
	for a := 0; a < d; a++ {
		g.Spacing[a] = src.Spacing[a] * float64(factor)
		half[a] = float64(factor-1) / 2
	}
	src.VoxelToPhysical(half, g.Origin)

	out := field.NewComposite(g, img.Components)
	kernels.ParallelFor(g.NumVoxels(), func(lo, hi, worker int) {
		idx := make([]int, d)
		sidx := make([]int, d)
		acc := make([]float64, img.Components)
		var walk func(axis, count int) int
		walk = func(axis, count int) int {
			if axis == d {
				vec := img.Vec(field.Offset(src.Size, sidx))
				for c := range acc {
					acc[c] += vec[c]
				}
				return count + 1
			}
			base := idx[axis] * factor
			for t := 0; t < factor; t++ {
				if base+t >= src.Size[axis] {
					break
				}
				sidx[axis] = base + t
				count = walk(axis+1, count)
			}
			return count
		}
		for off := lo; off < hi; off++ {
			field.Unravel(size, off, idx)
			for c := range acc {
				acc[c] = 0
			}
			// Partial border blocks average over fewer voxels.
			n := walk(0, 0)
			vec := out.Vec(off)
			for c := range acc {
				vec[c] = acc[c] / float64(n)
			}
		}
	})
	return out
}

// SigmasInVoxels converts a smoothing spec to per-axis voxel sigmas on
// the given grid.
func SigmasInVoxels(g *geometry.Grid, s models.SmoothingSpec) []float64 {
	out := make([]float64, g.Dim())
	for a := range out {
		if s.PhysicalUnits {
			out[a] = s.Sigma / g.Spacing[a]
		} else {
			out[a] = s.Sigma
		}
	}
	return out
}

// injectNoise perturbs every sample with hash-derived uniform noise of
// amplitude mag relative to the channel intensity range. The hash keys
// on sample position alone so repeated runs see identical images.
func injectNoise(img *field.Composite, mag float64, seed uint64) {
	n := img.Grid.NumVoxels()
	for c := 0; c < img.Components; c++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for off := 0; off < n; off++ {
			v := img.Data[off*img.Components+c]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		amp := mag * (hi - lo)
		if amp == 0 {
			continue
		}
		kernels.ParallelFor(n, func(plo, phi, worker int) {
			for off := plo; off < phi; off++ {
				u := hashUnit(seed, uint64(off), uint64(c))
				img.Data[off*img.Components+c] += amp * (u - 0.5)
			}
		})
	}
}

// hashUnit maps (seed, position, channel) to a uniform value in [0,1)
// with a splitmix64 round.
func hashUnit(seed, off, c uint64) float64 {
	x := seed ^ (off * 0x9e3779b97f4a7c15) ^ (c * 0xd6e8feb86659fd93)
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return float64(x>>11) / float64(1<<53)
}
