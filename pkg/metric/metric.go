// Package metric evaluates image dissimilarity measures and their
// gradients with respect to a dense displacement field. All measures
// return a value to be minimized; the solvers step against the
// gradient. Per-worker partial sums are merged in worker order so a
// fixed thread count gives identical results run to run.
package metric

import (
	"fmt"

	"greedyreg/internal/models"
	"greedyreg/pkg/field"
	"greedyreg/pkg/kernels"
)

// Dense evaluates a metric between a fixed and a moving composite on
// the same level grid. The displacement field is in voxel units of the
// fixed grid.
type Dense struct {
	// Fixed and Moving stack all channels at one pyramid level.
	Fixed  *field.Composite
	Moving *field.Composite

	// Weights holds one metric weight per channel.
	Weights []float64

	// Mask optionally restricts where gradients act. Values multiply
	// the per-voxel gradient.
	Mask *field.Scalar

	// Kind selects the measure.
	Kind models.Metric

	// Radius is the NCC window half-size per axis.
	Radius []int

	// Bins is the MI histogram resolution per axis; zero selects 32.
	Bins int
}

// Evaluate computes the metric value at displacement u. When grad is
// non-nil it receives the gradient of the value with respect to u.
func (d *Dense) Evaluate(u *field.Vector, grad *field.Vector) (float64, error) {
	if d.Fixed.Components != d.Moving.Components {
		return 0, fmt.Errorf("fixed image has %d components, moving has %d", d.Fixed.Components, d.Moving.Components)
	}
	if len(d.Weights) != d.Fixed.Components {
		return 0, fmt.Errorf("have %d weights for %d components", len(d.Weights), d.Fixed.Components)
	}
	var val float64
	var err error
	switch d.Kind {
	case models.MetricSSD:
		val = d.evaluateSSD(u, grad)
	case models.MetricNCC:
		val, err = d.evaluateNCC(u, grad)
	case models.MetricMI:
		val, err = d.evaluateMI(u, grad)
	default:
		err = fmt.Errorf("unknown metric %v", d.Kind)
	}
	if err != nil {
		return 0, err
	}
	if grad != nil && d.Mask != nil {
		kernels.MaskVector(grad, d.Mask)
	}
	return val, nil
}

// evaluateSSD accumulates the weighted sum of squared differences and
// its gradient. Samples falling outside the moving image contribute
// nothing.
func (d *Dense) evaluateSSD(u *field.Vector, grad *field.Vector) float64 {
	g := d.Fixed.Grid
	dim := g.Dim()
	k := d.Fixed.Components
	partial := make([]float64, kernels.Workers())
	kernels.ParallelFor(g.NumVoxels(), func(lo, hi, worker int) {
		idx := make([]int, dim)
		pt := make([]float64, dim)
		mv := make([]float64, k)
		mg := make([]float64, k*dim)
		sum := 0.0
		for off := lo; off < hi; off++ {
			field.Unravel(g.Size, off, idx)
			uv := u.Vec(off)
			for a := 0; a < dim; a++ {
				pt[a] = float64(idx[a]) + uv[a]
			}
			inside := kernels.SampleCompositeGrad(d.Moving, pt, mv, mg)
			var gv []float64
			if grad != nil {
				gv = grad.Vec(off)
				for a := 0; a < dim; a++ {
					gv[a] = 0
				}
			}
			if !inside {
				continue
			}
			fv := d.Fixed.Vec(off)
			for c := 0; c < k; c++ {
				diff := fv[c] - mv[c]
				sum += d.Weights[c] * diff * diff
				if gv != nil {
					coef := -2.0 * d.Weights[c] * diff
					for a := 0; a < dim; a++ {
						gv[a] += coef * mg[c*dim+a]
					}
				}
			}
		}
		partial[worker] = sum
	})
	total := 0.0
	for _, p := range partial {
		total += p
	}
	return total
}
