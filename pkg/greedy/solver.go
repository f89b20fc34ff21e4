// Package greedy implements the deformable registration solver: the
// multi-resolution greedy descent loop, the fixed-point field inverse
// and the exhaustive integer-offset search.
package greedy

import (
	"fmt"

	"greedyreg/internal/models"
	"greedyreg/pkg/affine"
	"greedyreg/pkg/field"
	"greedyreg/pkg/kernels"
	"greedyreg/pkg/metric"
	"greedyreg/pkg/pyramid"
)

// DumpFunc receives intermediate fields when snapshot dumps are
// enabled. The name encodes the level, iteration and field kind.
type DumpFunc func(name string, v *field.Vector)

// Solver drives the greedy deformable registration over a level stack.
type Solver struct {
	// Params holds the run settings.
	Params *models.RegistrationParams

	// Levels is the pyramid, coarsest first.
	Levels []*pyramid.Level

	// Weights are the per-channel metric weights.
	Weights []float64

	// InitialTransform optionally seeds the coarsest level with an
	// affine transform materialized as a field.
	InitialTransform *affine.LinearTransform

	// Dump, when set, receives per-iteration snapshots.
	Dump DumpFunc
}

// Run performs the full multi-resolution optimization and returns the
// displacement field on the finest grid, in voxel units.
func (s *Solver) Run() (*field.Vector, error) {
	var u *field.Vector
	for li, lv := range s.Levels {
		grid := lv.Fixed.Grid
		switch {
		case li > 0:
			u = kernels.UpsampleVector(u, grid)
		case s.InitialTransform != nil:
			finest := s.Levels[len(s.Levels)-1].Fixed.Grid.Size
			t := affine.RescaleTransform(s.InitialTransform, finest, grid.Size)
			u = t.ToField(grid)
		default:
			u = field.NewVector(grid)
		}

		dense := &metric.Dense{
			Fixed:   lv.Fixed,
			Moving:  lv.Moving,
			Weights: s.Weights,
			Mask:    lv.Mask,
			Kind:    s.Params.Metric,
			Radius:  s.Params.MetricRadius,
		}
		preSigmas := pyramid.SigmasInVoxels(grid, s.Params.SigmaPre)
		postSigmas := pyramid.SigmasInVoxels(grid, s.Params.SigmaPost)
		iters := s.Params.Iterations[li]
		fmt.Printf("LEVEL %d of %d (factor %d, %d iterations)\n", li+1, len(s.Levels), lv.Factor, iters)

		step := field.NewVector(grid)
		next := field.NewVector(grid)
		for it := 0; it < iters; it++ {
			val, err := dense.Evaluate(u, step)
			if err != nil {
				return nil, fmt.Errorf("metric evaluation failed at level %d iteration %d: %w", li+1, it, err)
			}
			// Descend against the gradient.
			step.Scale(-1.0)
			kernels.SmoothVector(step, preSigmas)
			switch s.Params.TimeStep {
			case models.TimeStepConst:
				step.Scale(s.Params.Epsilon)
			case models.TimeStepScale:
				kernels.NormalizeToEpsilon(step, s.Params.Epsilon, false)
			case models.TimeStepScaleDown:
				kernels.NormalizeToEpsilon(step, s.Params.Epsilon, true)
			}
			kernels.Compose(u, step, next)
			kernels.SmoothVector(next, postSigmas)
			u, next = next, u

			if s.Params.Verbose || it == iters-1 {
				fmt.Printf("  iter %4d: metric %g\n", it, val)
			}
			if s.Dump != nil && s.Params.DumpFrequency > 0 && it%s.Params.DumpFrequency == 0 {
				s.Dump(fmt.Sprintf("lev%02d_iter%04d_update", li+1, it), step)
				s.Dump(fmt.Sprintf("lev%02d_iter%04d_field", li+1, it), u)
			}
		}

		det := kernels.JacobianDeterminant(u)
		lo, hi := kernels.MinMaxScalar(det)
		fmt.Printf("END OF LEVEL %d: DetJac range %g to %g\n", li+1, lo, hi)
	}
	return u, nil
}
