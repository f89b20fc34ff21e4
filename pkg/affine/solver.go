package affine

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"greedyreg/internal/models"
	"greedyreg/pkg/field"
	"greedyreg/pkg/metric"
	"greedyreg/pkg/pyramid"
)

// metricMagnitude rescales correlation and information measures so the
// optimizer's default tolerances remain meaningful; their raw values
// sit in [-k, 0] and would converge immediately otherwise.
const metricMagnitude = 10000.0

// jitterSeed makes the randomized identity seed reproducible.
const jitterSeed = 12345

// Solver runs the parametric registration over a level stack.
type Solver struct {
	// Params holds the run settings.
	Params *models.RegistrationParams

	// Levels is the pyramid, coarsest first.
	Levels []*pyramid.Level

	// Weights are the per-channel metric weights.
	Weights []float64
}

// costFunction binds one pyramid level to the optimizer. The optimizer
// works in scaled parameter space; the scaling vector converts back to
// transform coefficients.
type costFunction struct {
	dense   *metric.Dense
	scaling []float64
	dim     int
	scale   float64
	work    *LinearTransform
	grad    *field.Vector
}

func newCostFunction(lv *pyramid.Level, p *models.RegistrationParams, weights []float64) *costFunction {
	cf := &costFunction{
		dense: &metric.Dense{
			Fixed:   lv.Fixed,
			Moving:  lv.Moving,
			Weights: weights,
			Mask:    lv.Mask,
			Kind:    p.Metric,
			Radius:  p.MetricRadius,
		},
		scaling: ScalingVector(lv.Fixed.Grid.Size),
		dim:     lv.Fixed.Grid.Dim(),
		scale:   1.0,
		work:    NewIdentity(lv.Fixed.Grid.Dim()),
		grad:    field.NewVector(lv.Fixed.Grid),
	}
	if p.Metric != models.MetricSSD {
		cf.scale = metricMagnitude
	}
	return cf
}

// unflatten converts scaled optimizer coordinates into the transform.
func (cf *costFunction) unflatten(x []float64) {
	p := make([]float64, len(x))
	for j := range x {
		p[j] = x[j] / cf.scaling[j]
	}
	cf.work.Unflatten(p)
}

// flatten converts the transform into scaled optimizer coordinates.
func (cf *costFunction) flatten(t *LinearTransform) []float64 {
	x := make([]float64, NumParams(cf.dim))
	t.Flatten(x)
	for j := range x {
		x[j] *= cf.scaling[j]
	}
	return x
}

// Func evaluates the metric at scaled coordinates x.
func (cf *costFunction) Func(x []float64) float64 {
	cf.unflatten(x)
	u := cf.work.ToField(cf.dense.Fixed.Grid)
	v, err := cf.dense.Evaluate(u, nil)
	if err != nil {
		return math.Inf(1)
	}
	return cf.scale * v
}

// Grad evaluates the metric gradient at scaled coordinates x. The
// dense displacement gradient reduces exactly to the parameter
// gradient because the field is linear in the coefficients.
func (cf *costFunction) Grad(grad, x []float64) {
	cf.unflatten(x)
	g := cf.dense.Fixed.Grid
	u := cf.work.ToField(g)
	if _, err := cf.dense.Evaluate(u, cf.grad); err != nil {
		for j := range grad {
			grad[j] = 0
		}
		return
	}
	d := cf.dim
	for j := range grad {
		grad[j] = 0
	}
	idx := make([]int, d)
	n := g.NumVoxels()
	for off := 0; off < n; off++ {
		field.Unravel(g.Size, off, idx)
		gv := cf.grad.Vec(off)
		for r := 0; r < d; r++ {
			base := r * (d + 1)
			grad[base] += gv[r]
			for c := 0; c < d; c++ {
				grad[base+1+c] += gv[r] * float64(idx[c])
			}
		}
	}
	for j := range grad {
		grad[j] *= cf.scale / cf.scaling[j]
	}
}

// Run optimizes the transform level by level, starting from init or,
// when init is nil, from the identity; the identity is jittered only
// when Params.AffineInitIdentity is set. The initial and returned
// transforms live in full-resolution voxel space.
func (s *Solver) Run(init *LinearTransform) (*LinearTransform, error) {
	d := s.Levels[0].Fixed.Grid.Dim()
	finest := s.Levels[len(s.Levels)-1].Fixed.Grid.Size
	current := init
	if current == nil {
		current = NewIdentity(d)
	}
	for li, lv := range s.Levels {
		cf := newCostFunction(lv, s.Params, s.Weights)
		levelT := RescaleTransform(current, finest, lv.Fixed.Grid.Size)
		x0 := cf.flatten(levelT)
		if li == 0 && init == nil && s.Params.AffineInitIdentity {
			jitter(x0, s.Params.AffineJitter)
		}
		if s.Params.DerivativeCheck {
			s.checkDerivatives(cf, x0)
		}

		iters := s.Params.Iterations[li]
		fmt.Printf("LEVEL %d of %d (affine, %d evaluations max)\n", li+1, len(s.Levels), iters)

		problem := optimize.Problem{Func: cf.Func}
		var method optimize.Method
		if s.Params.DerivativeFree {
			method = &optimize.NelderMead{}
		} else {
			problem.Grad = cf.Grad
			method = &optimize.LBFGS{}
		}
		settings := &optimize.Settings{
			FuncEvaluations:   iters,
			GradientThreshold: 1e-6,
			Converger: &optimize.FunctionConverge{
				Absolute:   1e-9,
				Iterations: 10,
			},
		}
		result, err := optimize.Minimize(problem, x0, settings, method)
		if result == nil {
			return nil, fmt.Errorf("affine optimization failed at level %d: %w", li+1, err)
		}
		cf.unflatten(result.X)
		current = RescaleTransform(cf.work, lv.Fixed.Grid.Size, finest)
		fmt.Printf("  final metric value: %g (%d evaluations)\n", result.F, result.FuncEvaluations)
	}
	if s.Params.AffineDOF == models.DOFRigid {
		if err := projectToRigid(current); err != nil {
			return nil, err
		}
	}
	return current, nil
}

// RescaleTransform carries a voxel-space transform from one grid size
// to another. Matrix entries pick up the ratio of the row axis over
// the column axis; offsets scale by the row axis ratio.
func RescaleTransform(t *LinearTransform, fromSize, toSize []int) *LinearTransform {
	d := t.Dim()
	ratio := make([]float64, d)
	for a := 0; a < d; a++ {
		ratio[a] = float64(toSize[a]) / float64(fromSize[a])
	}
	out := t.Clone()
	for r := 0; r < d; r++ {
		out.Offset[r] = t.Offset[r] * ratio[r]
		for c := 0; c < d; c++ {
			out.Matrix.Set(r, c, t.Matrix.At(r, c)*ratio[r]/ratio[c])
		}
	}
	return out
}

// jitter perturbs the scaled coordinates with a reproducible uniform
// draw, nudging the optimizer off exact symmetry points.
func jitter(x []float64, amplitude float64) {
	rng := rand.New(rand.NewSource(jitterSeed))
	for j := range x {
		x[j] += (2.0*rng.Float64() - 1.0) * amplitude
	}
}

// checkDerivatives prints the analytic gradient next to a four-point
// central difference for every parameter.
func (s *Solver) checkDerivatives(cf *costFunction, x0 []float64) {
	eps := s.Params.DerivativeEpsilon
	analytic := make([]float64, len(x0))
	cf.Grad(analytic, x0)
	x := append([]float64(nil), x0...)
	fmt.Printf("derivative check (eps=%g):\n", eps)
	for j := range x0 {
		x[j] = x0[j] - 2*eps
		f1 := cf.Func(x)
		x[j] = x0[j] - eps
		f2 := cf.Func(x)
		x[j] = x0[j] + eps
		f3 := cf.Func(x)
		x[j] = x0[j] + 2*eps
		f4 := cf.Func(x)
		x[j] = x0[j]
		numeric := (f1 - 8*f2 + 8*f3 - f4) / (12 * eps)
		fmt.Printf("  param %2d: analytic %12.6g  numeric %12.6g\n", j, analytic[j], numeric)
	}
}

// projectToRigid replaces the matrix with the nearest rotation via the
// singular value decomposition, keeping the offset.
func projectToRigid(t *LinearTransform) error {
	var svd mat.SVD
	if !svd.Factorize(t.Matrix, mat.SVDThin) {
		return fmt.Errorf("failed to factorize transform matrix")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		// Flip the last column of U to stay in the rotation group.
		d := t.Dim()
		for i := 0; i < d; i++ {
			u.Set(i, d-1, -u.At(i, d-1))
		}
		r.Mul(&u, v.T())
	}
	t.Matrix.Copy(&r)
	return nil
}
