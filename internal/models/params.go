package models

import (
	"fmt"
	"math"
)

// Metric identifies the image dissimilarity measure driving a registration.
type Metric int

const (
	// MetricSSD is the sum of squared intensity differences.
	MetricSSD Metric = iota

	// MetricNCC is windowed normalized cross-correlation over a box
	// neighborhood of each voxel.
	MetricNCC

	// MetricMI is mutual information estimated from a joint intensity
	// histogram.
	MetricMI
)

// String returns the command-line spelling of the metric.
func (m Metric) String() string {
	switch m {
	case MetricSSD:
		return "SSD"
	case MetricNCC:
		return "NCC"
	case MetricMI:
		return "MI"
	}
	return fmt.Sprintf("Metric(%d)", int(m))
}

// Mode selects which top-level operation a run performs.
type Mode int

const (
	// ModeGreedy runs the multi-resolution deformable solver.
	ModeGreedy Mode = iota

	// ModeAffine runs the parametric linear-transform solver.
	ModeAffine

	// ModeBrute runs the exhaustive integer-offset search.
	ModeBrute

	// ModeReslice applies a transform chain to images.
	ModeReslice
)

// TimeStepMode controls how the raw metric gradient is turned into a
// per-iteration update field.
type TimeStepMode int

const (
	// TimeStepConst scales the gradient by epsilon with no normalization.
	TimeStepConst TimeStepMode = iota

	// TimeStepScale rescales the smoothed gradient so its longest vector
	// has length epsilon.
	TimeStepScale

	// TimeStepScaleDown rescales only when the longest vector exceeds
	// epsilon, leaving smaller updates untouched.
	TimeStepScaleDown
)

// InterpMode selects the interpolation used when reslicing an image.
type InterpMode int

const (
	// InterpLinear is multilinear interpolation.
	InterpLinear InterpMode = iota

	// InterpNearest is nearest-neighbor interpolation.
	InterpNearest

	// InterpLabelwise reslices a discrete label image by smoothing a
	// per-label indicator and voting.
	InterpLabelwise
)

// AffineDOF restricts the degrees of freedom of the affine solver.
type AffineDOF int

const (
	// DOFAffine optimizes the full matrix and offset.
	DOFAffine AffineDOF = iota

	// DOFRigid optimizes rotation and translation only.
	DOFRigid
)

// ImagePairSpec names one fixed/moving image pair and its weight in a
// multi-component metric.
type ImagePairSpec struct {
	// Fixed is the fixed (reference) image filename.
	Fixed string

	// Moving is the moving image filename.
	Moving string

	// Weight multiplies this pair's contribution to the total metric.
	Weight float64
}

// TransformSpec names one element of a transform chain.
type TransformSpec struct {
	// Filename is either a dense warp image or a text matrix file.
	Filename string

	// Exponent is +1 to apply the transform or -1 to apply its inverse.
	// Only these two values are accepted.
	Exponent float64
}

// InterpSpec describes how a reslice operation samples the moving image.
type InterpSpec struct {
	// Mode selects the interpolation scheme.
	Mode InterpMode

	// Smoothing is the per-label smoothing applied in labelwise mode.
	Smoothing SmoothingSpec
}

// SmoothingSpec is a Gaussian smoothing amount with an explicit unit flag.
type SmoothingSpec struct {
	// Sigma is the standard deviation of the kernel.
	Sigma float64

	// PhysicalUnits marks Sigma as millimeters rather than voxel units.
	PhysicalUnits bool
}

// ResliceSpec names one image to push through the transform chain.
type ResliceSpec struct {
	// Moving is the input image filename.
	Moving string

	// Output is the destination filename.
	Output string

	// Interp overrides the run-level interpolation for this image.
	Interp InterpSpec
}

// RegistrationParams collects every setting of a run. The zero value is
// not usable; construct with DefaultParams.
type RegistrationParams struct {
	// Dim is the image dimensionality, 2, 3 or 4.
	Dim int

	// Mode is the operation to perform.
	Mode Mode

	// Metric is the dissimilarity measure.
	Metric Metric

	// MetricRadius is the NCC window half-size per axis (NCC only).
	MetricRadius []int

	// Inputs are the fixed/moving image pairs.
	Inputs []ImagePairSpec

	// GradientMask is an optional fixed-space mask image restricting
	// where metric gradients act.
	GradientMask string

	// MovingPreTransforms are applied to every moving image at load
	// time, materialized once as a warp in the fixed space.
	MovingPreTransforms []TransformSpec

	// Iterations holds the per-level iteration counts, coarsest first.
	Iterations []int

	// Epsilon is the step length of the deformable solver.
	Epsilon float64

	// SigmaPre smooths the update field before the step policy.
	SigmaPre SmoothingSpec

	// SigmaPost smooths the deformation after composition.
	SigmaPost SmoothingSpec

	// TimeStep selects the step policy.
	TimeStep TimeStepMode

	// Output is the result filename: a warp for deformable runs, a
	// matrix for affine runs.
	Output string

	// OutputInverse, when set, also writes the inverse warp.
	OutputInverse string

	// InverseExponent bounds the square-root fallback of the inverse
	// computation.
	InverseExponent int

	// WarpPrecision quantizes warp components on write; zero disables.
	WarpPrecision float64

	// AffineInit is an optional matrix file seeding the affine solver
	// or the deformable solver's initial field.
	AffineInit string

	// AffineInitIdentity seeds the affine solver with a jittered
	// identity instead of a file.
	AffineInitIdentity bool

	// AffineJitter is the jitter amplitude in scaled parameter space.
	AffineJitter float64

	// AffineDOF restricts the affine degrees of freedom.
	AffineDOF AffineDOF

	// DerivativeFree switches the affine solver to a simplex method.
	DerivativeFree bool

	// DerivativeCheck compares analytic and numeric affine gradients
	// before optimizing.
	DerivativeCheck bool

	// DerivativeEpsilon is the finite-difference step of the check.
	DerivativeEpsilon float64

	// BruteRadius is the integer search box half-size per axis.
	BruteRadius []int

	// ResliceRef is the reference space of a reslice run.
	ResliceRef string

	// ResliceTransforms is the chain applied by a reslice run.
	ResliceTransforms []TransformSpec

	// ResliceImages are the images pushed through the chain.
	ResliceImages []ResliceSpec

	// ResliceInterp is the default interpolation for resliced images.
	ResliceInterp InterpSpec

	// ResliceOutComposed, when set, writes the composed chain warp.
	ResliceOutComposed string

	// DumpPrefix enables per-iteration snapshot dumps with this prefix.
	DumpPrefix string

	// DumpFrequency is the iteration stride of snapshot dumps.
	DumpFrequency int

	// Threads bounds the worker pool; zero means all cores.
	Threads int

	// Verbose enables per-iteration progress output.
	Verbose bool
}

// DefaultParams returns the parameter set used when no flags override it.
func DefaultParams() *RegistrationParams {
	return &RegistrationParams{
		Dim:               2,
		Mode:              ModeGreedy,
		Metric:            MetricSSD,
		Iterations:        []int{100, 100},
		Epsilon:           1.0,
		SigmaPre:          SmoothingSpec{Sigma: math.Sqrt(3.0)},
		SigmaPost:         SmoothingSpec{Sigma: math.Sqrt(0.5)},
		TimeStep:          TimeStepScale,
		InverseExponent:   2,
		WarpPrecision:     0.1,
		AffineJitter:      0.4,
		DerivativeEpsilon: 1e-4,
		DumpFrequency:     1,
		ResliceInterp:     InterpSpec{Mode: InterpLinear},
	}
}

// Validate checks the cross-field constraints that the command-line
// reader cannot enforce locally.
func (p *RegistrationParams) Validate() error {
	if p.Dim < 2 || p.Dim > 4 {
		return fmt.Errorf("unsupported dimensionality %d, must be 2, 3 or 4", p.Dim)
	}
	if len(p.Iterations) == 0 {
		return fmt.Errorf("iteration schedule is empty")
	}
	if p.Metric == MetricNCC && len(p.MetricRadius) != 0 && len(p.MetricRadius) != p.Dim {
		return fmt.Errorf("NCC radius has %d entries, expected %d", len(p.MetricRadius), p.Dim)
	}
	if p.Mode == ModeBrute {
		if p.Metric != MetricNCC {
			return fmt.Errorf("brute force search supports the NCC metric only")
		}
		if len(p.BruteRadius) != p.Dim {
			return fmt.Errorf("brute force radius has %d entries, expected %d", len(p.BruteRadius), p.Dim)
		}
	}
	for _, ts := range p.MovingPreTransforms {
		if err := ts.Validate(); err != nil {
			return err
		}
	}
	for _, ts := range p.ResliceTransforms {
		if err := ts.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects exponents other than +1 and -1.
func (t TransformSpec) Validate() error {
	if t.Exponent != 1 && t.Exponent != -1 {
		return fmt.Errorf("transform %s has exponent %g, only 1 and -1 are supported", t.Filename, t.Exponent)
	}
	return nil
}
