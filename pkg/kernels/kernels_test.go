package kernels

import (
	"math"
	"testing"

	"greedyreg/pkg/field"
	"greedyreg/pkg/geometry"
)

// blob fills a scalar image with a Gaussian bump centered in the grid.
func blob(g *geometry.Grid) *field.Scalar {
	s := field.NewScalar(g)
	d := g.Dim()
	idx := make([]int, d)
	for off := range s.Data {
		field.Unravel(g.Size, off, idx)
		r2 := 0.0
		for a := 0; a < d; a++ {
			dx := float64(idx[a]) - float64(g.Size[a]-1)/2
			r2 += dx * dx
		}
		s.Data[off] = math.Exp(-r2 / 8.0)
	}
	return s
}

func TestSmoothPreservesConstant(t *testing.T) {
	g := geometry.NewGrid(9, 7)
	s := field.NewScalar(g)
	s.Fill(3.25)
	SmoothScalar(s, []float64{1.5, 2.0})
	for i, v := range s.Data {
		if math.Abs(v-3.25) > 1e-12 {
			t.Errorf("sample %d drifted to %g after smoothing a constant image", i, v)
		}
	}
}

func TestSmoothReducesPeak(t *testing.T) {
	g := geometry.NewGrid(15, 15)
	s := blob(g)
	peak := s.Data[field.Offset(g.Size, []int{7, 7})]
	SmoothScalar(s, []float64{1.0, 1.0})
	smoothed := s.Data[field.Offset(g.Size, []int{7, 7})]
	if smoothed >= peak {
		t.Errorf("peak did not decrease: %g -> %g", peak, smoothed)
	}
}

func TestComposeWithZeroUpdate(t *testing.T) {
	g := geometry.NewGrid(6, 6)
	u := field.NewVector(g)
	for off := 0; off < g.NumVoxels(); off++ {
		uv := u.Vec(off)
		uv[0] = 0.25
		uv[1] = -0.5
	}
	zero := field.NewVector(g)
	out := field.NewVector(g)
	Compose(u, zero, out)
	for i := range u.Data {
		if math.Abs(out.Data[i]-u.Data[i]) > 1e-12 {
			t.Errorf("component %d changed under zero update: %g vs %g", i, out.Data[i], u.Data[i])
		}
	}
}

func TestComposeOfZeroFieldIsUpdate(t *testing.T) {
	g := geometry.NewGrid(6, 6)
	zero := field.NewVector(g)
	step := field.NewVector(g)
	for off := 0; off < g.NumVoxels(); off++ {
		sv := step.Vec(off)
		sv[0] = 0.1
		sv[1] = 0.2
	}
	out := field.NewVector(g)
	Compose(zero, step, out)
	for i := range step.Data {
		if math.Abs(out.Data[i]-step.Data[i]) > 1e-12 {
			t.Errorf("component %d is %g, want %g", i, out.Data[i], step.Data[i])
		}
	}
}

func TestNormalizeToEpsilonCapsLength(t *testing.T) {
	g := geometry.NewGrid(4, 4)
	v := field.NewVector(g)
	vec := v.Vec(5)
	vec[0], vec[1] = 3, 4

	maxLen := NormalizeToEpsilon(v, 1.0, false)
	if math.Abs(maxLen-5) > 1e-12 {
		t.Errorf("reported pre-scaling maximum %g, want 5", maxLen)
	}
	if got := MaxDisplacement(v); math.Abs(got-1.0) > 1e-12 {
		t.Errorf("maximum after normalization is %g, want 1", got)
	}
}

func TestNormalizeScaleDownLeavesSmallFields(t *testing.T) {
	g := geometry.NewGrid(4, 4)
	v := field.NewVector(g)
	v.Vec(2)[0] = 0.5
	NormalizeToEpsilon(v, 1.0, true)
	if got := v.Vec(2)[0]; got != 0.5 {
		t.Errorf("small field was rescaled: %g", got)
	}
}

func TestJacobianOfZeroField(t *testing.T) {
	g := geometry.NewGrid(5, 5, 5)
	det := JacobianDeterminant(field.NewVector(g))
	for i, v := range det.Data {
		if math.Abs(v-1.0) > 1e-12 {
			t.Errorf("determinant at voxel %d is %g, want 1", i, v)
		}
	}
}

func TestJacobianOfUniformScaling(t *testing.T) {
	// u(x) = 0.1*x expands space by 1.1 per axis.
	g := geometry.NewGrid(7, 7)
	u := field.NewVector(g)
	idx := make([]int, 2)
	for off := 0; off < g.NumVoxels(); off++ {
		field.Unravel(g.Size, off, idx)
		uv := u.Vec(off)
		uv[0] = 0.1 * float64(idx[0])
		uv[1] = 0.1 * float64(idx[1])
	}
	det := JacobianDeterminant(u)
	center := det.Data[field.Offset(g.Size, []int{3, 3})]
	if math.Abs(center-1.21) > 1e-9 {
		t.Errorf("interior determinant is %g, want 1.21", center)
	}
}

func TestSampleLinearAtIntegerPoints(t *testing.T) {
	g := geometry.NewGrid(4, 4)
	img := field.NewComposite(g, 1)
	for i := range img.Data {
		img.Data[i] = float64(i)
	}
	out := make([]float64, 1)
	if ok := SampleCompositeLinear(img, []float64{2, 1}, out); !ok {
		t.Fatal("integer point reported outside")
	}
	want := img.Data[field.Offset(g.Size, []int{2, 1})]
	if out[0] != want {
		t.Errorf("sample at (2,1) is %g, want %g", out[0], want)
	}
}

func TestSampleLinearMidpoint(t *testing.T) {
	g := geometry.NewGrid(2, 1)
	img := field.NewComposite(g, 1)
	img.Data[0], img.Data[1] = 2, 4
	out := make([]float64, 1)
	var s interpSupport
	s.locate(g.Size, []float64{0.5, 0})
	s.clamp(g.Size)
	sampleLinear(img.Data, g.Size, 1, &s, out)
	if math.Abs(out[0]-3) > 1e-12 {
		t.Errorf("midpoint sample is %g, want 3", out[0])
	}
}

func TestSampleGradMatchesFiniteDifference(t *testing.T) {
	g := geometry.NewGrid(8, 8)
	img := field.NewComposite(g, 1)
	idx := make([]int, 2)
	for off := range img.Data {
		field.Unravel(g.Size, off, idx)
		img.Data[off] = math.Sin(0.7*float64(idx[0])) + 0.3*float64(idx[1])
	}
	pt := []float64{3.3, 4.6}
	val := make([]float64, 1)
	grad := make([]float64, 2)
	if ok := SampleCompositeGrad(img, pt, val, grad); !ok {
		t.Fatal("interior point reported outside")
	}
	h := 1e-6
	for a := 0; a < 2; a++ {
		pp := append([]float64(nil), pt...)
		pm := append([]float64(nil), pt...)
		pp[a] += h
		pm[a] -= h
		vp := make([]float64, 1)
		vm := make([]float64, 1)
		SampleCompositeLinear(img, pp, vp)
		SampleCompositeLinear(img, pm, vm)
		numeric := (vp[0] - vm[0]) / (2 * h)
		if math.Abs(grad[a]-numeric) > 1e-5 {
			t.Errorf("axis %d: analytic gradient %g, numeric %g", a, grad[a], numeric)
		}
	}
}

func TestWarpCompositePhysicalReplicatesEdges(t *testing.T) {
	g := geometry.NewGrid(5, 3)
	img := field.NewComposite(g, 1)
	idx := make([]int, 2)
	for off := range img.Data {
		field.Unravel(g.Size, off, idx)
		img.Data[off] = float64(idx[0]) + 10*float64(idx[1])
	}
	// A constant shift of -2 along x pushes the first two columns
	// outside the image.
	u := field.NewVector(g)
	for off := 0; off < g.NumVoxels(); off++ {
		u.Vec(off)[0] = -2
	}
	for _, nearest := range []bool{false, true} {
		out := WarpCompositePhysical(img, u, nearest)
		for y := 0; y < 3; y++ {
			for x := 0; x < 5; x++ {
				src := x - 2
				if src < 0 {
					src = 0
				}
				want := float64(src) + 10*float64(y)
				got := out.Data[field.Offset(g.Size, []int{x, y})]
				if math.Abs(got-want) > 1e-12 {
					t.Errorf("nearest=%v (%d,%d): warped value is %g, want %g", nearest, x, y, got, want)
				}
			}
		}
	}
}

func TestWarpScalarPhysicalReplicatesEdges(t *testing.T) {
	g := geometry.NewGrid(4, 4)
	img := field.NewScalar(g)
	idx := make([]int, 2)
	for off := range img.Data {
		field.Unravel(g.Size, off, idx)
		img.Data[off] = float64(idx[1])
	}
	u := field.NewVector(g)
	for off := 0; off < g.NumVoxels(); off++ {
		u.Vec(off)[1] = 1.5
	}
	out := WarpScalarPhysical(img, u)
	// y=1 samples y=2.5 inside; y=2 and y=3 land at or beyond the last
	// row and take its value.
	if got := out.Data[field.Offset(g.Size, []int{1, 1})]; math.Abs(got-2.5) > 1e-12 {
		t.Errorf("interior sample is %g, want 2.5", got)
	}
	for _, y := range []int{2, 3} {
		if got := out.Data[field.Offset(g.Size, []int{1, y})]; math.Abs(got-3) > 1e-12 {
			t.Errorf("row %d: border sample is %g, want 3", y, got)
		}
	}
}

func TestUpsampleVectorScalesDisplacement(t *testing.T) {
	coarse := geometry.NewGrid(4, 4)
	fine := geometry.NewGrid(8, 8)
	u := field.NewVector(coarse)
	for off := 0; off < coarse.NumVoxels(); off++ {
		u.Vec(off)[0] = 1.0
	}
	up := UpsampleVector(u, fine)
	for off := 0; off < fine.NumVoxels(); off++ {
		if got := up.Vec(off)[0]; math.Abs(got-2.0) > 1e-12 {
			t.Errorf("voxel %d: upsampled displacement is %g, want 2", off, got)
			break
		}
	}
}

func TestQuantizeVector(t *testing.T) {
	g := geometry.NewGrid(2, 2)
	v := field.NewVector(g)
	v.Data[0] = 0.349
	v.Data[1] = -0.26
	QuantizeVector(v, 0.1)
	if math.Abs(v.Data[0]-0.3) > 1e-12 {
		t.Errorf("quantized 0.349 to %g, want 0.3", v.Data[0])
	}
	if math.Abs(v.Data[1]+0.3) > 1e-12 {
		t.Errorf("quantized -0.26 to %g, want -0.3", v.Data[1])
	}
}

func TestParallelForCoversRangeOnce(t *testing.T) {
	visits := make([]int, 1000)
	ParallelFor(len(visits), func(lo, hi, worker int) {
		for i := lo; i < hi; i++ {
			visits[i]++
		}
	})
	for i, v := range visits {
		if v != 1 {
			t.Errorf("index %d visited %d times", i, v)
		}
	}
}
