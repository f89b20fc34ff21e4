package pyramid

import (
	"math"
	"testing"

	"greedyreg/internal/models"
	"greedyreg/pkg/field"
	"greedyreg/pkg/geometry"
)

func TestLevelFactors(t *testing.T) {
	got := LevelFactors(3)
	want := []int{4, 2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("factor %d is %d, want %d", i, got[i], want[i])
		}
	}
	if f := LevelFactors(1); f[0] != 1 {
		t.Errorf("single level factor is %d, want 1", f[0])
	}
}

func TestDownsamplePreservesConstant(t *testing.T) {
	g := geometry.NewGrid(8, 8)
	img := field.NewComposite(g, 1)
	for i := range img.Data {
		img.Data[i] = 7.5
	}
	down := DownsampleComposite(img, 2)
	if down.Grid.Size[0] != 4 || down.Grid.Size[1] != 4 {
		t.Fatalf("downsampled size is %v, want [4 4]", down.Grid.Size)
	}
	for i, v := range down.Data {
		if math.Abs(v-7.5) > 1e-12 {
			t.Errorf("sample %d is %g, want 7.5", i, v)
		}
	}
}

func TestDownsampleBlockAverage(t *testing.T) {
	g := geometry.NewGrid(4, 2)
	img := field.NewComposite(g, 1)
	for i := range img.Data {
		img.Data[i] = float64(i)
	}
	down := DownsampleComposite(img, 2)
	// First block holds samples 0, 1, 4, 5.
	if got := down.Data[0]; math.Abs(got-2.5) > 1e-12 {
		t.Errorf("first block average is %g, want 2.5", got)
	}
}

func TestDownsamplePartialBorderBlock(t *testing.T) {
	g := geometry.NewGrid(3, 1)
	img := field.NewComposite(g, 1)
	img.Data[0], img.Data[1], img.Data[2] = 1, 3, 10
	down := DownsampleComposite(img, 2)
	if down.Grid.Size[0] != 2 {
		t.Fatalf("downsampled size is %v, want [2 1]", down.Grid.Size)
	}
	if math.Abs(down.Data[0]-2) > 1e-12 {
		t.Errorf("full block average is %g, want 2", down.Data[0])
	}
	if math.Abs(down.Data[1]-10) > 1e-12 {
		t.Errorf("partial block average is %g, want 10", down.Data[1])
	}
}

func TestDownsampleSpacingAndOrigin(t *testing.T) {
	g := geometry.NewGrid(8, 8)
	g.Spacing = []float64{1, 2}
	img := field.NewComposite(g, 1)
	down := DownsampleComposite(img, 2)
	if down.Grid.Spacing[0] != 2 || down.Grid.Spacing[1] != 4 {
		t.Errorf("downsampled spacing is %v, want [2 4]", down.Grid.Spacing)
	}
	// The coarse voxel center sits at the centroid of its 2x2 block.
	if math.Abs(down.Grid.Origin[0]-0.5) > 1e-12 || math.Abs(down.Grid.Origin[1]-1.0) > 1e-12 {
		t.Errorf("downsampled origin is %v, want [0.5 1]", down.Grid.Origin)
	}
}

func TestBuildStacksChannelsAndWeights(t *testing.T) {
	g := geometry.NewGrid(8, 8)
	p := New()
	f1 := field.NewComposite(g, 1)
	m1 := field.NewComposite(g, 1)
	f2 := field.NewComposite(g, 2)
	m2 := field.NewComposite(g, 2)
	if err := p.AddImagePair(f1, m1, 1.0); err != nil {
		t.Fatalf("AddImagePair failed: %v", err)
	}
	if err := p.AddImagePair(f2, m2, 0.5); err != nil {
		t.Fatalf("AddImagePair failed: %v", err)
	}
	levels, err := p.Build(2)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("built %d levels, want 2", len(levels))
	}
	if levels[0].Fixed.Components != 3 {
		t.Errorf("stacked composite has %d components, want 3", levels[0].Fixed.Components)
	}
	w := p.Weights()
	if len(w) != 3 || w[0] != 1.0 || w[1] != 0.5 || w[2] != 0.5 {
		t.Errorf("weights are %v, want [1 0.5 0.5]", w)
	}
	if levels[1].Factor != 1 {
		t.Errorf("finest level factor is %d, want 1", levels[1].Factor)
	}
}

func TestNoiseInjectionIsDeterministic(t *testing.T) {
	g := geometry.NewGrid(8, 8)
	make1 := func() *field.Composite {
		img := field.NewComposite(g, 1)
		for i := range img.Data {
			img.Data[i] = float64(i % 13)
		}
		return img
	}
	build := func() []float64 {
		p := New()
		p.NoiseMagnitude = 0.01
		if err := p.AddImagePair(make1(), make1(), 1.0); err != nil {
			t.Fatalf("AddImagePair failed: %v", err)
		}
		levels, err := p.Build(1)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		return levels[0].Fixed.Data
	}
	a := build()
	b := build()
	changed := false
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("sample %d differs between identical builds: %g vs %g", i, a[i], b[i])
		}
		if a[i] != float64(i%13) {
			changed = true
		}
	}
	if !changed {
		t.Error("noise injection left the image untouched")
	}
}

func TestSigmasInVoxels(t *testing.T) {
	g := geometry.NewGrid(8, 8)
	g.Spacing = []float64{2, 4}
	vox := SigmasInVoxels(g, models.SmoothingSpec{Sigma: 3})
	if vox[0] != 3 || vox[1] != 3 {
		t.Errorf("voxel-unit sigmas are %v, want [3 3]", vox)
	}
	phys := SigmasInVoxels(g, models.SmoothingSpec{Sigma: 4, PhysicalUnits: true})
	if phys[0] != 2 || phys[1] != 1 {
		t.Errorf("physical-unit sigmas are %v, want [2 1]", phys)
	}
}
