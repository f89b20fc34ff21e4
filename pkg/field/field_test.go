package field

import (
	"testing"

	"greedyreg/pkg/geometry"
)

func TestOffsetUnravelRoundTrip(t *testing.T) {
	size := []int{5, 4, 3}
	idx := make([]int, 3)
	n := 5 * 4 * 3
	for off := 0; off < n; off++ {
		Unravel(size, off, idx)
		if back := Offset(size, idx); back != off {
			t.Errorf("offset %d unraveled to %v, packed back to %d", off, idx, back)
		}
	}
}

func TestOffsetAxisZeroFastest(t *testing.T) {
	size := []int{4, 3}
	if got := Offset(size, []int{1, 0}); got != 1 {
		t.Errorf("index (1,0) packed to %d, want 1", got)
	}
	if got := Offset(size, []int{0, 1}); got != 4 {
		t.Errorf("index (0,1) packed to %d, want 4", got)
	}
}

func TestCompositeChannels(t *testing.T) {
	g := geometry.NewGrid(3, 3)
	c := NewComposite(g, 2)
	s := NewScalar(g)
	for i := range s.Data {
		s.Data[i] = float64(i)
	}
	if err := c.SetChannel(1, s); err != nil {
		t.Fatalf("SetChannel failed: %v", err)
	}
	back := c.Channel(1)
	for i := range s.Data {
		if back.Data[i] != s.Data[i] {
			t.Errorf("channel sample %d is %g, want %g", i, back.Data[i], s.Data[i])
		}
	}
	zero := c.Channel(0)
	for i, v := range zero.Data {
		if v != 0 {
			t.Errorf("untouched channel sample %d is %g, want 0", i, v)
		}
	}
}

func TestVectorVec(t *testing.T) {
	g := geometry.NewGrid(2, 2)
	v := NewVector(g)
	vec := v.Vec(3)
	vec[0], vec[1] = 1.5, -2.5
	if v.Data[6] != 1.5 || v.Data[7] != -2.5 {
		t.Errorf("component write did not land in the backing buffer: %v", v.Data)
	}
}
