package field

import (
	"fmt"
	"testing"

	"greedyreg/pkg/geometry"
)

// memCodec is an in-memory codec for exercising the registry.
type memCodec struct {
	scalars map[string]*Scalar
	vectors map[string]*Vector
	images  map[string]*Composite
}

func newMemCodec() *memCodec {
	return &memCodec{
		scalars: map[string]*Scalar{},
		vectors: map[string]*Vector{},
		images:  map[string]*Composite{},
	}
}

func (m *memCodec) Extensions() []string { return []string{".mem"} }

func (m *memCodec) ReadScalar(fn string) (*Scalar, error) {
	if s, ok := m.scalars[fn]; ok {
		return s.Clone(), nil
	}
	return nil, fmt.Errorf("no such image %s", fn)
}

func (m *memCodec) ReadComposite(fn string) (*Composite, error) {
	if c, ok := m.images[fn]; ok {
		return c.Clone(), nil
	}
	if s, ok := m.scalars[fn]; ok {
		return &Composite{Grid: s.Grid, Components: 1, Data: append([]float64(nil), s.Data...)}, nil
	}
	return nil, fmt.Errorf("no such image %s", fn)
}

func (m *memCodec) ReadVector(fn string) (*Vector, error) {
	if v, ok := m.vectors[fn]; ok {
		return v.Clone(), nil
	}
	return nil, fmt.Errorf("no such warp %s", fn)
}

func (m *memCodec) WriteScalar(img *Scalar, fn string) error {
	m.scalars[fn] = img.Clone()
	return nil
}

func (m *memCodec) WriteComposite(img *Composite, fn string) error {
	m.images[fn] = img.Clone()
	return nil
}

func (m *memCodec) WriteVector(v *Vector, fn string) error {
	m.vectors[fn] = v.Clone()
	return nil
}

func TestCodecRegistryRoundTrip(t *testing.T) {
	mc := newMemCodec()
	RegisterCodec(mc)

	g := geometry.NewGrid(4, 4)
	s := NewScalar(g)
	for i := range s.Data {
		s.Data[i] = float64(i) * 0.5
	}
	if err := WriteScalar(s, "test.mem"); err != nil {
		t.Fatalf("WriteScalar failed: %v", err)
	}
	back, err := ReadScalar("test.mem")
	if err != nil {
		t.Fatalf("ReadScalar failed: %v", err)
	}
	for i := range s.Data {
		if back.Data[i] != s.Data[i] {
			t.Errorf("sample %d is %g, want %g", i, back.Data[i], s.Data[i])
		}
	}
}

func TestCodecForUnknownExtension(t *testing.T) {
	if _, err := CodecFor("image.unknown-format"); err == nil {
		t.Error("expected an error for an unregistered extension")
	}
}
