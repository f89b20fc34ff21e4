package kernels

import (
	"math"

	"greedyreg/pkg/field"
)

// interpSupport holds the per-axis floor index and fractional weight of
// one continuous sample position.
type interpSupport struct {
	base [4]int
	frac [4]float64
}

// locate splits pt into floor indices and fractions. Returns false when
// the multilinear support is not fully inside the image. A point lying
// exactly on the last voxel of an axis counts as inside, located as the
// far end of the last cell.
func (s *interpSupport) locate(size []int, pt []float64) bool {
	inside := true
	for a := range size {
		f := math.Floor(pt[a])
		i := int(f)
		s.base[a] = i
		s.frac[a] = pt[a] - f
		if i == size[a]-1 && s.frac[a] == 0 && i > 0 {
			i--
			s.base[a], s.frac[a] = i, 1
		}
		if i < 0 || i+1 >= size[a] {
			inside = false
		}
	}
	return inside
}

// clamp moves the support inside the image, pinning fractions at the
// border. Used when out-of-bounds reads should extend edge values.
func (s *interpSupport) clamp(size []int) {
	for a := range size {
		if s.base[a] < 0 {
			s.base[a], s.frac[a] = 0, 0
		} else if s.base[a]+1 >= size[a] {
			s.base[a], s.frac[a] = size[a]-2, 1
			if size[a] < 2 {
				s.base[a], s.frac[a] = 0, 0
			}
		}
	}
}

// sampleLinear accumulates the multilinear interpolation of a
// comps-component buffer at the located support into out.
func sampleLinear(data []float64, size []int, comps int, s *interpSupport, out []float64) {
	d := len(size)
	for c := range out {
		out[c] = 0
	}
	corners := 1 << d
	for mask := 0; mask < corners; mask++ {
		w := 1.0
		off := 0
		for a := d - 1; a >= 0; a-- {
			i := s.base[a]
			if mask&(1<<a) != 0 {
				i++
				w *= s.frac[a]
			} else {
				w *= 1 - s.frac[a]
			}
			off = off*size[a] + i
		}
		if w == 0 {
			continue
		}
		base := off * comps
		for c := 0; c < comps; c++ {
			out[c] += w * data[base+c]
		}
	}
}

// sampleLinearGrad also accumulates the gradient of each component with
// respect to the sample position. grad is laid out per component, D
// entries each.
func sampleLinearGrad(data []float64, size []int, comps int, s *interpSupport, out, grad []float64) {
	d := len(size)
	for c := range out {
		out[c] = 0
	}
	for g := range grad {
		grad[g] = 0
	}
	corners := 1 << d
	for mask := 0; mask < corners; mask++ {
		w := 1.0
		var dw [4]float64
		for a := 0; a < d; a++ {
			dw[a] = 1.0
		}
		off := 0
		for a := d - 1; a >= 0; a-- {
			i := s.base[a]
			var wa, da float64
			if mask&(1<<a) != 0 {
				i++
				wa, da = s.frac[a], 1
			} else {
				wa, da = 1-s.frac[a], -1
			}
			w *= wa
			for b := 0; b < d; b++ {
				if b == a {
					dw[b] *= da
				} else {
					dw[b] *= wa
				}
			}
			off = off*size[a] + i
		}
		base := off * comps
		for c := 0; c < comps; c++ {
			v := data[base+c]
			out[c] += w * v
			for a := 0; a < d; a++ {
				grad[c*d+a] += dw[a] * v
			}
		}
	}
}

// SampleVectorClamped evaluates a displacement field at a continuous
// voxel position with multilinear interpolation, extending edge values
// outside the image.
func SampleVectorClamped(v *field.Vector, pt, out []float64) {
	var s interpSupport
	s.locate(v.Grid.Size, pt)
	s.clamp(v.Grid.Size)
	sampleLinear(v.Data, v.Grid.Size, v.Grid.Dim(), &s, out)
}

// SampleCompositeLinear evaluates a composite image at a continuous
// voxel position. Returns false and zero-fills out when the support
// leaves the image.
func SampleCompositeLinear(img *field.Composite, pt, out []float64) bool {
	var s interpSupport
	if !s.locate(img.Grid.Size, pt) {
		for c := range out {
			out[c] = 0
		}
		return false
	}
	sampleLinear(img.Data, img.Grid.Size, img.Components, &s, out)
	return true
}

// SampleCompositeGrad evaluates a composite image and the spatial
// gradient of each component at a continuous voxel position. grad has
// Components*D entries, per-component gradients contiguous. Returns
// false and zero-fills both outputs outside the image.
func SampleCompositeGrad(img *field.Composite, pt, out, grad []float64) bool {
	var s interpSupport
	if !s.locate(img.Grid.Size, pt) {
		for c := range out {
			out[c] = 0
		}
		for g := range grad {
			grad[g] = 0
		}
		return false
	}
	sampleLinearGrad(img.Data, img.Grid.Size, img.Components, &s, out, grad)
	return true
}

// SampleCompositeClamped evaluates a composite image at a continuous
// voxel position with multilinear interpolation, extending edge values
// outside the image.
func SampleCompositeClamped(img *field.Composite, pt, out []float64) {
	var s interpSupport
	s.locate(img.Grid.Size, pt)
	s.clamp(img.Grid.Size)
	sampleLinear(img.Data, img.Grid.Size, img.Components, &s, out)
}

// SampleCompositeNearestClamped evaluates a composite image with
// nearest-neighbor interpolation, pinning out-of-bounds positions to
// the nearest border voxel.
func SampleCompositeNearestClamped(img *field.Composite, pt, out []float64) {
	d := img.Grid.Dim()
	off := 0
	for a := d - 1; a >= 0; a-- {
		i := int(math.Round(pt[a]))
		if i < 0 {
			i = 0
		} else if i >= img.Grid.Size[a] {
			i = img.Grid.Size[a] - 1
		}
		off = off*img.Grid.Size[a] + i
	}
	base := off * img.Components
	copy(out, img.Data[base:base+img.Components])
}

// SampleScalarClamped evaluates a scalar image at a continuous voxel
// position with multilinear interpolation, extending edge values
// outside the image.
func SampleScalarClamped(img *field.Scalar, pt []float64) float64 {
	var s interpSupport
	s.locate(img.Grid.Size, pt)
	s.clamp(img.Grid.Size)
	var out [1]float64
	sampleLinear(img.Data, img.Grid.Size, 1, &s, out[:])
	return out[0]
}
