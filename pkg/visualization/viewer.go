// Package visualization renders grayscale previews of scalar fields so
// registration results can be checked without a medical image viewer.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"

	"greedyreg/pkg/field"
	"greedyreg/pkg/kernels"
)

// Viewer renders planes of a scalar field as 16-bit grayscale images,
// windowed to the field's intensity range.
type Viewer struct {
	img *field.Scalar
	lo  float64
	hi  float64
}

// NewViewer creates a viewer for the given field.
func NewViewer(img *field.Scalar) *Viewer {
	lo, hi := kernels.MinMaxScalar(img)
	return &Viewer{img: img, lo: lo, hi: hi}
}

// gray maps an intensity into the 16-bit range. Flat fields render
// black.
func (v *Viewer) gray(val float64) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	t := (val - v.lo) / (v.hi - v.lo)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return color.Gray16{Y: uint16(t * 65535)}
}

// Render draws the plane spanned by the first two axes, with every
// remaining axis fixed at its middle position.
func (v *Viewer) Render() image.Image {
	g := v.img.Grid
	d := g.Dim()
	idx := make([]int, d)
	for a := 2; a < d; a++ {
		idx[a] = g.Size[a] / 2
	}
	out := image.NewGray16(image.Rect(0, 0, g.Size[0], g.Size[1]))
	for y := 0; y < g.Size[1]; y++ {
		idx[1] = y
		for x := 0; x < g.Size[0]; x++ {
			idx[0] = x
			out.SetGray16(x, y, v.gray(v.img.Data[field.Offset(g.Size, idx)]))
		}
	}
	return out
}

// ExtractSlice renders the plane through the given position along one
// axis. The two lowest remaining axes span the output image; any
// further axes are fixed at their middle position. Needs a field of at
// least three dimensions.
func (v *Viewer) ExtractSlice(axis, position int) (image.Image, error) {
	g := v.img.Grid
	d := g.Dim()
	if d < 3 {
		return nil, fmt.Errorf("slice extraction needs a 3-D or 4-D field, have %d-D", d)
	}
	if axis < 0 || axis >= d {
		return nil, fmt.Errorf("invalid axis %d for a %d-D field", axis, d)
	}
	if position < 0 || position >= g.Size[axis] {
		return nil, fmt.Errorf("position %d exceeds extent %d of axis %d", position, g.Size[axis], axis)
	}
	var ax, ay = -1, -1
	for a := 0; a < d; a++ {
		if a == axis {
			continue
		}
		if ax < 0 {
			ax = a
		} else if ay < 0 {
			ay = a
		}
	}
	idx := make([]int, d)
	for a := 0; a < d; a++ {
		idx[a] = g.Size[a] / 2
	}
	idx[axis] = position
	out := image.NewGray16(image.Rect(0, 0, g.Size[ax], g.Size[ay]))
	for y := 0; y < g.Size[ay]; y++ {
		idx[ay] = y
		for x := 0; x < g.Size[ax]; x++ {
			idx[ax] = x
			out.SetGray16(x, y, v.gray(v.img.Data[field.Offset(g.Size, idx)]))
		}
	}
	return out, nil
}

// SaveSlice writes a rendered plane as a JPEG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SavePreview writes central-plane previews of the field. A 2-D field
// produces prefix.jpg; higher dimensions produce one image per axis.
func (v *Viewer) SavePreview(prefix string) error {
	g := v.img.Grid
	if g.Dim() == 2 {
		return v.SaveSlice(v.Render(), prefix+".jpg")
	}
	for a := 0; a < g.Dim(); a++ {
		img, err := v.ExtractSlice(a, g.Size[a]/2)
		if err != nil {
			return err
		}
		if err := v.SaveSlice(img, fmt.Sprintf("%s_ax%d.jpg", prefix, a)); err != nil {
			return err
		}
	}
	return nil
}
