package metric

import (
	"fmt"

	"greedyreg/pkg/field"
	"greedyreg/pkg/kernels"
)

// varianceFloor guards the correlation denominator against flat
// windows.
const varianceFloor = 1e-12

// boxSumAxis replaces each sample with the sum over the window
// [-radius, radius] along one axis, truncated at the borders. Lines are
// processed with running prefix sums and partitioned across workers.
func boxSumAxis(data []float64, size []int, axis, radius int) {
	extent := size[axis]
	stride := 1
	for a := 0; a < axis; a++ {
		stride *= size[a]
	}
	outer := 1
	for a := axis + 1; a < len(size); a++ {
		outer *= size[a]
	}
	lines := stride * outer
	outerStride := stride * extent
	kernels.ParallelFor(lines, func(lo, hi, worker int) {
		prefix := make([]float64, extent+1)
		for l := lo; l < hi; l++ {
			base := (l/stride)*outerStride + l%stride
			for i := 0; i < extent; i++ {
				prefix[i+1] = prefix[i] + data[base+i*stride]
			}
			for i := 0; i < extent; i++ {
				a := i - radius
				if a < 0 {
					a = 0
				}
				b := i + radius
				if b >= extent {
					b = extent - 1
				}
				data[base+i*stride] = prefix[b+1] - prefix[a]
			}
		}
	})
}

// boxSum applies boxSumAxis along every axis, turning point samples
// into window sums over the full box neighborhood.
func boxSum(data []float64, size []int, radius []int) {
	for a := range size {
		boxSumAxis(data, size, a, radius[a])
	}
}

// ValueMapNCC returns the per-voxel windowed correlation score of the
// displacement u, summed over channels with the metric weights. Higher
// is better; voxels with flat windows or outside samples score zero.
func (d *Dense) ValueMapNCC(u *field.Vector) (*field.Scalar, error) {
	g := d.Fixed.Grid
	dim := g.Dim()
	if len(d.Radius) != dim {
		return nil, fmt.Errorf("NCC radius has %d entries, expected %d", len(d.Radius), dim)
	}
	k := d.Fixed.Components
	n := g.NumVoxels()

	warped := make([]float64, n*k)
	inside := make([]float64, n)
	kernels.ParallelFor(n, func(lo, hi, worker int) {
		idx := make([]int, dim)
		pt := make([]float64, dim)
		for off := lo; off < hi; off++ {
			field.Unravel(g.Size, off, idx)
			uv := u.Vec(off)
			for a := 0; a < dim; a++ {
				pt[a] = float64(idx[a]) + uv[a]
			}
			if kernels.SampleCompositeLinear(d.Moving, pt, warped[off*k:off*k+k]) {
				inside[off] = 1
			}
		}
	})
	count := append([]float64(nil), inside...)
	boxSum(count, g.Size, d.Radius)

	out := field.NewScalar(g)
	sf := make([]float64, n)
	sw := make([]float64, n)
	sff := make([]float64, n)
	sww := make([]float64, n)
	sfw := make([]float64, n)
	for c := 0; c < k; c++ {
		for off := 0; off < n; off++ {
			f := d.Fixed.Data[off*k+c] * inside[off]
			w := warped[off*k+c] * inside[off]
			sf[off], sw[off] = f, w
			sff[off], sww[off], sfw[off] = f*f, w*w, f*w
		}
		boxSum(sf, g.Size, d.Radius)
		boxSum(sw, g.Size, d.Radius)
		boxSum(sff, g.Size, d.Radius)
		boxSum(sww, g.Size, d.Radius)
		boxSum(sfw, g.Size, d.Radius)
		kernels.ParallelFor(n, func(lo, hi, worker int) {
			for off := lo; off < hi; off++ {
				m := count[off]
				if inside[off] == 0 || m < 2 {
					continue
				}
				fbar := sf[off] / m
				wbar := sw[off] / m
				a := sfw[off] - m*fbar*wbar
				b := sff[off] - m*fbar*fbar
				cc := sww[off] - m*wbar*wbar
				if b*cc < varianceFloor {
					continue
				}
				out.Data[off] += d.Weights[c] * a * a / (b * cc)
			}
		})
	}
	return out, nil
}

// evaluateNCC computes the windowed normalized cross-correlation
// metric. The per-voxel value is the negated squared correlation of
// the window, so perfectly correlated images score -1 per voxel and
// channel; the gradient distributes each window's contribution back to
// the center samples it covers.
func (d *Dense) evaluateNCC(u *field.Vector, grad *field.Vector) (float64, error) {
	g := d.Fixed.Grid
	dim := g.Dim()
	if len(d.Radius) != dim {
		return 0, fmt.Errorf("NCC radius has %d entries, expected %d", len(d.Radius), dim)
	}
	k := d.Fixed.Components
	n := g.NumVoxels()

	warped := make([]float64, n*k)
	warpGrad := make([]float64, n*k*dim)
	inside := make([]float64, n)
	kernels.ParallelFor(n, func(lo, hi, worker int) {
		idx := make([]int, dim)
		pt := make([]float64, dim)
		for off := lo; off < hi; off++ {
			field.Unravel(g.Size, off, idx)
			uv := u.Vec(off)
			for a := 0; a < dim; a++ {
				pt[a] = float64(idx[a]) + uv[a]
			}
			if kernels.SampleCompositeGrad(d.Moving, pt, warped[off*k:off*k+k], warpGrad[off*k*dim:(off+1)*k*dim]) {
				inside[off] = 1
			}
		}
	})

	count := append([]float64(nil), inside...)
	boxSum(count, g.Size, d.Radius)

	if grad != nil {
		grad.Fill(0)
	}

	total := 0.0
	sf := make([]float64, n)
	sw := make([]float64, n)
	sff := make([]float64, n)
	sww := make([]float64, n)
	sfw := make([]float64, n)
	t1 := make([]float64, n)
	t2 := make([]float64, n)
	t3 := make([]float64, n)
	t4 := make([]float64, n)
	for c := 0; c < k; c++ {
		for off := 0; off < n; off++ {
			f := d.Fixed.Data[off*k+c] * inside[off]
			w := warped[off*k+c] * inside[off]
			sf[off], sw[off] = f, w
			sff[off], sww[off], sfw[off] = f*f, w*w, f*w
		}
		boxSum(sf, g.Size, d.Radius)
		boxSum(sw, g.Size, d.Radius)
		boxSum(sff, g.Size, d.Radius)
		boxSum(sww, g.Size, d.Radius)
		boxSum(sfw, g.Size, d.Radius)

		partial := make([]float64, kernels.Workers())
		kernels.ParallelFor(n, func(lo, hi, worker int) {
			sum := 0.0
			for off := lo; off < hi; off++ {
				t1[off], t2[off], t3[off], t4[off] = 0, 0, 0, 0
				m := count[off]
				if inside[off] == 0 || m < 2 {
					continue
				}
				fbar := sf[off] / m
				wbar := sw[off] / m
				a := sfw[off] - m*fbar*wbar
				b := sff[off] - m*fbar*fbar
				cc := sww[off] - m*wbar*wbar
				if b*cc < varianceFloor {
					continue
				}
				sum -= d.Weights[c] * a * a / (b * cc)
				c1 := 2 * a / (b * cc)
				c2 := -2 * a * a / (b * cc * cc)
				t1[off] = c1
				t2[off] = c1 * fbar
				t3[off] = c2
				t4[off] = c2 * wbar
			}
			partial[worker] = sum
		})
		for _, p := range partial {
			total += p
		}

		if grad == nil {
			continue
		}
		boxSum(t1, g.Size, d.Radius)
		boxSum(t2, g.Size, d.Radius)
		boxSum(t3, g.Size, d.Radius)
		boxSum(t4, g.Size, d.Radius)
		kernels.ParallelFor(n, func(lo, hi, worker int) {
			for off := lo; off < hi; off++ {
				if inside[off] == 0 {
					continue
				}
				f := d.Fixed.Data[off*k+c]
				w := warped[off*k+c]
				dw := -d.Weights[c] * (f*t1[off] - t2[off] + w*t3[off] - t4[off])
				gv := grad.Vec(off)
				for ax := 0; ax < dim; ax++ {
					gv[ax] += dw * warpGrad[(off*k+c)*dim+ax]
				}
			}
		})
	}
	return total, nil
}
