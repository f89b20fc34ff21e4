package metric

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"greedyreg/pkg/field"
	"greedyreg/pkg/kernels"
)

// defaultBins is the histogram resolution when none is configured.
const defaultBins = 32

// parzenBin maps an intensity to its lower histogram bin and the
// fractional weight carried by the upper neighbor.
func parzenBin(v, lo, invWidth float64, bins int) (int, float64) {
	t := (v - lo) * invWidth
	if t < 0 {
		t = 0
	}
	if t > float64(bins-1) {
		t = float64(bins - 1)
	}
	j := int(t)
	if j > bins-2 {
		j = bins - 2
	}
	return j, t - float64(j)
}

// evaluateMI computes the negated mutual information of the joint
// intensity distribution, estimated with a tent Parzen window on a
// bins-by-bins histogram. Per-worker histograms are merged in worker
// order before normalization.
func (d *Dense) evaluateMI(u *field.Vector, grad *field.Vector) (float64, error) {
	g := d.Fixed.Grid
	dim := g.Dim()
	k := d.Fixed.Components
	n := g.NumVoxels()
	bins := d.Bins
	if bins <= 0 {
		bins = defaultBins
	}

	warped := make([]float64, n*k)
	warpGrad := make([]float64, n*k*dim)
	inside := make([]bool, n)
	kernels.ParallelFor(n, func(lo, hi, worker int) {
		idx := make([]int, dim)
		pt := make([]float64, dim)
		for off := lo; off < hi; off++ {
			field.Unravel(g.Size, off, idx)
			uv := u.Vec(off)
			for a := 0; a < dim; a++ {
				pt[a] = float64(idx[a]) + uv[a]
			}
			inside[off] = kernels.SampleCompositeGrad(d.Moving, pt, warped[off*k:off*k+k], warpGrad[off*k*dim:(off+1)*k*dim])
		}
	})

	if grad != nil {
		grad.Fill(0)
	}

	total := 0.0
	for c := 0; c < k; c++ {
		fLo, fHi := math.Inf(1), math.Inf(-1)
		wLo, wHi := math.Inf(1), math.Inf(-1)
		count := 0
		for off := 0; off < n; off++ {
			if !inside[off] {
				continue
			}
			count++
			f := d.Fixed.Data[off*k+c]
			w := warped[off*k+c]
			if f < fLo {
				fLo = f
			}
			if f > fHi {
				fHi = f
			}
			if w < wLo {
				wLo = w
			}
			if w > wHi {
				wHi = w
			}
		}
		if count == 0 || fHi <= fLo || wHi <= wLo {
			continue
		}
		fInv := float64(bins-1) / (fHi - fLo)
		wInv := float64(bins-1) / (wHi - wLo)

		hists := make([][]float64, kernels.Workers())
		kernels.ParallelFor(n, func(lo, hi, worker int) {
			h := make([]float64, bins*bins)
			for off := lo; off < hi; off++ {
				if !inside[off] {
					continue
				}
				jf, ff := parzenBin(d.Fixed.Data[off*k+c], fLo, fInv, bins)
				jw, fw := parzenBin(warped[off*k+c], wLo, wInv, bins)
				h[jf*bins+jw] += (1 - ff) * (1 - fw)
				h[jf*bins+jw+1] += (1 - ff) * fw
				h[(jf+1)*bins+jw] += ff * (1 - fw)
				h[(jf+1)*bins+jw+1] += ff * fw
			}
			hists[worker] = h
		})
		joint := make([]float64, bins*bins)
		for _, h := range hists {
			if h == nil {
				continue
			}
			for i, v := range h {
				joint[i] += v
			}
		}
		norm := 1.0 / float64(count)
		for i := range joint {
			joint[i] *= norm
		}
		margF := make([]float64, bins)
		margW := make([]float64, bins)
		for jf := 0; jf < bins; jf++ {
			for jw := 0; jw < bins; jw++ {
				p := joint[jf*bins+jw]
				margF[jf] += p
				margW[jw] += p
			}
		}
		mi := stat.Entropy(margF) + stat.Entropy(margW) - stat.Entropy(joint)
		total -= d.Weights[c] * mi

		if grad == nil {
			continue
		}
		// L holds log(P_fw / P_w); the fixed marginal does not depend
		// on the displacement and drops out of the derivative.
		ell := make([]float64, bins*bins)
		for jf := 0; jf < bins; jf++ {
			for jw := 0; jw < bins; jw++ {
				p := joint[jf*bins+jw]
				if p > 0 && margW[jw] > 0 {
					ell[jf*bins+jw] = math.Log(p / margW[jw])
				}
			}
		}
		scale := d.Weights[c] * norm * wInv
		kernels.ParallelFor(n, func(lo, hi, worker int) {
			for off := lo; off < hi; off++ {
				if !inside[off] {
					continue
				}
				jf, ff := parzenBin(d.Fixed.Data[off*k+c], fLo, fInv, bins)
				jw, _ := parzenBin(warped[off*k+c], wLo, wInv, bins)
				dmi := (1 - ff) * (ell[jf*bins+jw+1] - ell[jf*bins+jw])
				dmi += ff * (ell[(jf+1)*bins+jw+1] - ell[(jf+1)*bins+jw])
				// metric is -MI, so the gradient flips sign.
				dw := -scale * dmi
				gv := grad.Vec(off)
				for ax := 0; ax < dim; ax++ {
					gv[ax] += dw * warpGrad[(off*k+c)*dim+ax]
				}
			}
		})
	}
	return total, nil
}
