package kernels

import (
	"math"

	"greedyreg/pkg/field"
)

// gaussianKernel builds a truncated, normalized Gaussian of the given
// standard deviation in voxel units. The radius covers three sigma.
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(3.0 * sigma))
	if radius < 1 {
		radius = 1
	}
	k := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2.0 * sigma * sigma))
		k[i+radius] = v
		sum += v
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// smoothAxis applies one separable pass along the given axis. Samples
// whose kernel support crosses the image border are renormalized over
// the in-bounds taps, so constant images stay constant at the edge.
func smoothAxis(data []float64, size []int, comps int, axis int, kernel []float64) {
	n := 1
	for _, s := range size {
		n *= s
	}
	stride := comps
	for a := 0; a < axis; a++ {
		stride *= size[a]
	}
	radius := len(kernel) / 2
	extent := size[axis]

	out := make([]float64, len(data))
	index := make([][]int, Workers())
	ParallelFor(n, func(lo, hi, worker int) {
		if index[worker] == nil {
			index[worker] = make([]int, len(size))
		}
		idx := index[worker]
		for off := lo; off < hi; off++ {
			field.Unravel(size, off, idx)
			pos := idx[axis]
			base := off * comps
			for c := 0; c < comps; c++ {
				acc, wsum := 0.0, 0.0
				for t := -radius; t <= radius; t++ {
					p := pos + t
					if p < 0 || p >= extent {
						continue
					}
					w := kernel[t+radius]
					acc += w * data[base+c+t*stride]
					wsum += w
				}
				out[base+c] = acc / wsum
			}
		}
	})
	copy(data, out)
}

// SmoothScalar smooths a scalar image in place with a separable
// Gaussian. Sigmas are voxel units per axis; non-positive entries skip
// that axis.
func SmoothScalar(img *field.Scalar, sigmas []float64) {
	for a := 0; a < img.Grid.Dim(); a++ {
		if sigmas[a] <= 0 {
			continue
		}
		smoothAxis(img.Data, img.Grid.Size, 1, a, gaussianKernel(sigmas[a]))
	}
}

// SmoothVector smooths every component of a displacement field in
// place, same border handling as SmoothScalar.
func SmoothVector(v *field.Vector, sigmas []float64) {
	for a := 0; a < v.Grid.Dim(); a++ {
		if sigmas[a] <= 0 {
			continue
		}
		smoothAxis(v.Data, v.Grid.Size, v.Grid.Dim(), a, gaussianKernel(sigmas[a]))
	}
}

// IsotropicSigmas expands a single sigma to one entry per axis.
func IsotropicSigmas(dim int, sigma float64) []float64 {
	s := make([]float64, dim)
	for i := range s {
		s[i] = sigma
	}
	return s
}
