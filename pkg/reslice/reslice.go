package reslice

import (
	"fmt"
	"sort"

	"greedyreg/internal/models"
	"greedyreg/pkg/field"
	"greedyreg/pkg/kernels"
	"greedyreg/pkg/pyramid"
)

// maxLabels bounds the label-voting reslicer.
const maxLabels = 1000

// Apply resamples a moving image onto the reference grid through a
// composed physical chain. The chain maps reference voxels to physical
// points in the moving image's space. Chain points that land outside
// the moving image replicate its edge values.
func Apply(img *field.Composite, chain *field.Vector, interp models.InterpSpec) (*field.Composite, error) {
	switch interp.Mode {
	case models.InterpLinear, models.InterpNearest:
		return kernels.WarpCompositePhysical(img, chain, interp.Mode == models.InterpNearest), nil
	case models.InterpLabelwise:
		if img.Components != 1 {
			return nil, fmt.Errorf("label reslicing needs a single-component image, have %d components", img.Components)
		}
		label := &field.Scalar{Grid: img.Grid, Data: img.Data}
		out, err := applyLabelwise(label, chain, interp.Smoothing)
		if err != nil {
			return nil, err
		}
		return &field.Composite{Grid: out.Grid, Components: 1, Data: out.Data}, nil
	}
	return nil, fmt.Errorf("unknown interpolation mode %d", interp.Mode)
}

// applyLabelwise reslices a discrete label image: each label's
// indicator is smoothed, warped, and the output voxel takes the label
// with the strongest vote. Ties keep the label encountered first.
func applyLabelwise(img *field.Scalar, chain *field.Vector, smoothing models.SmoothingSpec) (*field.Scalar, error) {
	labels := uniqueLabels(img)
	if len(labels) > maxLabels {
		return nil, fmt.Errorf("label image has %d distinct labels, limit is %d", len(labels), maxLabels)
	}
	sigmas := pyramid.SigmasInVoxels(img.Grid, smoothing)

	ref := chain.Grid
	out := field.NewScalar(ref)
	bestVote := field.NewScalar(ref)
	bestVote.Fill(-1)
	indicator := field.NewScalar(img.Grid)
	for _, label := range labels {
		for i, v := range img.Data {
			if v == label {
				indicator.Data[i] = 1
			} else {
				indicator.Data[i] = 0
			}
		}
		kernels.SmoothScalar(indicator, sigmas)
		voted := kernels.WarpScalarPhysical(indicator, chain)
		for off := range voted.Data {
			if voted.Data[off] > bestVote.Data[off] {
				bestVote.Data[off] = voted.Data[off]
				out.Data[off] = label
			}
		}
	}
	return out, nil
}

// uniqueLabels scans a label image in order, skipping runs of the same
// value, and returns the sorted distinct labels.
func uniqueLabels(img *field.Scalar) []float64 {
	seen := make(map[float64]struct{})
	prev := img.Data[0] + 1
	for _, v := range img.Data {
		// Runs of equal neighbors dominate label images; comparing
		// against the previous sample skips the map lookup for them.
		if v == prev {
			continue
		}
		seen[v] = struct{}{}
		prev = v
	}
	labels := make([]float64, 0, len(seen))
	for v := range seen {
		labels = append(labels, v)
	}
	sort.Float64s(labels)
	return labels
}
