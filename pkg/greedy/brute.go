package greedy

import (
	"fmt"

	"greedyreg/internal/models"
	"greedyreg/pkg/field"
	"greedyreg/pkg/metric"
)

// bruteInitScore seeds the per-voxel best score below any reachable
// correlation value.
const bruteInitScore = -100.0

// BruteSearch enumerates every integer offset in the search box and
// keeps, per voxel, the offset with the best windowed correlation.
// Returns the resulting displacement field in voxel units.
func BruteSearch(p *models.RegistrationParams, fixed, moving *field.Composite, weights []float64) (*field.Vector, error) {
	if p.Metric != models.MetricNCC {
		return nil, fmt.Errorf("brute force search supports the NCC metric only")
	}
	g := fixed.Grid
	d := g.Dim()
	if len(p.BruteRadius) != d {
		return nil, fmt.Errorf("brute force radius has %d entries, expected %d", len(p.BruteRadius), d)
	}
	dense := &metric.Dense{
		Fixed:   fixed,
		Moving:  moving,
		Weights: weights,
		Kind:    models.MetricNCC,
		Radius:  p.MetricRadius,
	}

	n := g.NumVoxels()
	best := make([]float64, n)
	for i := range best {
		best[i] = bruteInitScore
	}
	out := field.NewVector(g)
	u := field.NewVector(g)

	offset := make([]int, d)
	for a := 0; a < d; a++ {
		offset[a] = -p.BruteRadius[a]
	}
	total := 1
	for a := 0; a < d; a++ {
		total *= 2*p.BruteRadius[a] + 1
	}
	for k := 0; k < total; k++ {
		for off := 0; off < n; off++ {
			uv := u.Vec(off)
			for a := 0; a < d; a++ {
				uv[a] = float64(offset[a])
			}
		}
		score, err := dense.ValueMapNCC(u)
		if err != nil {
			return nil, err
		}
		for off := 0; off < n; off++ {
			if score.Data[off] > best[off] {
				best[off] = score.Data[off]
				ov := out.Vec(off)
				for a := 0; a < d; a++ {
					ov[a] = float64(offset[a])
				}
			}
		}
		// Advance the offset counter, axis 0 fastest.
		for a := 0; a < d; a++ {
			offset[a]++
			if offset[a] <= p.BruteRadius[a] {
				break
			}
			offset[a] = -p.BruteRadius[a]
		}
	}
	return out, nil
}
