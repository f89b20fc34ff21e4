package main

import (
	"fmt"

	"greedyreg/internal/models"
	"greedyreg/pkg/affine"
	"greedyreg/pkg/field"
	"greedyreg/pkg/geometry"
	"greedyreg/pkg/greedy"
	"greedyreg/pkg/kernels"
	"greedyreg/pkg/pyramid"
	"greedyreg/pkg/reslice"
	"greedyreg/pkg/visualization"
)

// inputs holds the loaded image stack shared by the solver modes.
type inputs struct {
	pyr     *pyramid.Pyramid
	fixGrid *geometry.Grid
	movGrid *geometry.Grid
}

// loadInputs reads every image pair, materializes the moving
// pre-transform chain once in the fixed space, and fills the pyramid
// builder.
func loadInputs(p *models.RegistrationParams, noiseMagnitude float64) (*inputs, error) {
	if len(p.Inputs) == 0 {
		return nil, fmt.Errorf("no image pairs given, use -i")
	}
	in := &inputs{pyr: pyramid.New()}
	if p.Metric == models.MetricNCC {
		in.pyr.NoiseMagnitude = noiseMagnitude
	}
	var preChain *field.Vector
	for i, pair := range p.Inputs {
		fixed, err := field.ReadComposite(pair.Fixed)
		if err != nil {
			return nil, fmt.Errorf("failed to read fixed image %s: %w", pair.Fixed, err)
		}
		moving, err := field.ReadComposite(pair.Moving)
		if err != nil {
			return nil, fmt.Errorf("failed to read moving image %s: %w", pair.Moving, err)
		}
		if i == 0 {
			in.fixGrid = fixed.Grid
			in.movGrid = moving.Grid
			if len(p.MovingPreTransforms) > 0 {
				if preChain, err = reslice.BuildChain(in.fixGrid, p.MovingPreTransforms); err != nil {
					return nil, err
				}
			}
		}
		if preChain != nil {
			if moving, err = reslice.Apply(moving, preChain, models.InterpSpec{Mode: models.InterpLinear}); err != nil {
				return nil, err
			}
			in.movGrid = moving.Grid
		}
		if err := in.pyr.AddImagePair(fixed, moving, pair.Weight); err != nil {
			return nil, err
		}
	}
	if p.GradientMask != "" {
		mask, err := field.ReadScalar(p.GradientMask)
		if err != nil {
			return nil, fmt.Errorf("failed to read gradient mask %s: %w", p.GradientMask, err)
		}
		in.pyr.SetGradientMask(mask)
	}
	return in, nil
}

// loadInitialTransform reads the -ia matrix file into full-resolution
// voxel space.
func loadInitialTransform(p *models.RegistrationParams, fix, mov *geometry.Grid) (*affine.LinearTransform, error) {
	if p.AffineInit == "" {
		return nil, nil
	}
	h, err := affine.ReadMatrixFile(p.AffineInit, p.Dim)
	if err != nil {
		return nil, err
	}
	q, off := affine.SplitHomogeneous(h)
	return affine.FromRAS(q, off, fix, mov)
}

func runGreedy(p *models.RegistrationParams, noiseMagnitude float64) error {
	in, err := loadInputs(p, noiseMagnitude)
	if err != nil {
		return err
	}
	levels, err := in.pyr.Build(len(p.Iterations))
	if err != nil {
		return err
	}
	init, err := loadInitialTransform(p, in.fixGrid, in.movGrid)
	if err != nil {
		return err
	}
	solver := &greedy.Solver{
		Params:           p,
		Levels:           levels,
		Weights:          in.pyr.Weights(),
		InitialTransform: init,
	}
	if p.DumpPrefix != "" {
		solver.Dump = func(name string, v *field.Vector) {
			fn := fmt.Sprintf("%s%s.nii.gz", p.DumpPrefix, name)
			if err := field.WriteVector(v, fn); err != nil {
				fmt.Printf("WARNING: failed to write dump %s: %v\n", fn, err)
			}
		}
	}
	u, err := solver.Run()
	if err != nil {
		return err
	}
	if p.DumpPrefix != "" {
		det := kernels.JacobianDeterminant(u)
		viewer := visualization.NewViewer(det)
		if err := viewer.SavePreview(p.DumpPrefix + "detjac"); err != nil {
			fmt.Printf("WARNING: failed to write determinant preview: %v\n", err)
		}
	}
	if p.Output != "" {
		phys := reslice.VoxelToPhysicalField(u)
		if err := reslice.WriteWarp(phys, p.Output, p.WarpPrecision); err != nil {
			return err
		}
	}
	if p.OutputInverse != "" {
		inv, _ := greedy.InvertField(u, p.InverseExponent)
		phys := reslice.VoxelToPhysicalField(inv)
		if err := reslice.WriteWarp(phys, p.OutputInverse, p.WarpPrecision); err != nil {
			return err
		}
	}
	return nil
}

func runAffine(p *models.RegistrationParams, noiseMagnitude float64) error {
	in, err := loadInputs(p, noiseMagnitude)
	if err != nil {
		return err
	}
	levels, err := in.pyr.Build(len(p.Iterations))
	if err != nil {
		return err
	}
	init, err := loadInitialTransform(p, in.fixGrid, in.movGrid)
	if err != nil {
		return err
	}
	solver := &affine.Solver{Params: p, Levels: levels, Weights: in.pyr.Weights()}
	result, err := solver.Run(init)
	if err != nil {
		return err
	}
	if p.Output == "" {
		return nil
	}
	q, off, err := result.ToRAS(in.fixGrid, in.movGrid)
	if err != nil {
		return err
	}
	return affine.WriteMatrixFile(affine.JoinHomogeneous(q, off), p.Output)
}

func runBrute(p *models.RegistrationParams) error {
	in, err := loadInputs(p, 0)
	if err != nil {
		return err
	}
	// The search runs at full resolution only.
	levels, err := in.pyr.Build(1)
	if err != nil {
		return err
	}
	lv := levels[0]
	u, err := greedy.BruteSearch(p, lv.Fixed, lv.Moving, in.pyr.Weights())
	if err != nil {
		return err
	}
	if p.Output == "" {
		return fmt.Errorf("brute force search needs an output warp, use -o")
	}
	phys := reslice.VoxelToPhysicalField(u)
	return reslice.WriteWarp(phys, p.Output, p.WarpPrecision)
}

func runReslice(p *models.RegistrationParams) error {
	if p.ResliceRef == "" {
		return fmt.Errorf("reslicing needs a reference image, use -rf")
	}
	ref, err := field.ReadComposite(p.ResliceRef)
	if err != nil {
		return fmt.Errorf("failed to read reference image %s: %w", p.ResliceRef, err)
	}
	chain, err := reslice.BuildChain(ref.Grid, p.ResliceTransforms)
	if err != nil {
		return err
	}
	for _, rs := range p.ResliceImages {
		img, err := field.ReadComposite(rs.Moving)
		if err != nil {
			return fmt.Errorf("failed to read image %s: %w", rs.Moving, err)
		}
		out, err := reslice.Apply(img, chain, rs.Interp)
		if err != nil {
			return err
		}
		if err := field.WriteComposite(out, rs.Output); err != nil {
			return err
		}
		fmt.Printf("resliced %s to %s\n", rs.Moving, rs.Output)
	}
	if p.ResliceOutComposed != "" {
		if err := reslice.WriteWarp(chain, p.ResliceOutComposed, p.WarpPrecision); err != nil {
			return err
		}
	}
	return nil
}
