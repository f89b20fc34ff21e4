package main

import (
	"fmt"
	"os"
	"strings"

	"greedyreg/internal/models"
	"greedyreg/pkg/config"
	"greedyreg/pkg/kernels"
)

const usage = `greedyreg: greedy diffeomorphic and affine image registration

Modes (default deformable):
  -a                       affine registration
  -brute RADIUS            exhaustive integer-offset search
  -r TRANSFORMS...         reslice images through a transform chain

Common options:
  -d DIM                   image dimensionality (2, 3 or 4; default 2)
  -i FIXED MOVING          add an image pair (repeatable)
  -w WEIGHT                weight of the next image pair
  -m SSD|NCC RxRxR|MI      metric (default SSD)
  -n NxNxN                 iterations per level, coarsest first (default 100x100)
  -e EPS                   step length (default 1.0)
  -s SIGMA1 SIGMA2         pre/post smoothing, e.g. 1.7vox or 2.5mm
  -tscale CONST|SCALE|SCALEDOWN
  -gm MASK                 gradient mask in the fixed space
  -it TRANSFORM            moving-image pre-transform (repeatable)
  -o FILE                  output warp or matrix
  -oinv FILE               also write the inverse warp
  -invexp N                inverse square-root depth (default 2)
  -wp PRECISION            warp quantization step (default 0.1)
  -threads N               worker count (default all cores)
  -config FILE             YAML configuration file
  -V                       verbose progress output

Affine options:
  -ia FILE                 initial transform
  -ia-identity             jittered identity initialization
  -jitter AMOUNT           jitter amplitude (default 0.4)
  -dof 6|12                rigid or full affine
  -simplex                 derivative-free optimizer
  -dc                      check analytic derivatives
  -deriv-eps EPS           derivative check step (default 1e-4)

Reslice options:
  -rf FILE                 reference image
  -rm MOVING OUTPUT        image to reslice (repeatable)
  -ri NN|LINEAR|LABEL SIGMA   interpolation for following -rm
  -rc FILE                 write the composed chain warp

Dump options:
  -dump PREFIX             write per-iteration snapshots and a determinant preview
  -dump-freq N             snapshot stride (default 1)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ABORTING: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Print(usage)
		return fmt.Errorf("no arguments given")
	}

	p := models.DefaultParams()
	cfg := config.DefaultConfig()
	cl := newCommandLine(args)
	weight := 1.0
	configApplied := false
	noiseMagnitude := cfg.Pyramid.NoiseMagnitude

	for cl.more() {
		opt, err := cl.readCommand()
		if err != nil {
			return err
		}
		switch opt {
		case "-h", "-help", "--help":
			fmt.Print(usage)
			return nil
		case "-d":
			if p.Dim, err = cl.readInt(opt); err != nil {
				return err
			}
		case "-a":
			p.Mode = models.ModeAffine
		case "-brute":
			p.Mode = models.ModeBrute
			if p.BruteRadius, err = cl.readIntVector(opt, p.Dim); err != nil {
				return err
			}
		case "-r":
			p.Mode = models.ModeReslice
			for cl.peekOperand() {
				spec, err := cl.readTransformSpec(opt)
				if err != nil {
					return err
				}
				p.ResliceTransforms = append(p.ResliceTransforms, spec)
			}
		case "-i":
			var pair models.ImagePairSpec
			if pair.Fixed, err = cl.readString(opt); err != nil {
				return err
			}
			if pair.Moving, err = cl.readString(opt); err != nil {
				return err
			}
			pair.Weight = weight
			weight = 1.0
			p.Inputs = append(p.Inputs, pair)
		case "-w":
			if weight, err = cl.readDouble(opt); err != nil {
				return err
			}
		case "-m":
			name, err := cl.readString(opt)
			if err != nil {
				return err
			}
			switch strings.ToUpper(name) {
			case "SSD":
				p.Metric = models.MetricSSD
			case "NCC":
				p.Metric = models.MetricNCC
				if p.MetricRadius, err = cl.readIntVector(opt, p.Dim); err != nil {
					return err
				}
			case "MI", "NMI":
				p.Metric = models.MetricMI
			default:
				return fmt.Errorf("unknown metric %q", name)
			}
		case "-n":
			if p.Iterations, err = cl.readIntVector(opt, 1); err != nil {
				return err
			}
		case "-e":
			if p.Epsilon, err = cl.readDouble(opt); err != nil {
				return err
			}
		case "-s":
			if p.SigmaPre, err = cl.readScalarWithUnits(opt); err != nil {
				return err
			}
			if p.SigmaPost, err = cl.readScalarWithUnits(opt); err != nil {
				return err
			}
		case "-tscale":
			name, err := cl.readString(opt)
			if err != nil {
				return err
			}
			switch strings.ToUpper(name) {
			case "CONST":
				p.TimeStep = models.TimeStepConst
			case "SCALE":
				p.TimeStep = models.TimeStepScale
			case "SCALEDOWN":
				p.TimeStep = models.TimeStepScaleDown
			default:
				return fmt.Errorf("unknown time step mode %q", name)
			}
		case "-gm":
			if p.GradientMask, err = cl.readString(opt); err != nil {
				return err
			}
		case "-it":
			spec, err := cl.readTransformSpec(opt)
			if err != nil {
				return err
			}
			p.MovingPreTransforms = append(p.MovingPreTransforms, spec)
		case "-o":
			if p.Output, err = cl.readString(opt); err != nil {
				return err
			}
		case "-oinv":
			if p.OutputInverse, err = cl.readString(opt); err != nil {
				return err
			}
		case "-invexp":
			if p.InverseExponent, err = cl.readInt(opt); err != nil {
				return err
			}
		case "-wp":
			if p.WarpPrecision, err = cl.readDouble(opt); err != nil {
				return err
			}
		case "-ia":
			if p.AffineInit, err = cl.readString(opt); err != nil {
				return err
			}
		case "-ia-identity":
			p.AffineInitIdentity = true
		case "-jitter":
			if p.AffineJitter, err = cl.readDouble(opt); err != nil {
				return err
			}
		case "-dof":
			dof, err := cl.readInt(opt)
			if err != nil {
				return err
			}
			switch dof {
			case 6:
				p.AffineDOF = models.DOFRigid
			case 12:
				p.AffineDOF = models.DOFAffine
			default:
				return fmt.Errorf("unsupported degrees of freedom %d, use 6 or 12", dof)
			}
		case "-simplex":
			p.DerivativeFree = true
		case "-dc":
			p.DerivativeCheck = true
		case "-deriv-eps":
			if p.DerivativeEpsilon, err = cl.readDouble(opt); err != nil {
				return err
			}
		case "-rf":
			if p.ResliceRef, err = cl.readString(opt); err != nil {
				return err
			}
		case "-rm":
			var rs models.ResliceSpec
			if rs.Moving, err = cl.readString(opt); err != nil {
				return err
			}
			if rs.Output, err = cl.readString(opt); err != nil {
				return err
			}
			rs.Interp = p.ResliceInterp
			p.ResliceImages = append(p.ResliceImages, rs)
		case "-ri":
			name, err := cl.readString(opt)
			if err != nil {
				return err
			}
			switch strings.ToUpper(name) {
			case "NN":
				p.ResliceInterp = models.InterpSpec{Mode: models.InterpNearest}
			case "LINEAR":
				p.ResliceInterp = models.InterpSpec{Mode: models.InterpLinear}
			case "LABEL":
				sm, err := cl.readScalarWithUnits(opt)
				if err != nil {
					return err
				}
				p.ResliceInterp = models.InterpSpec{Mode: models.InterpLabelwise, Smoothing: sm}
			default:
				return fmt.Errorf("unknown interpolation mode %q", name)
			}
		case "-rc":
			if p.ResliceOutComposed, err = cl.readString(opt); err != nil {
				return err
			}
		case "-dump":
			if p.DumpPrefix, err = cl.readString(opt); err != nil {
				return err
			}
		case "-dump-freq":
			if p.DumpFrequency, err = cl.readInt(opt); err != nil {
				return err
			}
		case "-threads":
			if p.Threads, err = cl.readInt(opt); err != nil {
				return err
			}
		case "-config":
			path, err := cl.readString(opt)
			if err != nil {
				return err
			}
			if cfg, err = config.LoadConfig(path); err != nil {
				return err
			}
			configApplied = true
			noiseMagnitude = cfg.Pyramid.NoiseMagnitude
		case "-V":
			p.Verbose = true
		default:
			return fmt.Errorf("unknown option %s", opt)
		}
	}

	if configApplied {
		applyConfig(p, cfg)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Threads > 0 {
		kernels.SetWorkers(p.Threads)
	} else if cfg.Processing.NumCores > 0 {
		kernels.SetWorkers(cfg.Processing.NumCores)
	}

	switch p.Mode {
	case models.ModeGreedy:
		return runGreedy(p, noiseMagnitude)
	case models.ModeAffine:
		return runAffine(p, noiseMagnitude)
	case models.ModeBrute:
		return runBrute(p)
	case models.ModeReslice:
		return runReslice(p)
	}
	return fmt.Errorf("no operation selected")
}

// applyConfig fills parameters the command line left at their default
// from the loaded configuration.
func applyConfig(p *models.RegistrationParams, cfg *config.Config) {
	def := models.DefaultParams()
	if p.Epsilon == def.Epsilon {
		p.Epsilon = cfg.Processing.Epsilon
	}
	if p.SigmaPre == def.SigmaPre {
		p.SigmaPre.Sigma = cfg.Processing.SigmaPre
	}
	if p.SigmaPost == def.SigmaPost {
		p.SigmaPost.Sigma = cfg.Processing.SigmaPost
	}
	if p.WarpPrecision == def.WarpPrecision {
		p.WarpPrecision = cfg.Output.WarpPrecision
	}
	if cfg.Output.Verbose {
		p.Verbose = true
	}
}
