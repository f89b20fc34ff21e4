package main

import (
	"testing"

	"greedyreg/internal/models"
)

func TestReadCommandRejectsOperand(t *testing.T) {
	cl := newCommandLine([]string{"fixed.nii"})
	if _, err := cl.readCommand(); err == nil {
		t.Error("bare operand accepted as an option")
	}
}

func TestReadIntVectorExpandsSingleValue(t *testing.T) {
	cl := newCommandLine([]string{"4"})
	v, err := cl.readIntVector("-m", 3)
	if err != nil {
		t.Fatalf("readIntVector failed: %v", err)
	}
	if len(v) != 3 || v[0] != 4 || v[1] != 4 || v[2] != 4 {
		t.Errorf("expanded vector is %v, want [4 4 4]", v)
	}
}

func TestReadIntVectorCrossSeparated(t *testing.T) {
	cl := newCommandLine([]string{"100x50x10"})
	v, err := cl.readIntVector("-n", 1)
	if err != nil {
		t.Fatalf("readIntVector failed: %v", err)
	}
	if len(v) != 3 || v[0] != 100 || v[1] != 50 || v[2] != 10 {
		t.Errorf("parsed vector is %v, want [100 50 10]", v)
	}
}

func TestReadTransformSpecWithExponent(t *testing.T) {
	cl := newCommandLine([]string{"affine.mat,-1"})
	spec, err := cl.readTransformSpec("-r")
	if err != nil {
		t.Fatalf("readTransformSpec failed: %v", err)
	}
	if spec.Filename != "affine.mat" || spec.Exponent != -1 {
		t.Errorf("parsed spec is %+v, want affine.mat with exponent -1", spec)
	}
}

func TestReadTransformSpecDefaultExponent(t *testing.T) {
	cl := newCommandLine([]string{"warp.nii.gz"})
	spec, err := cl.readTransformSpec("-r")
	if err != nil {
		t.Fatalf("readTransformSpec failed: %v", err)
	}
	if spec.Filename != "warp.nii.gz" || spec.Exponent != 1 {
		t.Errorf("parsed spec is %+v, want warp.nii.gz with exponent 1", spec)
	}
}

func TestReadTransformSpecRejectsBadExponent(t *testing.T) {
	cl := newCommandLine([]string{"affine.mat,2"})
	if _, err := cl.readTransformSpec("-r"); err == nil {
		t.Error("exponent 2 accepted")
	}
}

func TestReadScalarWithUnits(t *testing.T) {
	cl := newCommandLine([]string{"1.7vox", "2.5mm", "3"})
	vox, err := cl.readScalarWithUnits("-s")
	if err != nil {
		t.Fatalf("readScalarWithUnits failed: %v", err)
	}
	if vox.Sigma != 1.7 || vox.PhysicalUnits {
		t.Errorf("parsed %+v, want 1.7 voxel units", vox)
	}
	mm, err := cl.readScalarWithUnits("-s")
	if err != nil {
		t.Fatalf("readScalarWithUnits failed: %v", err)
	}
	if mm.Sigma != 2.5 || !mm.PhysicalUnits {
		t.Errorf("parsed %+v, want 2.5 physical units", mm)
	}
	bare, err := cl.readScalarWithUnits("-s")
	if err != nil {
		t.Fatalf("readScalarWithUnits failed: %v", err)
	}
	if bare.Sigma != 3 || bare.PhysicalUnits {
		t.Errorf("parsed %+v, want 3 voxel units", bare)
	}
}

func TestPeekOperandTreatsNegativeNumbersAsOperands(t *testing.T) {
	cl := newCommandLine([]string{"-0.5"})
	if !cl.peekOperand() {
		t.Error("negative number not treated as an operand")
	}
	cl = newCommandLine([]string{"-brute"})
	if cl.peekOperand() {
		t.Error("option treated as an operand")
	}
	cl = newCommandLine([]string{})
	if cl.peekOperand() {
		t.Error("end of arguments treated as an operand")
	}
}

// parseOnly runs the option loop the way run does, without dispatching
// a mode.
func parseOnly(t *testing.T, args []string) *models.RegistrationParams {
	t.Helper()
	p := models.DefaultParams()
	cl := newCommandLine(args)
	weight := 1.0
	for cl.more() {
		opt, err := cl.readCommand()
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		switch opt {
		case "-d":
			p.Dim, err = cl.readInt(opt)
		case "-w":
			weight, err = cl.readDouble(opt)
		case "-i":
			var pair models.ImagePairSpec
			if pair.Fixed, err = cl.readString(opt); err == nil {
				pair.Moving, err = cl.readString(opt)
			}
			pair.Weight = weight
			weight = 1.0
			p.Inputs = append(p.Inputs, pair)
		case "-n":
			p.Iterations, err = cl.readIntVector(opt, 1)
		case "-r":
			p.Mode = models.ModeReslice
			for cl.peekOperand() {
				var spec models.TransformSpec
				if spec, err = cl.readTransformSpec(opt); err != nil {
					break
				}
				p.ResliceTransforms = append(p.ResliceTransforms, spec)
			}
		default:
			t.Fatalf("unexpected option %s in test arguments", opt)
		}
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
	}
	return p
}

func TestWeightBindsToNextPairOnly(t *testing.T) {
	p := parseOnly(t, []string{
		"-w", "0.5", "-i", "f1.nii", "m1.nii",
		"-i", "f2.nii", "m2.nii",
	})
	if len(p.Inputs) != 2 {
		t.Fatalf("parsed %d pairs, want 2", len(p.Inputs))
	}
	if p.Inputs[0].Weight != 0.5 {
		t.Errorf("first pair weight is %g, want 0.5", p.Inputs[0].Weight)
	}
	if p.Inputs[1].Weight != 1.0 {
		t.Errorf("second pair weight is %g, want 1", p.Inputs[1].Weight)
	}
}

func TestResliceChainConsumesUntilNextOption(t *testing.T) {
	p := parseOnly(t, []string{
		"-r", "warp.nii.gz", "affine.mat,-1",
		"-n", "20x10",
	})
	if len(p.ResliceTransforms) != 2 {
		t.Fatalf("parsed %d chain entries, want 2", len(p.ResliceTransforms))
	}
	if p.ResliceTransforms[1].Exponent != -1 {
		t.Errorf("second entry exponent is %g, want -1", p.ResliceTransforms[1].Exponent)
	}
	if len(p.Iterations) != 2 || p.Iterations[0] != 20 {
		t.Errorf("iterations are %v, want [20 10]", p.Iterations)
	}
}

func TestRunRejectsUnknownOption(t *testing.T) {
	if err := run([]string{"-bogus"}); err == nil {
		t.Error("unknown option accepted")
	}
}

func TestRunRejectsBadDimension(t *testing.T) {
	if err := run([]string{"-d", "5", "-i", "f.nii", "m.nii", "-o", "w.nii"}); err == nil {
		t.Error("dimension 5 accepted")
	}
}
