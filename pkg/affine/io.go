package affine

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// itkHeader starts every ITK transform text file.
const itkHeader = "#Insight Transform File"

// ReadMatrixFile loads a physical-space transform as a homogeneous
// (dim+1)x(dim+1) matrix in the RAS convention. Both the ITK transform
// text format and a plain whitespace matrix are accepted.
func ReadMatrixFile(filename string, dim int) (*mat.Dense, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read transform file: %w", err)
	}
	text := string(raw)
	if strings.HasPrefix(strings.TrimSpace(text), itkHeader) {
		return parseITKTransform(text, dim, filename)
	}
	return parsePlainMatrix(text, dim, filename)
}

// parsePlainMatrix reads (dim+1)^2 whitespace-separated numbers, row
// major.
func parsePlainMatrix(text string, dim int, filename string) (*mat.Dense, error) {
	fields := strings.Fields(text)
	want := (dim + 1) * (dim + 1)
	if len(fields) != want {
		return nil, fmt.Errorf("transform file %s has %d values, expected %d", filename, len(fields), want)
	}
	vals := make([]float64, want)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("transform file %s: bad value %q: %w", filename, f, err)
		}
		vals[i] = v
	}
	return mat.NewDense(dim+1, dim+1, vals), nil
}

// parseITKTransform reads the Parameters/FixedParameters lines of an
// ITK MatrixOffsetTransformBase file. ITK matrices live in the LPS
// convention, so 3-D transforms get the RAS sign flips applied to the
// cross terms and translations of the first two axes.
func parseITKTransform(text string, dim int, filename string) (*mat.Dense, error) {
	var params, center []float64
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "Parameters:"):
			params = parseFloats(strings.TrimPrefix(line, "Parameters:"))
		case strings.HasPrefix(line, "FixedParameters:"):
			center = parseFloats(strings.TrimPrefix(line, "FixedParameters:"))
		}
	}
	if len(params) != dim*dim+dim {
		return nil, fmt.Errorf("transform file %s has %d parameters, expected %d", filename, len(params), dim*dim+dim)
	}
	if len(center) != dim {
		return nil, fmt.Errorf("transform file %s has %d fixed parameters, expected %d", filename, len(center), dim)
	}

	h := mat.NewDense(dim+1, dim+1, nil)
	h.Set(dim, dim, 1.0)
	for r := 0; r < dim; r++ {
		for c := 0; c < dim; c++ {
			h.Set(r, c, params[r*dim+c])
		}
	}
	// Center-of-rotation form: offset = t + c - M*c.
	for r := 0; r < dim; r++ {
		off := params[dim*dim+r] + center[r]
		for c := 0; c < dim; c++ {
			off -= h.At(r, c) * center[c]
		}
		h.Set(r, dim, off)
	}
	if dim == 3 {
		for _, rc := range [][2]int{{2, 0}, {2, 1}, {0, 2}, {1, 2}, {0, 3}, {1, 3}} {
			h.Set(rc[0], rc[1], -h.At(rc[0], rc[1]))
		}
	}
	return h, nil
}

func parseFloats(s string) []float64 {
	fields := strings.Fields(s)
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil
		}
		out = append(out, v)
	}
	return out
}

// WriteMatrixFile stores a homogeneous RAS matrix as plain text, one
// row per line.
func WriteMatrixFile(h *mat.Dense, filename string) error {
	r, c := h.Dims()
	var sb strings.Builder
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if j > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%.10g", h.At(i, j))
		}
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(filename, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write transform file: %w", err)
	}
	return nil
}

// SplitHomogeneous separates a homogeneous matrix into its linear part
// and translation.
func SplitHomogeneous(h *mat.Dense) (*mat.Dense, []float64) {
	n, _ := h.Dims()
	d := n - 1
	q := mat.NewDense(d, d, nil)
	p := make([]float64, d)
	for r := 0; r < d; r++ {
		p[r] = h.At(r, d)
		for c := 0; c < d; c++ {
			q.Set(r, c, h.At(r, c))
		}
	}
	return q, p
}

// JoinHomogeneous packs a linear part and translation into a
// homogeneous matrix.
func JoinHomogeneous(q *mat.Dense, p []float64) *mat.Dense {
	d := len(p)
	h := mat.NewDense(d+1, d+1, nil)
	h.Set(d, d, 1.0)
	for r := 0; r < d; r++ {
		h.Set(r, d, p[r])
		for c := 0; c < d; c++ {
			h.Set(r, c, q.At(r, c))
		}
	}
	return h
}

// InvertHomogeneous returns the inverse of a homogeneous transform
// matrix.
func InvertHomogeneous(h *mat.Dense) (*mat.Dense, error) {
	var inv mat.Dense
	if err := inv.Inverse(h); err != nil {
		return nil, fmt.Errorf("transform matrix is singular: %w", err)
	}
	n, _ := h.Dims()
	out := mat.NewDense(n, n, nil)
	out.Copy(&inv)
	return out, nil
}
