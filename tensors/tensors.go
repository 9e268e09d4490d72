// Package tensors - construction and flat-access helpers over
// gorgonia.org/tensor dense tensors.
//
// Every multi-dimensional value in this module (logits, points, masks,
// feature maps, density maps) is a Float32 *tensor.Dense in row-major
// layout; feature maps use NCHW ordering. Hot loops read the flat backing
// slice with explicit stride math instead of going through the generic
// At/SetAt accessors.
package tensors

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// New returns a zero-filled Float32 tensor of the given shape.
func New(shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.Of(tensor.Float32))
}

// FromSlice wraps an existing backing slice in a tensor of the given shape.
// The tensor shares the slice; no copy is made.
//
// Arguments:
//   - backing: Row-major float32 data, len must equal the shape product.
//   - shape: Tensor dimensions.
func FromSlice(backing []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

// Floats exposes the flat row-major backing slice of t.
func Floats(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// Clone returns a deep copy of t.
func Clone(t *tensor.Dense) *tensor.Dense {
	return t.Clone().(*tensor.Dense)
}

// EnsureDims fails when t does not have exactly the given number of
// dimensions.
func EnsureDims(name string, t *tensor.Dense, dims int) error {
	if t == nil {
		return errors.Errorf("%s: tensor is nil", name)
	}
	if t.Dims() != dims {
		return errors.Errorf("%s: want %d dimensions, have shape %v", name, dims, t.Shape())
	}
	return nil
}

// EnsureShape fails when t's shape differs from want. A -1 entry in want
// matches any extent on that axis.
func EnsureShape(name string, t *tensor.Dense, want ...int) error {
	if err := EnsureDims(name, t, len(want)); err != nil {
		return err
	}
	have := t.Shape()
	for i, w := range want {
		if w >= 0 && have[i] != w {
			return errors.Errorf("%s: want shape %v, have %v", name, want, have)
		}
	}
	return nil
}

// SpatialSum sums an NCHW tensor over its two spatial axes, returning one
// value per (image, channel) pair as an N×C matrix in row-major order.
func SpatialSum(t *tensor.Dense) ([]float32, error) {
	if err := EnsureDims("spatial sum input", t, 4); err != nil {
		return nil, err
	}
	s := t.Shape()
	n, c, h, w := s[0], s[1], s[2], s[3]
	data := Floats(t)
	sums := make([]float32, n*c)
	plane := h * w
	for i := range sums {
		base := i * plane
		var acc float32
		for j := 0; j < plane; j++ {
			acc += data[base+j]
		}
		sums[i] = acc
	}
	return sums, nil
}

// Add returns the elementwise sum of two tensors of identical shape.
func Add(a, b *tensor.Dense) (*tensor.Dense, error) {
	if !a.Shape().Eq(b.Shape()) {
		return nil, errors.Errorf("add: shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	av, bv := Floats(a), Floats(b)
	out := make([]float32, len(av))
	for i := range av {
		out[i] = av[i] + bv[i]
	}
	return FromSlice(out, a.Shape()...), nil
}
