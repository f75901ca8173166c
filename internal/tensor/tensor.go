// Package tensor implements the dense float32 arrays the model computes on.
//
// Tensors are row-major and own a flat []float32. Matrix products go through
// gonum's BLAS (blas32), everything else is plain loops in the layers.
package tensor

import (
	"fmt"
	"math"

	"locnet/internal/errs"
)

// Shape lists the size of each dimension, outermost first.
type Shape []int

// Size is the number of elements described by s.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether both shapes have the same dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	return fmt.Sprint([]int(s))
}

// Tensor is a dense float32 array.
type Tensor struct {
	shape Shape
	data  []float32
}

// New returns a zero-filled tensor. It panics on negative dimensions.
func New(shape ...int) *Tensor {
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in %v", shape))
		}
	}
	s := append(Shape(nil), shape...)
	return &Tensor{shape: s, data: make([]float32, s.Size())}
}

// FromData wraps data without copying. The element count must match shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	s := append(Shape(nil), shape...)
	if s.Size() != len(data) {
		return nil, errs.New(errs.Shape, "tensor: %d values do not fill shape %s", len(data), s)
	}
	return &Tensor{shape: s, data: data}, nil
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() Shape { return append(Shape(nil), t.shape...) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Rank is the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Data exposes the underlying storage.
func (t *Tensor) Data() []float32 { return t.data }

// Size is the number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.Shape(), data: append([]float32(nil), t.data...)}
}

// Reshape returns a view sharing t's storage with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	s := append(Shape(nil), shape...)
	if s.Size() != len(t.data) {
		return nil, errs.New(errs.Shape, "tensor: cannot reshape %s into %s", t.shape, s)
	}
	return &Tensor{shape: s, data: t.data}, nil
}

// Zero sets all elements to 0.
func (t *Tensor) Zero() {
	clear(t.data)
}

// Equal reports whether both tensors have the same shape and bitwise equal
// values.
func (t *Tensor) Equal(o *Tensor) bool {
	if !t.shape.Equal(o.shape) {
		return false
	}
	for i, v := range t.data {
		if math.Float32bits(v) != math.Float32bits(o.data[i]) {
			return false
		}
	}
	return true
}

// AllFinite reports whether no element is NaN or infinite.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%s", t.shape)
}
