package model

import (
	"fmt"

	"locnet/internal/errs"
	"locnet/internal/tensor"
)

// MaxPool2D takes the maximum over non-overlapping size×size windows,
// dropping trailing rows and columns that do not fill a window.
type MaxPool2D struct {
	name    string
	size    int
	inShape tensor.Shape
	argmax  []int
}

func NewMaxPool2D(name string, size int) *MaxPool2D {
	return &MaxPool2D{name: name, size: size}
}

func (m *MaxPool2D) Name() string     { return m.name }
func (m *MaxPool2D) Params() []*Param { return nil }

func (m *MaxPool2D) String() string {
	return fmt.Sprintf("MaxPool2D(%dx%d)", m.size, m.size)
}

func (m *MaxPool2D) OutputShape(in tensor.Shape) (tensor.Shape, error) {
	if len(in) != 4 {
		return nil, errs.New(errs.Shape, "%s: expected [N, C, H, W] input, got %s", m.name, in)
	}
	if in[2] < m.size || in[3] < m.size {
		return nil, errs.New(errs.Shape, "%s: input %dx%d smaller than %dx%d window", m.name, in[2], in[3], m.size, m.size)
	}
	return tensor.Shape{in[0], in[1], in[2] / m.size, in[3] / m.size}, nil
}

func (m *MaxPool2D) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	m.inShape, m.argmax = nil, nil
	outShape, err := m.OutputShape(x.Shape())
	if err != nil {
		return nil, err
	}
	h, w := x.Dim(2), x.Dim(3)
	oh, ow := outShape[2], outShape[3]
	planes := outShape[0] * outShape[1]
	y := tensor.New(outShape...)
	var argmax []int
	if mode == Train {
		argmax = make([]int, y.Size())
	}
	in, out := x.Data(), y.Data()
	for p := 0; p < planes; p++ {
		base := p * h * w
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := base + oy*m.size*w + ox*m.size
				for ky := 0; ky < m.size; ky++ {
					row := base + (oy*m.size+ky)*w + ox*m.size
					for kx := 0; kx < m.size; kx++ {
						if in[row+kx] > in[best] {
							best = row + kx
						}
					}
				}
				o := (p*oh+oy)*ow + ox
				out[o] = in[best]
				if argmax != nil {
					argmax[o] = best
				}
			}
		}
	}
	if mode == Train {
		m.inShape, m.argmax = x.Shape(), argmax
	}
	return y, nil
}

func (m *MaxPool2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if m.argmax == nil {
		return nil, errNoForward(m.name)
	}
	if grad.Size() != len(m.argmax) {
		return nil, errs.New(errs.Shape, "%s: gradient has %d values, want %d", m.name, grad.Size(), len(m.argmax))
	}
	dx := tensor.New(m.inShape...)
	d := dx.Data()
	for o, g := range grad.Data() {
		d[m.argmax[o]] += g
	}
	return dx, nil
}
