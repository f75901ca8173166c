package model

import (
	"fmt"
	"math"
	"math/rand"

	"locnet/internal/errs"
	"locnet/internal/tensor"
)

// Linear is a fully connected layer: y = x·Wᵀ + b, x of shape [N, in].
type Linear struct {
	name    string
	in, out int
	weight  *Param
	bias    *Param
	input   *tensor.Tensor
}

// NewLinear creates the layer with weights and biases drawn uniformly from
// ±1/√in.
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		name:   name,
		in:     in,
		out:    out,
		weight: newParam(name+".weight", out, in),
		bias:   newParam(name+".bias", out),
	}
	bound := float32(1 / math.Sqrt(float64(in)))
	fillUniform(l.weight.Value.Data(), bound, rng)
	fillUniform(l.bias.Value.Data(), bound, rng)
	return l
}

func (l *Linear) Name() string     { return l.name }
func (l *Linear) Params() []*Param { return []*Param{l.weight, l.bias} }

func (l *Linear) String() string {
	return fmt.Sprintf("Linear(%d->%d)", l.in, l.out)
}

// InFeatures is the input width the layer was built for.
func (l *Linear) InFeatures() int { return l.in }

func (l *Linear) OutputShape(in tensor.Shape) (tensor.Shape, error) {
	if len(in) != 2 {
		return nil, errs.New(errs.Shape, "%s: expected [N, features] input, got %s", l.name, in)
	}
	if in[1] != l.in {
		return nil, errs.New(errs.Shape, "%s: input has %d features, want %d", l.name, in[1], l.in)
	}
	return tensor.Shape{in[0], l.out}, nil
}

func (l *Linear) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	l.input = nil
	outShape, err := l.OutputShape(x.Shape())
	if err != nil {
		return nil, err
	}
	n := x.Dim(0)
	y := tensor.New(outShape...)
	out, bias := y.Data(), l.bias.Value.Data()
	for i := 0; i < n; i++ {
		copy(out[i*l.out:(i+1)*l.out], bias)
	}
	tensor.MatMul(tensor.Mat{Rows: n, Cols: l.out, Data: out},
		tensor.Mat{Rows: n, Cols: l.in, Data: x.Data()}, false,
		tensor.Mat{Rows: l.out, Cols: l.in, Data: l.weight.Value.Data()}, true, 1)
	if mode == Train {
		l.input = x
	}
	return y, nil
}

func (l *Linear) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	x := l.input
	if x == nil {
		return nil, errNoForward(l.name)
	}
	n := x.Dim(0)
	if err := checkGradShape(l.name, grad, tensor.Shape{n, l.out}); err != nil {
		return nil, err
	}
	g := tensor.Mat{Rows: n, Cols: l.out, Data: grad.Data()}
	tensor.MatMul(tensor.Mat{Rows: l.out, Cols: l.in, Data: l.weight.Grad.Data()}, g, true,
		tensor.Mat{Rows: n, Cols: l.in, Data: x.Data()}, false, 1)
	bg := l.bias.Grad.Data()
	for i := 0; i < n; i++ {
		for j, v := range g.Data[i*l.out : (i+1)*l.out] {
			bg[j] += v
		}
	}
	dx := tensor.New(n, l.in)
	tensor.MatMul(tensor.Mat{Rows: n, Cols: l.in, Data: dx.Data()}, g, false,
		tensor.Mat{Rows: l.out, Cols: l.in, Data: l.weight.Value.Data()}, false, 0)
	return dx, nil
}

// ReLU is max(0, x), element-wise.
type ReLU struct {
	name string
	mask []bool
}

func NewReLU(name string) *ReLU { return &ReLU{name: name} }

func (r *ReLU) Name() string     { return r.name }
func (r *ReLU) String() string   { return "ReLU()" }
func (r *ReLU) Params() []*Param { return nil }

func (r *ReLU) OutputShape(in tensor.Shape) (tensor.Shape, error) {
	return append(tensor.Shape(nil), in...), nil
}

func (r *ReLU) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	r.mask = nil
	y := tensor.New(x.Shape()...)
	out := y.Data()
	var mask []bool
	if mode == Train {
		mask = make([]bool, x.Size())
	}
	for i, v := range x.Data() {
		if v > 0 {
			out[i] = v
			if mask != nil {
				mask[i] = true
			}
		}
	}
	r.mask = mask
	return y, nil
}

func (r *ReLU) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if r.mask == nil {
		return nil, errNoForward(r.name)
	}
	if grad.Size() != len(r.mask) {
		return nil, errs.New(errs.Shape, "%s: gradient has %d values, want %d", r.name, grad.Size(), len(r.mask))
	}
	dx := tensor.New(grad.Shape()...)
	out := dx.Data()
	for i, g := range grad.Data() {
		if r.mask[i] {
			out[i] = g
		}
	}
	return dx, nil
}

// Flatten reshapes [N, ...] into [N, features].
type Flatten struct {
	name    string
	inShape tensor.Shape
}

func NewFlatten(name string) *Flatten { return &Flatten{name: name} }

func (f *Flatten) Name() string     { return f.name }
func (f *Flatten) String() string   { return "Flatten()" }
func (f *Flatten) Params() []*Param { return nil }

func (f *Flatten) OutputShape(in tensor.Shape) (tensor.Shape, error) {
	if len(in) < 2 {
		return nil, errs.New(errs.Shape, "%s: expected a batched input, got %s", f.name, in)
	}
	return tensor.Shape{in[0], in[1:].Size()}, nil
}

func (f *Flatten) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	f.inShape = nil
	outShape, err := f.OutputShape(x.Shape())
	if err != nil {
		return nil, err
	}
	if mode == Train {
		f.inShape = x.Shape()
	}
	return x.Reshape(outShape...)
}

func (f *Flatten) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if f.inShape == nil {
		return nil, errNoForward(f.name)
	}
	return grad.Reshape(f.inShape...)
}
