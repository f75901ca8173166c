// Package model implements the localization network: a small fixed-topology
// CNN regressing one (x, y) coordinate pair per image, with hand-written
// backpropagation and SafeTensors persistence.
package model

import (
	"locnet/internal/errs"
	"locnet/internal/tensor"
)

// Mode selects training or evaluation behavior. Dropout only drops in Train
// mode and layers only keep activations for backpropagation in Train mode.
type Mode int

const (
	Train Mode = iota
	Eval
)

func (m Mode) String() string {
	if m == Eval {
		return "eval"
	}
	return "train"
}

// Param is a trainable tensor and the gradient accumulated for it.
type Param struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

func newParam(name string, shape ...int) *Param {
	return &Param{Name: name, Value: tensor.New(shape...), Grad: tensor.New(shape...)}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() { p.Grad.Zero() }

// Layer is one stage of the network.
type Layer interface {
	Name() string
	// OutputShape returns the shape Forward produces for an input of shape in.
	OutputShape(in tensor.Shape) (tensor.Shape, error)
	// Forward computes the layer output. In Train mode it keeps what Backward
	// needs; in Eval mode it keeps nothing.
	Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error)
	// Backward takes the gradient of the loss with respect to the last Train
	// forward output, accumulates parameter gradients and returns the
	// gradient with respect to that forward's input.
	Backward(grad *tensor.Tensor) (*tensor.Tensor, error)
	Params() []*Param
}

func errNoForward(layer string) error {
	return errs.New(errs.Unknown, "%s: backward called without a training forward pass", layer)
}

func checkGradShape(layer string, grad *tensor.Tensor, want tensor.Shape) error {
	if !grad.Shape().Equal(want) {
		return errs.New(errs.Shape, "%s: gradient shape %s, want %s", layer, grad.Shape(), want)
	}
	return nil
}
