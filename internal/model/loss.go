package model

import (
	"locnet/internal/errs"
	"locnet/internal/tensor"
)

// MSE is the mean of the squared differences over every element.
func MSE(pred, target *tensor.Tensor) (float32, error) {
	if !pred.Shape().Equal(target.Shape()) {
		return 0, errs.New(errs.Shape, "mse: prediction %s does not match target %s", pred.Shape(), target.Shape())
	}
	if pred.Size() == 0 {
		return 0, nil
	}
	var sum float32
	t := target.Data()
	for i, p := range pred.Data() {
		d := p - t[i]
		sum += d * d
	}
	return sum / float32(pred.Size()), nil
}

// MSEGrad returns the gradient of MSE with respect to pred.
func MSEGrad(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	if !pred.Shape().Equal(target.Shape()) {
		return nil, errs.New(errs.Shape, "mse: prediction %s does not match target %s", pred.Shape(), target.Shape())
	}
	g := tensor.New(pred.Shape()...)
	if pred.Size() == 0 {
		return g, nil
	}
	scale := 2 / float32(pred.Size())
	out, t := g.Data(), target.Data()
	for i, p := range pred.Data() {
		out[i] = scale * (p - t[i])
	}
	return g, nil
}
