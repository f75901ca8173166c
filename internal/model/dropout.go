package model

import (
	"fmt"
	"math/rand"

	"locnet/internal/errs"
	"locnet/internal/tensor"
)

// Dropout zeroes activations with probability P during training and scales
// the survivors by 1/(1-P). With PerChannel set, whole [H, W] feature maps
// of a [N, C, H, W] input are dropped together; otherwise every element is
// dropped independently. In Eval mode, or when P is 0, it is the identity.
type Dropout struct {
	name       string
	p          float32
	perChannel bool
	rng        *rand.Rand

	inShape tensor.Shape
	mask    []float32
	active  bool
}

// NewDropout creates an element-wise dropout layer.
func NewDropout(name string, p float32, rng *rand.Rand) *Dropout {
	return &Dropout{name: name, p: p, rng: rng}
}

// NewChannelDropout creates a dropout layer that drops whole channels.
func NewChannelDropout(name string, p float32, rng *rand.Rand) *Dropout {
	return &Dropout{name: name, p: p, perChannel: true, rng: rng}
}

func (d *Dropout) Name() string     { return d.name }
func (d *Dropout) Params() []*Param { return nil }

func (d *Dropout) String() string {
	if d.perChannel {
		return fmt.Sprintf("ChannelDropout(p=%g)", d.p)
	}
	return fmt.Sprintf("Dropout(p=%g)", d.p)
}

// P returns the drop probability.
func (d *Dropout) P() float32 { return d.p }

func (d *Dropout) OutputShape(in tensor.Shape) (tensor.Shape, error) {
	if d.perChannel && len(in) < 3 {
		return nil, errs.New(errs.Shape, "%s: channel dropout needs [N, C, ...] input, got %s", d.name, in)
	}
	return append(tensor.Shape(nil), in...), nil
}

func (d *Dropout) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	d.active, d.mask, d.inShape = false, nil, nil
	if _, err := d.OutputShape(x.Shape()); err != nil {
		return nil, err
	}
	if mode == Eval {
		return x, nil
	}
	d.active, d.inShape = true, x.Shape()
	if d.p <= 0 {
		return x, nil
	}

	group := 1
	if d.perChannel {
		group = x.Size() / (x.Dim(0) * x.Dim(1))
	}
	d.mask = make([]float32, x.Size())
	keep := float32(0)
	if d.p < 1 {
		keep = 1 / (1 - d.p)
	}
	for start := 0; start < len(d.mask); start += group {
		if d.rng.Float32() < d.p {
			continue
		}
		for i := start; i < start+group; i++ {
			d.mask[i] = keep
		}
	}

	y := tensor.New(x.Shape()...)
	out := y.Data()
	for i, v := range x.Data() {
		out[i] = v * d.mask[i]
	}
	return y, nil
}

func (d *Dropout) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.active {
		return nil, errNoForward(d.name)
	}
	if err := checkGradShape(d.name, grad, d.inShape); err != nil {
		return nil, err
	}
	if d.mask == nil {
		return grad, nil
	}
	dx := tensor.New(d.inShape...)
	out := dx.Data()
	for i, g := range grad.Data() {
		out[i] = g * d.mask[i]
	}
	return dx, nil
}
