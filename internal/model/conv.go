package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"locnet/internal/device"
	"locnet/internal/errs"
	"locnet/internal/tensor"
)

// Conv2D is a square-kernel convolution without padding.
//
//	input  [N, C, H, W]
//	weight [O, C, K, K]
//	output [N, O, (H-K)/S+1, (W-K)/S+1]
//
// Each sample is lowered to a [C·K·K, OH·OW] patch matrix (im2col) and
// multiplied with the weights reshaped to [O, C·K·K]. Samples are processed
// in parallel on the execution context; gradients are reduced in sample
// order so results do not depend on scheduling.
type Conv2D struct {
	name    string
	in, out int
	kernel  int
	stride  int
	weight  *Param
	bias    *Param
	dev     device.Context
	input   *tensor.Tensor
}

// NewConv2D creates the layer with weights and biases drawn uniformly from
// ±1/√(C·K·K).
func NewConv2D(name string, in, out, kernel, stride int, dev device.Context, rng *rand.Rand) *Conv2D {
	c := &Conv2D{
		name:   name,
		in:     in,
		out:    out,
		kernel: kernel,
		stride: stride,
		weight: newParam(name+".weight", out, in, kernel, kernel),
		bias:   newParam(name+".bias", out),
		dev:    dev,
	}
	bound := float32(1 / math.Sqrt(float64(in*kernel*kernel)))
	fillUniform(c.weight.Value.Data(), bound, rng)
	fillUniform(c.bias.Value.Data(), bound, rng)
	return c
}

func (c *Conv2D) Name() string { return c.name }

func (c *Conv2D) String() string {
	return fmt.Sprintf("Conv2D(%d->%d, %dx%d, stride=%d)", c.in, c.out, c.kernel, c.kernel, c.stride)
}

func (c *Conv2D) Params() []*Param { return []*Param{c.weight, c.bias} }

func (c *Conv2D) OutputShape(in tensor.Shape) (tensor.Shape, error) {
	if len(in) != 4 {
		return nil, errs.New(errs.Shape, "%s: expected [N, C, H, W] input, got %s", c.name, in)
	}
	if in[1] != c.in {
		return nil, errs.New(errs.Shape, "%s: input has %d channels, want %d", c.name, in[1], c.in)
	}
	if in[2] < c.kernel || in[3] < c.kernel {
		return nil, errs.New(errs.Shape, "%s: input %dx%d smaller than %dx%d kernel", c.name, in[2], in[3], c.kernel, c.kernel)
	}
	return tensor.Shape{in[0], c.out, (in[2]-c.kernel)/c.stride + 1, (in[3]-c.kernel)/c.stride + 1}, nil
}

func (c *Conv2D) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	c.input = nil
	outShape, err := c.OutputShape(x.Shape())
	if err != nil {
		return nil, err
	}
	n, h, w := x.Dim(0), x.Dim(2), x.Dim(3)
	oh, ow := outShape[2], outShape[3]
	patches := oh * ow
	rows := c.in * c.kernel * c.kernel
	inPlane, outPlane := c.in*h*w, c.out*patches

	y := tensor.New(outShape...)
	weights := tensor.Mat{Rows: c.out, Cols: rows, Data: c.weight.Value.Data()}
	bias := c.bias.Value.Data()
	err = c.dev.ForEach(context.Background(), n, func(i int) error {
		col := make([]float32, rows*patches)
		c.im2col(x.Data()[i*inPlane:(i+1)*inPlane], h, w, oh, ow, col)
		out := y.Data()[i*outPlane : (i+1)*outPlane]
		for o := 0; o < c.out; o++ {
			plane := out[o*patches : (o+1)*patches]
			for p := range plane {
				plane[p] = bias[o]
			}
		}
		tensor.MatMul(tensor.Mat{Rows: c.out, Cols: patches, Data: out}, weights, false,
			tensor.Mat{Rows: rows, Cols: patches, Data: col}, false, 1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if mode == Train {
		c.input = x
	}
	return y, nil
}

func (c *Conv2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	x := c.input
	if x == nil {
		return nil, errNoForward(c.name)
	}
	outShape, _ := c.OutputShape(x.Shape())
	if err := checkGradShape(c.name, grad, outShape); err != nil {
		return nil, err
	}
	n, h, w := x.Dim(0), x.Dim(2), x.Dim(3)
	oh, ow := outShape[2], outShape[3]
	patches := oh * ow
	rows := c.in * c.kernel * c.kernel
	inPlane, outPlane := c.in*h*w, c.out*patches

	dx := tensor.New(x.Shape()...)
	dW := make([][]float32, n)
	dB := make([][]float32, n)
	weights := tensor.Mat{Rows: c.out, Cols: rows, Data: c.weight.Value.Data()}
	err := c.dev.ForEach(context.Background(), n, func(i int) error {
		col := make([]float32, rows*patches)
		c.im2col(x.Data()[i*inPlane:(i+1)*inPlane], h, w, oh, ow, col)
		g := tensor.Mat{Rows: c.out, Cols: patches, Data: grad.Data()[i*outPlane : (i+1)*outPlane]}

		dW[i] = make([]float32, c.out*rows)
		tensor.MatMul(tensor.Mat{Rows: c.out, Cols: rows, Data: dW[i]}, g, false,
			tensor.Mat{Rows: rows, Cols: patches, Data: col}, true, 0)

		dB[i] = make([]float32, c.out)
		for o := 0; o < c.out; o++ {
			var s float32
			for _, v := range g.Data[o*patches : (o+1)*patches] {
				s += v
			}
			dB[i][o] = s
		}

		dcol := col
		tensor.MatMul(tensor.Mat{Rows: rows, Cols: patches, Data: dcol}, weights, true, g, false, 0)
		c.col2im(dcol, h, w, oh, ow, dx.Data()[i*inPlane:(i+1)*inPlane])
		return nil
	})
	if err != nil {
		return nil, err
	}
	wg, bg := c.weight.Grad.Data(), c.bias.Grad.Data()
	for i := 0; i < n; i++ {
		for j, v := range dW[i] {
			wg[j] += v
		}
		for j, v := range dB[i] {
			bg[j] += v
		}
	}
	return dx, nil
}

// im2col writes col[(ch·K+kh)·K+kw][oy·OW+ox] = x[ch][oy·S+kh][ox·S+kw].
func (c *Conv2D) im2col(x []float32, h, w, oh, ow int, col []float32) {
	k, s := c.kernel, c.stride
	patches := oh * ow
	for ch := 0; ch < c.in; ch++ {
		plane := x[ch*h*w : (ch+1)*h*w]
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := col[((ch*k+kh)*k+kw)*patches:][:patches]
				for oy := 0; oy < oh; oy++ {
					src := plane[(oy*s+kh)*w+kw:]
					dst := row[oy*ow : (oy+1)*ow]
					if s == 1 {
						copy(dst, src[:ow])
						continue
					}
					for ox := range dst {
						dst[ox] = src[ox*s]
					}
				}
			}
		}
	}
}

// col2im scatters a patch-matrix gradient back onto the input plane,
// accumulating where patches overlap.
func (c *Conv2D) col2im(col []float32, h, w, oh, ow int, dx []float32) {
	k, s := c.kernel, c.stride
	patches := oh * ow
	for ch := 0; ch < c.in; ch++ {
		plane := dx[ch*h*w : (ch+1)*h*w]
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := col[((ch*k+kh)*k+kw)*patches:][:patches]
				for oy := 0; oy < oh; oy++ {
					dst := plane[(oy*s+kh)*w+kw:]
					for ox, v := range row[oy*ow : (oy+1)*ow] {
						dst[ox*s] += v
					}
				}
			}
		}
	}
}

func fillUniform(data []float32, bound float32, rng *rand.Rand) {
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * bound
	}
}
