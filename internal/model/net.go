package model

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"locnet/internal/device"
	"locnet/internal/errs"
	"locnet/internal/tensor"
)

// Architecture identifies the topology in saved parameter files.
const Architecture = "locnet-v1"

// Config fixes the input resolution and the random state of a Net.
type Config struct {
	// Height and Width are the input image resolution. The width of the
	// first fully connected layer is derived from them.
	Height, Width int
	// Seed drives weight initialization and dropout masks.
	Seed int64
	// ChannelDropout and Dropout are the drop probabilities of the two
	// dropout layers.
	ChannelDropout, Dropout float32
}

// DefaultConfig returns the configuration for 326x490 images.
func DefaultConfig() Config {
	return Config{Height: 326, Width: 490, Seed: 1, ChannelDropout: 0.25, Dropout: 0.5}
}

// Net is the localization network:
//
//	conv1    Conv2D 3->15, 3x3
//	pool1    MaxPool 2x2
//	conv2    Conv2D 15->30, 3x3
//	pool2    MaxPool 2x2
//	drop1    ChannelDropout(0.25)
//	flatten
//	fc1      Linear ->128, ReLU
//	drop2    Dropout(0.5)
//	fc2      Linear 128->2
type Net struct {
	cfg    Config
	mode   Mode
	layers []Layer
	fc1    *Linear
}

// New builds a Net with freshly initialized parameters.
func New(cfg Config, dev device.Context) (*Net, error) {
	if cfg.Height <= 0 || cfg.Width <= 0 {
		return nil, errs.New(errs.Config, "model: invalid input resolution %dx%d", cfg.Height, cfg.Width)
	}
	for _, p := range []float32{cfg.ChannelDropout, cfg.Dropout} {
		if p < 0 || p > 1 {
			return nil, errs.New(errs.Config, "model: dropout probability %g outside [0, 1]", p)
		}
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	conv := convStack(dev, rng)
	flat, err := flatFeatures(conv, cfg.Height, cfg.Width)
	if err != nil {
		return nil, err
	}

	fc1 := NewLinear("fc1", flat, 128, rng)
	fc2 := NewLinear("fc2", 128, 2, rng)
	drop1 := NewChannelDropout("drop1", cfg.ChannelDropout, rand.New(rand.NewSource(rng.Int63())))
	drop2 := NewDropout("drop2", cfg.Dropout, rand.New(rand.NewSource(rng.Int63())))

	net := &Net{cfg: cfg, fc1: fc1}
	net.layers = append(conv,
		drop1,
		NewFlatten("flatten"),
		fc1,
		NewReLU("relu"),
		drop2,
		fc2,
	)
	return net, nil
}

func convStack(dev device.Context, rng *rand.Rand) []Layer {
	return []Layer{
		NewConv2D("conv1", 3, 15, 3, 1, dev, rng),
		NewMaxPool2D("pool1", 2),
		NewConv2D("conv2", 15, 30, 3, 1, dev, rng),
		NewMaxPool2D("pool2", 2),
	}
}

func flatFeatures(conv []Layer, height, width int) (int, error) {
	shape := tensor.Shape{1, 3, height, width}
	for _, l := range conv {
		var err error
		if shape, err = l.OutputShape(shape); err != nil {
			return 0, errors.Wrapf(err, "model: input resolution %dx%d too small", height, width)
		}
	}
	return shape[1:].Size(), nil
}

// FlatFeatures returns the flattened feature width the network has for
// height x width images: 290400 for the default 326x490.
func FlatFeatures(height, width int) (int, error) {
	return flatFeatures(convStack(device.CPU(1), rand.New(rand.NewSource(0))), height, width)
}

// Config returns the configuration the net was built with.
func (n *Net) Config() Config { return n.cfg }

// Mode returns the current mode.
func (n *Net) Mode() Mode { return n.mode }

// SetMode switches between training and evaluation behavior.
func (n *Net) SetMode(m Mode) { n.mode = m }

// Layers returns the layers in forward order.
func (n *Net) Layers() []Layer { return n.layers }

// FlatFeatures is the width of the flattened feature vector fed to fc1.
func (n *Net) FlatFeatures() int { return n.fc1.InFeatures() }

// Forward maps images [N, 3, H, W] to predicted coordinates [N, 2].
func (n *Net) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 || x.Dim(1) != 3 {
		return nil, errs.New(errs.Shape, "model: expected [N, 3, H, W] images, got %s", x.Shape())
	}
	var err error
	for _, l := range n.layers {
		if x, err = l.Forward(x, n.mode); err != nil {
			if l == Layer(n.fc1) {
				return nil, errors.Wrapf(err, "model built for %dx%d images", n.cfg.Height, n.cfg.Width)
			}
			return nil, err
		}
	}
	return x, nil
}

// Backward propagates the gradient of the loss with respect to the last
// forward output through the network, accumulating parameter gradients. It
// requires the last Forward to have run in Train mode.
func (n *Net) Backward(grad *tensor.Tensor) error {
	var err error
	for i := len(n.layers) - 1; i >= 0; i-- {
		if grad, err = n.layers[i].Backward(grad); err != nil {
			return err
		}
	}
	return nil
}

// Parameters returns every trainable parameter in a stable order.
func (n *Net) Parameters() []*Param {
	var params []*Param
	for _, l := range n.layers {
		params = append(params, l.Params()...)
	}
	return params
}

// NumParameters is the total number of trainable values.
func (n *Net) NumParameters() int {
	total := 0
	for _, p := range n.Parameters() {
		total += p.Value.Size()
	}
	return total
}

// ZeroGrad clears every parameter gradient.
func (n *Net) ZeroGrad() {
	for _, p := range n.Parameters() {
		p.ZeroGrad()
	}
}

// LayerInfo describes one layer for display.
type LayerInfo struct {
	Name   string
	Kind   string
	Output tensor.Shape
	Params int
}

// Summary lists every layer with its output shape for a single image.
func (n *Net) Summary() []LayerInfo {
	shape := tensor.Shape{1, 3, n.cfg.Height, n.cfg.Width}
	infos := make([]LayerInfo, 0, len(n.layers))
	for _, l := range n.layers {
		shape, _ = l.OutputShape(shape)
		count := 0
		for _, p := range l.Params() {
			count += p.Value.Size()
		}
		infos = append(infos, LayerInfo{Name: l.Name(), Kind: fmt.Sprint(l), Output: shape, Params: count})
	}
	return infos
}

func (n *Net) String() string {
	var sb strings.Builder
	sb.WriteString("Net(\n")
	for _, info := range n.Summary() {
		fmt.Fprintf(&sb, "  %s: %s\n", info.Name, info.Kind)
	}
	sb.WriteString(")")
	return sb.String()
}
