package dataset

import (
	"github.com/pkg/errors"

	"locnet/internal/errs"
	"locnet/internal/tensor"
)

// ImageChannels is the channel count the network consumes.
const ImageChannels = 3

// ToCHW reorders a channel-last grid into channel-first planes:
// out[c][y][x] = in[y][x][c].
func ToCHW(p Pixels) ([]float32, error) {
	if p.Channels != ImageChannels {
		return nil, errs.New(errs.Shape, "image has %d channels, want %d", p.Channels, ImageChannels)
	}
	if len(p.Data) != p.Height*p.Width*p.Channels {
		return nil, errs.New(errs.Shape, "pixel grid %dx%dx%d holds %d values", p.Height, p.Width, p.Channels, len(p.Data))
	}
	plane := p.Height * p.Width
	out := make([]float32, len(p.Data))
	for i := 0; i < plane; i++ {
		for c := 0; c < p.Channels; c++ {
			out[c*plane+i] = p.Data[i*p.Channels+c]
		}
	}
	return out, nil
}

// FromCHW is the inverse of ToCHW.
func FromCHW(data []float32, channels, height, width int) (Pixels, error) {
	plane := height * width
	if len(data) != channels*plane {
		return Pixels{}, errs.New(errs.Shape, "%d values do not fill %dx%dx%d", len(data), channels, height, width)
	}
	p := Pixels{Height: height, Width: width, Channels: channels, Data: make([]float32, len(data))}
	for i := 0; i < plane; i++ {
		for c := 0; c < channels; c++ {
			p.Data[i*channels+c] = data[c*plane+i]
		}
	}
	return p, nil
}

// ToTensor converts a sample to an image tensor [3, H, W] and a label
// tensor [2].
func ToTensor(s LabeledSample) (image, label *tensor.Tensor, err error) {
	chw, err := ToCHW(s.Image)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "sample %s", s.Name)
	}
	if image, err = tensor.FromData(chw, ImageChannels, s.Image.Height, s.Image.Width); err != nil {
		return nil, nil, err
	}
	label, err = tensor.FromData([]float32{s.Label[0], s.Label[1]}, 2)
	return image, label, err
}
