// Package dataset turns a label index and its image directory into
// mini-batches for the model.
//
// A Loader maps index positions to decoded samples, the adapter functions
// convert a sample to the channel-first layout the network expects, and
// Batches streams shuffled, stacked batches with optional background
// prefetching.
package dataset

import (
	"image"
	"image/color"
	"path/filepath"

	"github.com/disintegration/imaging"

	"locnet/internal/errs"
)

// Pixels is a row-major, channel-last pixel grid.
type Pixels struct {
	Height, Width, Channels int
	Data                    []float32
}

// At returns channel c of pixel (y, x).
func (p Pixels) At(y, x, c int) float32 {
	return p.Data[(y*p.Width+x)*p.Channels+c]
}

// LabeledSample is one decoded image and its target coordinates.
type LabeledSample struct {
	Name  string
	Image Pixels
	Label [2]float32
}

// Transform is applied to every sample after decoding.
type Transform func(LabeledSample) (LabeledSample, error)

// Scale multiplies every pixel value by factor. Pixels decode to [0, 255],
// so Scale(1.0/255) maps them to [0, 1].
func Scale(factor float32) Transform {
	return func(s LabeledSample) (LabeledSample, error) {
		if factor == 1 {
			return s, nil
		}
		data := make([]float32, len(s.Image.Data))
		for i, v := range s.Image.Data {
			data[i] = v * factor
		}
		s.Image.Data = data
		return s, nil
	}
}

// Split names the files making up one dataset split.
type Split struct {
	Name      string
	IndexPath string
	ImageDir  string
}

// Loader maps index positions to LabeledSamples. Images are read from disk on
// every call; nothing is cached.
type Loader struct {
	name      string
	index     *Index
	imageDir  string
	transform Transform
}

// NewLoader builds a loader over an already parsed index.
func NewLoader(name string, index *Index, imageDir string, transform Transform) *Loader {
	return &Loader{name: name, index: index, imageDir: imageDir, transform: transform}
}

// Open loads the split's index and checks that every referenced image is
// present, so malformed rows and missing files surface before training.
func Open(split Split, transform Transform) (*Loader, error) {
	index, err := LoadIndex(split.IndexPath)
	if err != nil {
		return nil, err
	}
	if err := CheckImages(index, split.ImageDir); err != nil {
		return nil, err
	}
	return NewLoader(split.Name, index, split.ImageDir, transform), nil
}

// Name returns the split name.
func (l *Loader) Name() string { return l.name }

// Index returns the parsed label index.
func (l *Loader) Index() *Index { return l.index }

// Len returns the number of samples.
func (l *Loader) Len() int { return l.index.Len() }

// Get decodes the sample at position i.
func (l *Loader) Get(i int) (LabeledSample, error) {
	if i < 0 || i >= l.index.Len() {
		return LabeledSample{}, errs.New(errs.Unknown, "%s: sample %d out of range [0, %d)", l.name, i, l.index.Len())
	}
	rec := l.index.Records[i]
	path := filepath.Join(l.imageDir, rec.File)
	img, err := imaging.Open(path)
	if err != nil {
		return LabeledSample{}, errs.Wrap(errs.IO, err, "load image %s", path)
	}
	sample := LabeledSample{
		Name:  rec.File,
		Image: toPixels(img),
		Label: [2]float32{rec.X, rec.Y},
	}
	if l.transform != nil {
		if sample, err = l.transform(sample); err != nil {
			return LabeledSample{}, err
		}
	}
	return sample, nil
}

// toPixels copies img into a channel-last grid. Grayscale images keep a
// single channel and images with transparency keep their alpha channel, so
// the caller can reject anything that is not plain RGB.
func toPixels(img image.Image) Pixels {
	channels := channelsOf(img)
	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()
	p := Pixels{Height: b.Dy(), Width: b.Dx(), Channels: channels}
	p.Data = make([]float32, p.Height*p.Width*channels)
	pos := 0
	for y := 0; y < p.Height; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+4*p.Width]
		for x := 0; x < p.Width; x++ {
			for c := 0; c < channels; c++ {
				p.Data[pos] = float32(row[4*x+c])
				pos++
			}
		}
	}
	return p
}

func channelsOf(img image.Image) int {
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		return 1
	}
	if o, ok := img.(interface{ Opaque() bool }); ok && !o.Opaque() {
		return 4
	}
	return 3
}
