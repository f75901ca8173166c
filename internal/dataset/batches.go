package dataset

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"locnet/internal/device"
	"locnet/internal/errs"
	"locnet/internal/tensor"
)

// Batch is a group of samples stacked for one forward pass.
type Batch struct {
	// Images has shape [N, 3, H, W].
	Images *tensor.Tensor
	// Labels has shape [N, 2].
	Labels *tensor.Tensor
	Names  []string
}

// Size is the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Names) }

// BatchOptions configures one pass over a Loader.
type BatchOptions struct {
	BatchSize int
	// Order lists the sample positions to visit. Nil means 0..Len()-1.
	Order []int
	// Device bounds how many samples of a batch are decoded concurrently.
	Device device.Context
	// Prefetch is how many finished batches may be buffered ahead of the
	// consumer, on top of the one being assembled.
	Prefetch int
}

type batchResult struct {
	batch *Batch
	err   error
}

// Batches streams the batches of one pass, in order.
type Batches struct {
	results    <-chan batchResult
	cancel     context.CancelFunc
	numBatches int
	numSamples int
	done       bool
}

// Batches starts assembling batches in a background goroutine. The caller
// must Close the returned stream.
func (l *Loader) Batches(parent context.Context, opts BatchOptions) (*Batches, error) {
	if opts.BatchSize <= 0 {
		return nil, errs.New(errs.Config, "batch size must be > 0 (got %d)", opts.BatchSize)
	}
	order := opts.Order
	if order == nil {
		order = make([]int, l.Len())
		for i := range order {
			order[i] = i
		}
	}
	if opts.Prefetch < 0 {
		opts.Prefetch = 0
	}
	numBatches := (len(order) + opts.BatchSize - 1) / opts.BatchSize

	ctx, cancel := context.WithCancel(parent)
	results := make(chan batchResult, opts.Prefetch)
	go func() {
		defer close(results)
		for start := 0; start < len(order); start += opts.BatchSize {
			end := min(start+opts.BatchSize, len(order))
			batch, err := l.assemble(ctx, opts.Device, order[start:end])
			select {
			case <-ctx.Done():
				return
			case results <- batchResult{batch: batch, err: err}:
			}
			if err != nil {
				return
			}
		}
	}()

	return &Batches{
		results:    results,
		cancel:     cancel,
		numBatches: numBatches,
		numSamples: len(order),
	}, nil
}

// NumBatches is the number of batches the pass yields.
func (b *Batches) NumBatches() int { return b.numBatches }

// NumSamples is the number of samples the pass visits.
func (b *Batches) NumSamples() int { return b.numSamples }

// Next returns the next batch, or io.EOF after the last one.
func (b *Batches) Next() (*Batch, error) {
	if b.done {
		return nil, io.EOF
	}
	res, ok := <-b.results
	if !ok {
		b.done = true
		return nil, io.EOF
	}
	if res.err != nil {
		b.done = true
		return nil, res.err
	}
	return res.batch, nil
}

// Close stops the background assembly and releases it.
func (b *Batches) Close() {
	b.cancel()
	for range b.results {
	}
	b.done = true
}

// assemble decodes the samples at positions concurrently and stacks them in
// the given order.
func (l *Loader) assemble(ctx context.Context, dev device.Context, positions []int) (*Batch, error) {
	samples := make([]LabeledSample, len(positions))
	err := dev.ForEach(ctx, len(positions), func(i int) error {
		s, err := l.Get(positions[i])
		if err != nil {
			return err
		}
		samples[i] = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Stack(samples)
}

// Stack converts samples to the channel-first layout and stacks them into a
// Batch. All images must share the same height and width.
func Stack(samples []LabeledSample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("stack: no samples")
	}
	height, width := samples[0].Image.Height, samples[0].Image.Width
	plane := ImageChannels * height * width
	batch := &Batch{
		Images: tensor.New(len(samples), ImageChannels, height, width),
		Labels: tensor.New(len(samples), 2),
		Names:  make([]string, len(samples)),
	}
	images, labels := batch.Images.Data(), batch.Labels.Data()
	for i, s := range samples {
		if s.Image.Height != height || s.Image.Width != width {
			return nil, errs.New(errs.Shape, "sample %s is %dx%d, batch started with %s at %dx%d",
				s.Name, s.Image.Height, s.Image.Width, samples[0].Name, height, width)
		}
		img, label, err := ToTensor(s)
		if err != nil {
			return nil, err
		}
		copy(images[i*plane:(i+1)*plane], img.Data())
		copy(labels[i*2:(i+1)*2], label.Data())
		batch.Names[i] = s.Name
	}
	return batch, nil
}
