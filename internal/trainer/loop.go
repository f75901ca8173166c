// Package trainer drives training and evaluation of the localization
// network over the train and validation splits.
package trainer

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"locnet/internal/dataset"
	"locnet/internal/device"
	"locnet/internal/errs"
	"locnet/internal/metrics"
	"locnet/internal/model"
	"locnet/internal/optim"
)

// RunConfig captures the knobs required by the training loop. It is copied
// into the Trainer at construction and never changes afterwards.
type RunConfig struct {
	Epochs        int
	BatchSize     int
	EvalBatchSize int
	LR            float64
	Gamma         float64
	Seed          int64
	LogInterval   int
	// Prefetch is the number of batches decoded ahead of training.
	Prefetch int

	SaveModel bool
	ModelPath string
	PlotPath  string

	// EvalProgress, when set, receives a progress bar during evaluation.
	EvalProgress io.Writer
}

func (c RunConfig) validate() error {
	switch {
	case c.Epochs <= 0:
		return errs.New(errs.Config, "trainer: epochs must be > 0 (got %d)", c.Epochs)
	case c.BatchSize <= 0:
		return errs.New(errs.Config, "trainer: batch size must be > 0 (got %d)", c.BatchSize)
	case c.EvalBatchSize <= 0:
		return errs.New(errs.Config, "trainer: eval batch size must be > 0 (got %d)", c.EvalBatchSize)
	case c.LogInterval <= 0:
		return errs.New(errs.Config, "trainer: log interval must be > 0 (got %d)", c.LogInterval)
	case c.LR <= 0:
		return errs.New(errs.Config, "trainer: learning rate must be > 0 (got %g)", c.LR)
	case c.SaveModel && c.ModelPath == "":
		return errs.New(errs.Config, "trainer: model path is empty")
	}
	return nil
}

// Trainer owns the optimizer state for one run. Parameters and optimizer
// state are only mutated by TrainEpoch.
type Trainer struct {
	cfg        RunConfig
	dev        device.Context
	net        *model.Net
	opt        *optim.Adadelta
	sched      *optim.StepLR
	train, val *dataset.Loader
	out        io.Writer
	rng        *rand.Rand
	history    metrics.History
	runID      string
}

// New prepares a run of net over the given splits. Progress lines are
// written to out.
func New(cfg RunConfig, net *model.Net, dev device.Context, train, val *dataset.Loader, out io.Writer) (*Trainer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	for _, l := range []*dataset.Loader{train, val} {
		if l.Len() == 0 {
			return nil, errs.New(errs.Config, "trainer: %s split has no samples", l.Name())
		}
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	opt := optim.NewAdadelta(cfg.LR)
	return &Trainer{
		cfg:   cfg,
		dev:   dev,
		net:   net,
		opt:   opt,
		sched: optim.NewStepLR(opt, cfg.LR, cfg.Gamma),
		train: train,
		val:   val,
		out:   out,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		runID: uuid.NewString(),
	}, nil
}

// RunID identifies the run in saved artifacts.
func (t *Trainer) RunID() string { return t.runID }

// Net returns the network being trained.
func (t *Trainer) Net() *model.Net { return t.net }

// Optimizer returns the optimizer.
func (t *Trainer) Optimizer() *optim.Adadelta { return t.opt }

// History returns the completed epochs.
func (t *Trainer) History() *metrics.History { return &t.history }

// Run trains for the configured number of epochs, evaluating after each one
// and decaying the learning rate, then saves the parameters if enabled.
func (t *Trainer) Run(ctx context.Context) (*metrics.History, error) {
	klog.Infof("run %s: %d epochs over %d training and %d validation samples on %s",
		t.runID, t.cfg.Epochs, t.train.Len(), t.val.Len(), t.dev)
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		lr := t.opt.LR()
		trainLoss, err := t.TrainEpoch(ctx, epoch)
		if err != nil {
			return &t.history, err
		}
		valLoss, err := t.Evaluate(ctx)
		if err != nil {
			return &t.history, errors.Wrapf(err, "evaluate epoch %d", epoch)
		}
		next := t.sched.Step()
		t.history.Add(metrics.Epoch{Epoch: epoch, TrainLoss: trainLoss, ValLoss: valLoss, LR: lr})
		klog.Infof("epoch %d: train loss %.4f, validation loss %.4f, lr %.4g -> %.4g", epoch, trainLoss, valLoss, lr, next)
	}

	if t.cfg.SaveModel {
		if err := t.save(); err != nil {
			return &t.history, err
		}
	}
	if t.cfg.PlotPath != "" {
		if err := t.history.Plot(t.cfg.PlotPath); err != nil {
			return &t.history, err
		}
		klog.Infof("wrote loss curve to %s", t.cfg.PlotPath)
	}
	return &t.history, nil
}

func (t *Trainer) save() error {
	meta := map[string]string{
		"run_id": t.runID,
		"epochs": strconv.Itoa(t.history.Len()),
	}
	if last, ok := t.history.Last(); ok {
		meta["val_loss"] = strconv.FormatFloat(last.ValLoss, 'g', -1, 64)
	}
	if err := t.net.Save(t.cfg.ModelPath, meta); err != nil {
		return errors.Wrap(err, "save model")
	}
	info, err := os.Stat(t.cfg.ModelPath)
	if err != nil {
		return errs.Wrap(errs.IO, err, "save model")
	}
	klog.Infof("saved %d parameters to %s (%s)", t.net.NumParameters(), t.cfg.ModelPath, humanize.Bytes(uint64(info.Size())))
	return nil
}

// TrainEpoch makes one shuffled pass over the training split and returns
// the mean batch loss.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int) (float64, error) {
	t.net.SetMode(model.Train)
	batches, err := t.train.Batches(ctx, dataset.BatchOptions{
		BatchSize: t.cfg.BatchSize,
		Order:     t.rng.Perm(t.train.Len()),
		Device:    t.dev,
		Prefetch:  t.cfg.Prefetch,
	})
	if err != nil {
		return 0, err
	}
	defer batches.Close()

	var (
		window  metrics.Window
		lossSum float64
		steps   int
	)
	numBatches, numSamples := batches.NumBatches(), batches.NumSamples()
	for idx := 0; ; idx++ {
		startData := time.Now()
		batch, err := batches.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.Wrapf(err, "train epoch %d", epoch)
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		loss, err := t.step(batch)
		if err != nil {
			return 0, errors.Wrapf(err, "train epoch %d batch %d", epoch, idx)
		}
		computeTime := time.Since(startCompute)
		window.Record(batch.Size(), dataTime, computeTime, float64(loss))
		lossSum += float64(loss)
		steps++

		if idx%t.cfg.LogInterval == 0 {
			fmt.Fprintf(t.out, "Train Epoch: %d [%d/%d (%.0f%%)]\tLoss: %.6f\n",
				epoch, idx*t.cfg.BatchSize, numSamples, 100*float64(idx)/float64(numBatches), loss)
			snap := window.Snapshot()
			klog.V(1).Infof("epoch=%d step=%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f",
				epoch, idx, snap.ImagesPerSec, snap.AvgDataMS, snap.AvgComputeMS, snap.AvgLoss)
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if steps == 0 {
		return 0, nil
	}
	return lossSum / float64(steps), nil
}

// step runs forward, loss, backward and one optimizer update on batch.
func (t *Trainer) step(batch *dataset.Batch) (float32, error) {
	t.net.ZeroGrad()
	pred, err := t.net.Forward(batch.Images)
	if err != nil {
		return 0, err
	}
	loss, err := model.MSE(pred, batch.Labels)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0) {
		return loss, errs.New(errs.Numeric, "loss is %v (first sample %s)", loss, batch.Names[0])
	}
	grad, err := model.MSEGrad(pred, batch.Labels)
	if err != nil {
		return 0, err
	}
	if err := t.net.Backward(grad); err != nil {
		return 0, err
	}
	if err := t.opt.Step(t.net.Parameters()); err != nil {
		return 0, err
	}
	return loss, nil
}

// Evaluate computes the average per-sample loss over the validation split
// in Eval mode. Parameters and optimizer state are left untouched and the
// previous mode is restored.
func (t *Trainer) Evaluate(ctx context.Context) (float64, error) {
	prev := t.net.Mode()
	t.net.SetMode(model.Eval)
	defer t.net.SetMode(prev)

	batches, err := t.val.Batches(ctx, dataset.BatchOptions{
		BatchSize: t.cfg.EvalBatchSize,
		Device:    t.dev,
		Prefetch:  t.cfg.Prefetch,
	})
	if err != nil {
		return 0, err
	}
	defer batches.Close()

	var bar *progressbar.ProgressBar
	if t.cfg.EvalProgress != nil {
		bar = progressbar.NewOptions(batches.NumSamples(),
			progressbar.OptionSetWriter(t.cfg.EvalProgress),
			progressbar.OptionSetDescription("Evaluating"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionShowIts(),
			progressbar.OptionClearOnFinish(),
		)
	}

	var total float64
	seen := 0
	for {
		batch, err := batches.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		pred, err := t.net.Forward(batch.Images)
		if err != nil {
			return 0, err
		}
		total += sampleLossSum(pred.Data(), batch.Labels.Data())
		seen += batch.Size()
		if bar != nil {
			_ = bar.Add(batch.Size())
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if seen == 0 {
		return 0, errs.New(errs.Config, "%s split has no samples", t.val.Name())
	}
	avg := total / float64(seen)
	fmt.Fprintf(t.out, "\nTest set: Average loss: %.4f\n\n", avg)
	return avg, nil
}

// sampleLossSum adds up the per-sample MSE of [N, 2] predictions.
func sampleLossSum(pred, target []float32) float64 {
	var total float64
	for i := 0; i+1 < len(pred); i += 2 {
		dx := float64(pred[i] - target[i])
		dy := float64(pred[i+1] - target[i+1])
		total += (dx*dx + dy*dy) / 2
	}
	return total
}
