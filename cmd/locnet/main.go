// Command locnet trains the localization network on a labeled image split
// and evaluates it on a validation split after every epoch.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"locnet/internal/config"
	"locnet/internal/dataset"
	"locnet/internal/device"
	"locnet/internal/model"
	"locnet/internal/trainer"
)

var (
	cfgPath       = flag.String("config", "", "Path to YAML config. Empty uses the built-in defaults.")
	trainIndex    = flag.String("train-index", "", "Training label index")
	trainDir      = flag.String("train-dir", "", "Training image directory")
	valIndex      = flag.String("val-index", "", "Validation label index")
	valDir        = flag.String("val-dir", "", "Validation image directory")
	batchSize     = flag.Int("batch-size", 0, "Training batch size")
	evalBatchSize = flag.Int("eval-batch-size", 0, "Evaluation batch size")
	epochs        = flag.Int("epochs", 0, "Number of epochs")
	lr            = flag.Float64("lr", 0, "Initial learning rate")
	gamma         = flag.Float64("gamma", 0, "Learning rate decay per epoch")
	seed          = flag.Int64("seed", 0, "PRNG seed")
	logInterval   = flag.Int("log-interval", 0, "Batches between progress lines")
	useGPU        = flag.Bool("gpu", true, "Request GPU acceleration")
	numWorkers    = flag.Int("num-workers", 0, "Parallel image decoders and compute workers")
	imageHeight   = flag.Int("image-height", 0, "Input image height")
	imageWidth    = flag.Int("image-width", 0, "Input image width")
	pixelScale    = flag.Float64("pixel-scale", 0, "Factor applied to raw 0-255 pixel values")
	saveModel     = flag.Bool("save-model", true, "Save parameters after the last epoch")
	modelPath     = flag.String("model-path", "", "Parameter file to write")
	plotPath      = flag.String("plot", "", "Write the loss curve to this image file")
	progress      = flag.Bool("progress", false, "Show a progress bar during evaluation")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if err := run(); err != nil {
		klog.Errorf("locnet: %+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			return err
		}
	}
	cfg.ApplyOverrides(overrides())
	if err := cfg.Validate(); err != nil {
		return err
	}

	dev := device.Select(device.Options{UseGPU: cfg.UseGPU, Workers: cfg.NumWorkers})
	klog.Infof("execution context: %s", dev)

	var transform dataset.Transform
	if cfg.PixelScale != 1 {
		transform = dataset.Scale(float32(cfg.PixelScale))
	}
	train, err := dataset.Open(dataset.Split{Name: "train", IndexPath: cfg.TrainIndex, ImageDir: cfg.TrainDir}, transform)
	if err != nil {
		return err
	}
	val, err := dataset.Open(dataset.Split{Name: "validation", IndexPath: cfg.ValIndex, ImageDir: cfg.ValDir}, transform)
	if err != nil {
		return err
	}

	for _, l := range []*dataset.Loader{train, val} {
		x, y := l.Index().Stats()
		klog.Infof("%s: %d samples, x mean %.1f std %.1f [%g, %g], y mean %.1f std %.1f [%g, %g]",
			l.Name(), l.Len(), x.Mean, x.StdDev, x.Min, x.Max, y.Mean, y.StdDev, y.Min, y.Max)
	}

	netCfg := model.DefaultConfig()
	netCfg.Height, netCfg.Width, netCfg.Seed = cfg.ImageH, cfg.ImageW, cfg.Seed
	net, err := model.New(netCfg, dev)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, summaryTable(net))

	runCfg := trainer.RunConfig{
		Epochs:        cfg.Epochs,
		BatchSize:     cfg.BatchSize,
		EvalBatchSize: cfg.EvalBatchSize,
		LR:            cfg.LR,
		Gamma:         cfg.Gamma,
		Seed:          cfg.Seed,
		LogInterval:   cfg.LogInterval,
		SaveModel:     cfg.SaveModel,
		ModelPath:     cfg.ModelPath,
		PlotPath:      cfg.PlotPath,
	}
	if *progress {
		runCfg.EvalProgress = os.Stderr
	}
	tr, err := trainer.New(runCfg, net, dev, train, val, os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	history, err := tr.Run(ctx)
	if err != nil {
		return err
	}
	if best, ok := history.Best(); ok {
		klog.Infof("best validation loss %.4f at epoch %d", best.ValLoss, best.Epoch)
	}
	return nil
}

// overrides collects the flags given explicitly on the command line.
func overrides() config.Overrides {
	var o config.Overrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "train-index":
			o.TrainIndex = trainIndex
		case "train-dir":
			o.TrainDir = trainDir
		case "val-index":
			o.ValIndex = valIndex
		case "val-dir":
			o.ValDir = valDir
		case "batch-size":
			o.BatchSize = batchSize
		case "eval-batch-size":
			o.EvalBatchSize = evalBatchSize
		case "epochs":
			o.Epochs = epochs
		case "lr":
			o.LR = lr
		case "gamma":
			o.Gamma = gamma
		case "seed":
			o.Seed = seed
		case "log-interval":
			o.LogInterval = logInterval
		case "gpu":
			o.UseGPU = useGPU
		case "num-workers":
			o.NumWorkers = numWorkers
		case "image-height":
			o.ImageH = imageHeight
		case "image-width":
			o.ImageW = imageWidth
		case "pixel-scale":
			o.PixelScale = pixelScale
		case "save-model":
			o.SaveModel = saveModel
		case "model-path":
			o.ModelPath = modelPath
		case "plot":
			o.PlotPath = plotPath
		}
	})
	return o
}

func summaryTable(net *model.Net) string {
	header := lipgloss.NewStyle().Padding(0, 1).Bold(true)
	cell := lipgloss.NewStyle().Padding(0, 1)
	right := cell.Align(lipgloss.Right)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return header
			case col == 3:
				return right
			}
			return cell
		}).
		Headers("Layer", "Type", "Output", "Params")
	for _, info := range net.Summary() {
		table.Row(info.Name, info.Kind, info.Output.String(), humanize.Comma(int64(info.Params)))
	}
	table.Row("", "", "total", humanize.Comma(int64(net.NumParameters())))
	return table.String()
}
