package trainer

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locnet/internal/dataset"
	"locnet/internal/device"
	"locnet/internal/errs"
	"locnet/internal/model"
)

const (
	testHeight = 16
	testWidth  = 20
)

// writeSplit writes one image per label and an index referencing them.
func writeSplit(t *testing.T, labels [][2]float32) dataset.Split {
	t.Helper()
	root := t.TempDir()
	imgDir := filepath.Join(root, "images")
	must.M(os.MkdirAll(imgDir, 0o755))
	var rows []string
	for i, l := range labels {
		name := fmt.Sprintf("sample_%d.png", i)
		img := imaging.New(testWidth, testHeight, color.NRGBA{R: uint8(40 * i), G: 90, B: 200, A: 255})
		must.M(imaging.Save(img, filepath.Join(imgDir, name)))
		rows = append(rows, fmt.Sprintf("%s %g %g", name, l[0], l[1]))
	}
	indexPath := filepath.Join(root, "labels.txt")
	must.M(os.WriteFile(indexPath, []byte(strings.Join(rows, "\n")+"\n"), 0o644))
	return dataset.Split{Name: "synthetic", IndexPath: indexPath, ImageDir: imgDir}
}

func testRunConfig(dir string) RunConfig {
	return RunConfig{
		Epochs:        1,
		BatchSize:     1,
		EvalBatchSize: 2,
		LR:            1.0,
		Gamma:         0.7,
		Seed:          1,
		LogInterval:   1,
		SaveModel:     true,
		ModelPath:     filepath.Join(dir, "architecture1.safetensors"),
	}
}

func netConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Height, cfg.Width = testHeight, testWidth
	return cfg
}

func newTrainer(t *testing.T, cfg RunConfig, out *bytes.Buffer) *Trainer {
	t.Helper()
	split := writeSplit(t, [][2]float32{{0, 0}, {1, 1}, {2, 2}})
	loader, err := dataset.Open(split, dataset.Scale(1.0/255))
	require.NoError(t, err)
	dev := device.CPU(2)
	net, err := model.New(netConfig(), dev)
	require.NoError(t, err)
	tr, err := New(cfg, net, dev, loader, loader, out)
	require.NoError(t, err)
	return tr
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	tr := newTrainer(t, testRunConfig(dir), &out)

	history, err := tr.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, history.Len())
	last, _ := history.Last()
	assert.False(t, math.IsNaN(last.TrainLoss) || math.IsInf(last.TrainLoss, 0))
	assert.False(t, math.IsNaN(last.ValLoss) || math.IsInf(last.ValLoss, 0))

	text := out.String()
	assert.Contains(t, text, "Train Epoch: 1 [0/3 (0%)]\tLoss: ")
	assert.Contains(t, text, "Train Epoch: 1 [1/3 (33%)]\tLoss: ")
	assert.Contains(t, text, "Train Epoch: 1 [2/3 (67%)]\tLoss: ")
	assert.Contains(t, text, "\nTest set: Average loss: ")
	assert.Equal(t, 3, tr.Optimizer().Steps())

	reloaded, err := model.New(netConfig(), device.CPU(1))
	require.NoError(t, err)
	meta, err := reloaded.Load(filepath.Join(dir, "architecture1.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, tr.RunID(), meta["run_id"])
	assert.Equal(t, "1", meta["epochs"])
	for i, p := range reloaded.Parameters() {
		assert.True(t, p.Value.Equal(tr.Net().Parameters()[i].Value), p.Name)
	}
}

func TestLogInterval(t *testing.T) {
	cfg := testRunConfig(t.TempDir())
	cfg.LogInterval = 2
	cfg.SaveModel = false
	var out bytes.Buffer
	tr := newTrainer(t, cfg, &out)
	_, err := tr.TrainEpoch(context.Background(), 1)
	require.NoError(t, err)

	text := out.String()
	assert.Equal(t, 2, strings.Count(text, "Train Epoch: "))
	assert.Contains(t, text, "Train Epoch: 1 [0/3 (0%)]")
	assert.Contains(t, text, "Train Epoch: 1 [2/3 (67%)]")
	assert.NotContains(t, text, "[1/3")
	assert.Equal(t, 3, tr.Optimizer().Steps())
}

func TestRunWithoutSave(t *testing.T) {
	dir := t.TempDir()
	cfg := testRunConfig(dir)
	cfg.SaveModel = false
	cfg.PlotPath = filepath.Join(dir, "loss.png")
	var out bytes.Buffer
	_, err := newTrainer(t, cfg, &out).Run(context.Background())
	require.NoError(t, err)
	assert.NoFileExists(t, cfg.ModelPath)
	assert.FileExists(t, cfg.PlotPath)
}

func TestEvaluateLeavesParametersAlone(t *testing.T) {
	var out, progress bytes.Buffer
	cfg := testRunConfig(t.TempDir())
	cfg.EvalProgress = &progress
	tr := newTrainer(t, cfg, &out)
	tr.Net().SetMode(model.Train)

	var before []model.Param
	for _, p := range tr.Net().Parameters() {
		before = append(before, model.Param{Name: p.Name, Value: p.Value.Clone(), Grad: p.Grad.Clone()})
	}
	first, err := tr.Evaluate(context.Background())
	require.NoError(t, err)
	second, err := tr.Evaluate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second, "evaluation is deterministic")
	assert.Equal(t, model.Train, tr.Net().Mode(), "previous mode restored")
	assert.Zero(t, tr.Optimizer().Steps())
	for i, p := range tr.Net().Parameters() {
		assert.True(t, p.Value.Equal(before[i].Value), "%s value changed", p.Name)
		assert.True(t, p.Grad.Equal(before[i].Grad), "%s gradient changed", p.Name)
	}
	assert.Equal(t, 2, strings.Count(out.String(), "Test set: Average loss: "))
	assert.NotEmpty(t, progress.String())
}

func TestLearningRateDecay(t *testing.T) {
	cfg := testRunConfig(t.TempDir())
	cfg.Epochs = 3
	cfg.SaveModel = false
	var out bytes.Buffer
	tr := newTrainer(t, cfg, &out)
	history, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, math.Pow(0.7, 3), tr.Optimizer().LR(), 1e-12)
	require.Equal(t, 3, history.Len())
	for i, e := range history.Epochs {
		assert.Equal(t, i+1, e.Epoch)
		assert.InDelta(t, math.Pow(0.7, float64(i)), e.LR, 1e-12)
	}
}

func TestNonFiniteLossAborts(t *testing.T) {
	cfg := testRunConfig(t.TempDir())
	var out bytes.Buffer
	tr := newTrainer(t, cfg, &out)
	params := tr.Net().Parameters()
	params[len(params)-1].Value.Data()[0] = float32(math.NaN())

	_, err := tr.Run(context.Background())
	assert.True(t, errs.Is(err, errs.Numeric), "got %v", err)
	assert.NoFileExists(t, cfg.ModelPath)
}

func TestMalformedRowFailsBeforeTraining(t *testing.T) {
	split := writeSplit(t, [][2]float32{{0, 0}, {1, 1}})
	must.M(os.WriteFile(split.IndexPath, []byte("sample_0.png 0 0\nsample_1.png 1\n"), 0o644))
	_, err := dataset.Open(split, nil)
	assert.True(t, errs.Is(err, errs.Format), "got %v", err)
	assert.Contains(t, err.Error(), ":2:")
}

func TestCancelledRun(t *testing.T) {
	cfg := testRunConfig(t.TempDir())
	var out bytes.Buffer
	tr := newTrainer(t, cfg, &out)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, cfg.ModelPath)
}

func TestNewValidates(t *testing.T) {
	split := writeSplit(t, [][2]float32{{0, 0}})
	loader, err := dataset.Open(split, nil)
	require.NoError(t, err)
	net, err := model.New(netConfig(), device.CPU(1))
	require.NoError(t, err)

	cfg := testRunConfig(t.TempDir())
	cfg.BatchSize = 0
	_, err = New(cfg, net, device.CPU(1), loader, loader, &bytes.Buffer{})
	assert.True(t, errs.Is(err, errs.Config))

	empty := dataset.NewLoader("empty", &dataset.Index{}, split.ImageDir, nil)
	_, err = New(testRunConfig(t.TempDir()), net, device.CPU(1), loader, empty, &bytes.Buffer{})
	assert.True(t, errs.Is(err, errs.Config))
}

func TestSampleLossSum(t *testing.T) {
	got := sampleLossSum([]float32{1, 2, 0, 0}, []float32{0, 0, 3, 1})
	assert.InDelta(t, (1.0+4.0)/2+(9.0+1.0)/2, got, 1e-9)
}
