package metrics

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locnet/internal/errs"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(64, 20*time.Millisecond, 10*time.Millisecond, 1.2)
	w.Record(64, 10*time.Millisecond, 20*time.Millisecond, 0.8)
	assert.Equal(t, 2, w.Steps())
	snap := w.Snapshot()
	assert.InDelta(t, 2133.3333, snap.ImagesPerSec, 1)
	assert.Equal(t, 128, snap.Samples)
	assert.InDelta(t, 15.0, snap.AvgDataMS, 1e-9)
	assert.InDelta(t, 1.0, snap.AvgLoss, 1e-9)
	assert.Equal(t, 0.8, snap.LastLoss)
	assert.Zero(t, w.Steps(), "window was not reset")
	assert.Equal(t, Snapshot{}, w.Snapshot())
}

func TestHistory(t *testing.T) {
	var h History
	_, ok := h.Best()
	assert.False(t, ok)

	h.Add(Epoch{Epoch: 1, TrainLoss: 4, ValLoss: 3, LR: 1})
	h.Add(Epoch{Epoch: 2, TrainLoss: 2, ValLoss: 1.5, LR: 0.7})
	h.Add(Epoch{Epoch: 3, TrainLoss: 1, ValLoss: 2, LR: 0.49})
	assert.Equal(t, 3, h.Len())
	best, ok := h.Best()
	require.True(t, ok)
	assert.Equal(t, 2, best.Epoch)
	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, 3, last.Epoch)
}

func TestHistoryPlot(t *testing.T) {
	dir := t.TempDir()
	var h History
	assert.Error(t, h.Plot(filepath.Join(dir, "empty.png")))

	h.Add(Epoch{Epoch: 1, TrainLoss: 4, ValLoss: 3})
	h.Add(Epoch{Epoch: 2, TrainLoss: 2, ValLoss: 1.5})
	path := filepath.Join(dir, "loss.png")
	require.NoError(t, h.Plot(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	h.Add(Epoch{Epoch: 3, TrainLoss: math.NaN(), ValLoss: 1})
	err = h.Plot(filepath.Join(dir, "nan.png"))
	assert.True(t, errs.Is(err, errs.Numeric), "got %v", err)
}
