package metrics

import (
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"locnet/internal/errs"
)

// Epoch holds the losses of one completed epoch.
type Epoch struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	LR        float64
}

// History is the ordered list of completed epochs.
type History struct {
	Epochs []Epoch
}

// Add appends an epoch.
func (h *History) Add(e Epoch) { h.Epochs = append(h.Epochs, e) }

// Len is the number of recorded epochs.
func (h *History) Len() int { return len(h.Epochs) }

// Last returns the most recent epoch.
func (h *History) Last() (Epoch, bool) {
	if len(h.Epochs) == 0 {
		return Epoch{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// Best returns the epoch with the lowest validation loss.
func (h *History) Best() (Epoch, bool) {
	if len(h.Epochs) == 0 {
		return Epoch{}, false
	}
	best := h.Epochs[0]
	for _, e := range h.Epochs[1:] {
		if e.ValLoss < best.ValLoss {
			best = e
		}
	}
	return best, true
}

// Plot renders the train and validation loss curves as an image. The
// format follows the file extension (png, svg, pdf, ...).
func (h *History) Plot(path string) error {
	if len(h.Epochs) == 0 {
		return errs.New(errs.Unknown, "plot %s: no epochs recorded", path)
	}
	p := plot.New()
	p.Title.Text = "Loss"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "MSE"

	train := make(plotter.XYs, len(h.Epochs))
	val := make(plotter.XYs, len(h.Epochs))
	for i, e := range h.Epochs {
		train[i] = plotter.XY{X: float64(e.Epoch), Y: e.TrainLoss}
		val[i] = plotter.XY{X: float64(e.Epoch), Y: e.ValLoss}
	}
	if err := plotutil.AddLinePoints(p, "train", train, "validation", val); err != nil {
		return errs.Wrap(errs.Numeric, err, "plot %s", path)
	}
	p.Add(plotter.NewGrid())
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errs.Wrap(errs.IO, err, "save plot")
	}
	return nil
}
