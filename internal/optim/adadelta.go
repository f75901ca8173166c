// Package optim holds the parameter update rule and the learning-rate
// schedule used by the trainer.
package optim

import (
	"math"

	"locnet/internal/errs"
	"locnet/internal/model"
)

// Adadelta defaults.
const (
	DefaultRho     = 0.9
	DefaultEpsilon = 1e-6
)

// Adadelta implements the Adadelta update with a learning-rate multiplier:
//
//	sq  = rho*sq + (1-rho)*g^2
//	d   = sqrt(acc+eps) / sqrt(sq+eps) * g
//	acc = rho*acc + (1-rho)*d^2
//	p  -= lr * d
//
// State is kept per parameter and allocated on the first step.
type Adadelta struct {
	lr, rho, eps float64
	state        map[*model.Param]*adadeltaState
	steps        int
}

type adadeltaState struct {
	squareAvg []float32
	accDelta  []float32
}

// NewAdadelta returns an optimizer with the default rho and epsilon.
func NewAdadelta(lr float64) *Adadelta {
	return &Adadelta{lr: lr, rho: DefaultRho, eps: DefaultEpsilon, state: make(map[*model.Param]*adadeltaState)}
}

// LR returns the current learning rate.
func (a *Adadelta) LR() float64 { return a.lr }

// SetLR changes the learning rate used by subsequent steps.
func (a *Adadelta) SetLR(lr float64) { a.lr = lr }

// Steps is the number of updates applied so far.
func (a *Adadelta) Steps() int { return a.steps }

// Step updates every parameter from its accumulated gradient.
func (a *Adadelta) Step(params []*model.Param) error {
	rho, eps, lr := float32(a.rho), float32(a.eps), float32(a.lr)
	for _, p := range params {
		if !p.Grad.Shape().Equal(p.Value.Shape()) {
			return errs.New(errs.Shape, "adadelta: %s gradient %s does not match value %s", p.Name, p.Grad.Shape(), p.Value.Shape())
		}
		st, ok := a.state[p]
		if !ok {
			st = &adadeltaState{
				squareAvg: make([]float32, p.Value.Size()),
				accDelta:  make([]float32, p.Value.Size()),
			}
			a.state[p] = st
		}
		values, grads := p.Value.Data(), p.Grad.Data()
		for i, g := range grads {
			sq := rho*st.squareAvg[i] + (1-rho)*g*g
			d := sqrt32(st.accDelta[i]+eps) / sqrt32(sq+eps) * g
			st.squareAvg[i] = sq
			st.accDelta[i] = rho*st.accDelta[i] + (1-rho)*d*d
			values[i] -= lr * d
		}
	}
	a.steps++
	return nil
}

func sqrt32(v float32) float32 { return float32(math.Sqrt(float64(v))) }
