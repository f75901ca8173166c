package optim

import "math"

// RateSetter is anything whose learning rate can be changed.
type RateSetter interface {
	SetLR(lr float64)
}

// StepLR decays the learning rate by gamma once per epoch.
type StepLR struct {
	opt     RateSetter
	initial float64
	gamma   float64
	epoch   int
}

// NewStepLR sets opt's learning rate to initial and returns the schedule.
func NewStepLR(opt RateSetter, initial, gamma float64) *StepLR {
	opt.SetLR(initial)
	return &StepLR{opt: opt, initial: initial, gamma: gamma}
}

// Rate is the learning rate after the given number of completed epochs.
func (s *StepLR) Rate(epoch int) float64 {
	return s.initial * math.Pow(s.gamma, float64(epoch))
}

// Epoch is the number of completed steps.
func (s *StepLR) Epoch() int { return s.epoch }

// Step advances the schedule by one epoch and returns the new rate.
func (s *StepLR) Step() float64 {
	s.epoch++
	lr := s.Rate(s.epoch)
	s.opt.SetLR(lr)
	return lr
}
