package network

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Adam is the Adam optimizer over a fixed parameter list.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	params []Param
	m, v   [][]float64
	step   int
}

// NewAdam creates an optimizer with the usual betas (0.9, 0.999).
func NewAdam(params []Param, lr float64) *Adam {
	a := &Adam{
		LR:     lr,
		Beta1:  0.9,
		Beta2:  0.999,
		Eps:    1e-8,
		params: params,
		m:      make([][]float64, len(params)),
		v:      make([][]float64, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float64, len(p.Value))
		a.v[i] = make([]float64, len(p.Value))
	}
	return a
}

// Step applies one update from the accumulated gradients.
// Nothing is updated when any gradient is NaN or infinite.
func (a *Adam) Step() error {
	for _, p := range a.params {
		if floats.HasNaN(p.Grad) || !isFinite(p.Grad) {
			return fmt.Errorf("optimizer: parameter %q has a non-finite gradient", p.Name)
		}
	}

	a.step++
	correct1 := 1 - math.Pow(a.Beta1, float64(a.step))
	correct2 := 1 - math.Pow(a.Beta2, float64(a.step))

	for i, p := range a.params {
		m, v := a.m[i], a.v[i]
		for j, g := range p.Grad {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g*g
			mHat := m[j] / correct1
			vHat := v[j] / correct2
			p.Value[j] -= a.LR * mHat / (math.Sqrt(vHat) + a.Eps)
		}
	}
	return nil
}

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int {
	return a.step
}

func isFinite(values []float64) bool {
	for _, v := range values {
		if math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ExponentialLR multiplies the optimizer's learning rate by Gamma on every Step.
type ExponentialLR struct {
	Gamma float64
	opt   *Adam
}

// NewExponentialLR schedules opt.
func NewExponentialLR(opt *Adam, gamma float64) *ExponentialLR {
	return &ExponentialLR{Gamma: gamma, opt: opt}
}

// Step decays the learning rate and returns the new value.
func (s *ExponentialLR) Step() float64 {
	s.opt.LR *= s.Gamma
	return s.opt.LR
}
