// Package network holds the fixed-input model the tiled classifier wraps,
// its trainable parameters and the optimizer that updates them.
package network

import (
	"fmt"
	"sort"

	"miqa/pkg/tiling"
)

// Param is one named parameter tensor and its accumulated gradient. Value
// and Grad alias the model's storage.
type Param struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

// Tensor is a serializable copy of a parameter.
type Tensor struct {
	Shape []int
	Data  []float64
}

// StateDict maps parameter names to their values.
type StateDict map[string]Tensor

// Names returns the parameter names in sorted order.
func (s StateDict) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Model is a trainable network with named parameters.
type Model interface {
	tiling.Trainable

	// Architecture identifies the layer layout so checkpoints can refuse
	// weights made for another network
	Architecture() string

	Parameters() []Param
	ZeroGrad()
	SetTraining(training bool)
}

// CaptureState copies every parameter of m.
func CaptureState(m Model) StateDict {
	state := make(StateDict)
	for _, p := range m.Parameters() {
		state[p.Name] = Tensor{
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Value...),
		}
	}
	return state
}

// LoadState copies state into the parameters of m. Every parameter must be
// present with a matching shape.
func LoadState(m Model, state StateDict) error {
	params := m.Parameters()
	if len(state) != len(params) {
		return fmt.Errorf("state has %d tensors, model has %d parameters", len(state), len(params))
	}
	for _, p := range params {
		t, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("state is missing parameter %q", p.Name)
		}
		if !sameShape(t.Shape, p.Shape) || len(t.Data) != len(p.Value) {
			return fmt.Errorf("parameter %q: state shape %v, model shape %v", p.Name, t.Shape, p.Shape)
		}
	}
	for _, p := range params {
		copy(p.Value, state[p.Name].Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
