package sampling

import (
	"errors"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// WeightedSampler draws example indices with replacement, each index with
// probability proportional to its weight.
type WeightedSampler struct {
	dist    distuv.Categorical
	samples int
}

// NewWeightedSampler builds a sampler over weights that yields samples
// indices per epoch. The seed makes the draw sequence reproducible.
func NewWeightedSampler(weights []float64, samples int, seed uint64) (*WeightedSampler, error) {
	if len(weights) == 0 {
		return nil, errors.New("sampling: no weights")
	}
	var total float64
	for _, w := range weights {
		if w < 0 {
			return nil, errors.New("sampling: negative weight")
		}
		total += w
	}
	if total == 0 {
		return nil, errors.New("sampling: weights sum to zero")
	}

	return &WeightedSampler{
		dist:    distuv.NewCategorical(weights, rand.NewSource(seed)),
		samples: samples,
	}, nil
}

// Len returns the number of indices drawn per epoch.
func (s *WeightedSampler) Len() int {
	return s.samples
}

// Epoch draws one epoch of indices. Some examples may repeat and others may
// be skipped.
func (s *WeightedSampler) Epoch() []int {
	indices := make([]int, s.samples)
	for i := range indices {
		indices[i] = int(s.dist.Rand())
	}
	return indices
}
