// Package sampling derives the static weights used to counter class
// imbalance during training: one class weight per artifact and one sample
// weight per training example.
package sampling

import (
	"fmt"
	"math"

	"miqa/internal/models"
)

// DefaultQASampleCounts is the reference histogram of overall quality labels
// (index = quality score 0..10) that sample weights are derived from. It is
// an empirical constant from the PredictHD dataset; other datasets should
// configure their own.
var DefaultQASampleCounts = []float64{
	374, // qa == 0
	19,
	25,
	7,
	19,
	11,
	2903,
	521,
	2398,
	1908,
	1290, // qa == 10
}

// ClassWeights computes, for every schema artifact, the fraction of negative
// examples among the labeled ones: negatives / (negatives + positives).
// Unknown labels count as neither. An artifact without any label gets 0.5,
// which weighs both classes equally.
func ClassWeights(schema models.Schema, targets [][]float64) []float64 {
	offset := schema.ArtifactOffset()
	negatives := make([]int, len(schema.Artifacts))
	positives := make([]int, len(schema.Artifacts))

	for _, target := range targets {
		for a := range schema.Artifacts {
			if offset+a >= len(target) {
				continue
			}
			switch target[offset+a] {
			case models.LabelAbsent:
				negatives[a]++
			case models.LabelPresent:
				positives[a]++
			}
		}
	}

	weights := make([]float64, len(schema.Artifacts))
	for a := range weights {
		total := negatives[a] + positives[a]
		if total == 0 {
			weights[a] = 0.5
			continue
		}
		weights[a] = float64(negatives[a]) / float64(total)
	}
	return weights
}

// SampleWeights returns 1000 / counts[round(quality)] for every example,
// rounding half to even.
// A quality that rounds outside the histogram, or a bucket with a
// non-positive count, is an error.
func SampleWeights(qualities []float64, counts []float64) ([]float64, error) {
	weights := make([]float64, len(qualities))
	for i, q := range qualities {
		if math.IsNaN(q) {
			return nil, fmt.Errorf("sample %d: quality is NaN", i)
		}
		bucket := int(math.RoundToEven(q))
		if bucket < 0 || bucket >= len(counts) {
			return nil, fmt.Errorf("sample %d: quality %g outside histogram 0..%d", i, q, len(counts)-1)
		}
		if counts[bucket] <= 0 {
			return nil, fmt.Errorf("sample %d: histogram bucket %d has count %g", i, bucket, counts[bucket])
		}
		weights[i] = 1000 / counts[bucket]
	}
	return weights, nil
}
