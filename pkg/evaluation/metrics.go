// Package evaluation scores quality predictions against ground truth:
// regression metrics on the continuous score, a confusion matrix and
// classification report on the rounded score, and per-artifact confusions.
package evaluation

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrLengthMismatch is returned when predictions and truth differ in length.
var ErrLengthMismatch = errors.New("evaluation: predictions and ground truth differ in length")

// RMSE is the root mean squared error of pred against truth.
func RMSE(pred, truth []float64) (float64, error) {
	if len(pred) != len(truth) {
		return 0, ErrLengthMismatch
	}
	if len(pred) == 0 {
		return math.NaN(), nil
	}
	return floats.Distance(pred, truth, 2) / math.Sqrt(float64(len(pred))), nil
}

// RSquared is the coefficient of determination of pred against truth. When
// truth is constant it is 1 for a perfect prediction and 0 otherwise.
func RSquared(pred, truth []float64) (float64, error) {
	if len(pred) != len(truth) {
		return 0, ErrLengthMismatch
	}
	if len(pred) == 0 {
		return math.NaN(), nil
	}

	mean := stat.Mean(truth, nil)
	var total float64
	for _, y := range truth {
		total += (y - mean) * (y - mean)
	}
	if total == 0 {
		if floats.Equal(pred, truth) {
			return 1, nil
		}
		return 0, nil
	}
	return stat.RSquaredFrom(pred, truth, nil), nil
}

// ClampRound rounds v half to even and clamps it to [lo, hi].
func ClampRound(v float64, lo, hi int) int {
	if math.IsNaN(v) {
		return lo
	}
	r := math.RoundToEven(v)
	if r < float64(lo) {
		return lo
	}
	if r > float64(hi) {
		return hi
	}
	return int(r)
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
