// Package loss implements the combined quality-regression and artifact
// focal loss used to train the tiled classifier.
package loss

import "math"

// DefaultFocalGamma is the focusing parameter used when none is configured.
const DefaultFocalGamma = 2.0

// Focal is a binary focal loss on logits:
//
//	L(x, t) = (1 - p_t)^gamma * BCE(sigmoid(x), t)
//
// where p_t is the predicted probability of the true class.
// Well-classified examples are down-weighted by the (1 - p_t)^gamma factor.
type Focal struct {
	Gamma float64
}

// Value returns the focal loss of one logit against a 0/1 target.
func (f Focal) Value(logit, target float64) float64 {
	z := signedLogit(logit, target)
	return math.Pow(sigmoid(-z), f.Gamma) * softplus(-z)
}

// Derivative returns dL/dlogit.
func (f Focal) Derivative(logit, target float64) float64 {
	s := 2*target - 1
	z := s * logit
	p := sigmoid(z)
	q := sigmoid(-z) // 1 - p, computed without cancellation

	// dL/dz = -q^gamma * (gamma*p*softplus(-z) + q)
	dz := -math.Pow(q, f.Gamma) * (f.Gamma*p*softplus(-z) + q)
	return s * dz
}

func signedLogit(logit, target float64) float64 {
	return (2*target - 1) * logit
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// softplus computes log(1 + e^x) without overflow.
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}
