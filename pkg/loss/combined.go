package loss

import (
	"fmt"

	"miqa/internal/models"
)

// DefaultQualityWeight scales the overall quality term relative to the
// artifact terms.
const DefaultQualityWeight = 10.0

// ShapeMismatchError reports prediction and target vectors that cannot be compared.
type ShapeMismatchError struct {
	Prediction, Target, Expected int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("loss: prediction length %d and target length %d must both be %d",
		e.Prediction, e.Target, e.Expected)
}

// Combined is the training loss of one prediction vector:
//
//	QualityWeight * (pred[0] - target[0])^2
//	+ NuisanceWeight * sum of squared errors of the other regression outputs
//	+ sum over labeled artifacts a of Focal(pred[a], target[a]) * w
//
// where w is ClassWeights[a] for a positive label and 1 - ClassWeights[a]
// for a negative one. Artifacts labeled models.LabelUnknown contribute nothing.
type Combined struct {
	Schema         models.Schema
	ClassWeights   []float64
	QualityWeight  float64
	NuisanceWeight float64
	Focal          Focal
}

// NewCombined builds the loss with the default weights. classWeights must
// hold one value per schema artifact.
func NewCombined(schema models.Schema, classWeights []float64) (*Combined, error) {
	if len(classWeights) != len(schema.Artifacts) {
		return nil, fmt.Errorf("loss: %d class weights for %d artifacts", len(classWeights), len(schema.Artifacts))
	}
	return &Combined{
		Schema:        schema,
		ClassWeights:  append([]float64(nil), classWeights...),
		QualityWeight: DefaultQualityWeight,
		Focal:         Focal{Gamma: DefaultFocalGamma},
	}, nil
}

func (c *Combined) check(pred, target []float64) error {
	width := c.Schema.Width()
	if len(pred) != len(target) || len(pred) != width {
		return &ShapeMismatchError{Prediction: len(pred), Target: len(target), Expected: width}
	}
	return nil
}

// Loss returns the scalar loss of one example.
func (c *Combined) Loss(pred, target []float64) (float64, error) {
	loss, _, err := c.evaluate(pred, target, false)
	return loss, err
}

// Gradient returns the loss of one example and its gradient with respect to
// every prediction element.
func (c *Combined) Gradient(pred, target []float64) (float64, []float64, error) {
	return c.evaluate(pred, target, true)
}

// BatchLoss returns the mean per-example loss of a batch.
func (c *Combined) BatchLoss(preds, targets [][]float64) (float64, error) {
	if len(preds) != len(targets) {
		return 0, &ShapeMismatchError{Prediction: len(preds), Target: len(targets), Expected: len(targets)}
	}
	if len(preds) == 0 {
		return 0, nil
	}

	var total float64
	for i := range preds {
		l, err := c.Loss(preds[i], targets[i])
		if err != nil {
			return 0, err
		}
		total += l
	}
	return total / float64(len(preds)), nil
}

func (c *Combined) evaluate(pred, target []float64, withGrad bool) (float64, []float64, error) {
	if err := c.check(pred, target); err != nil {
		return 0, nil, err
	}

	var grad []float64
	if withGrad {
		grad = make([]float64, len(pred))
	}

	diff := pred[0] - target[0]
	loss := c.QualityWeight * diff * diff
	if withGrad {
		grad[0] = 2 * c.QualityWeight * diff
	}

	offset := c.Schema.ArtifactOffset()
	if c.NuisanceWeight > 0 {
		for i := 1; i < offset; i++ {
			d := pred[i] - target[i]
			loss += c.NuisanceWeight * d * d
			if withGrad {
				grad[i] = 2 * c.NuisanceWeight * d
			}
		}
	}

	for a, w := range c.ClassWeights {
		i := offset + a
		label := target[i]
		if label == models.LabelUnknown {
			continue
		}
		scale := 1 - w
		if label == models.LabelPresent {
			scale = w
		}
		loss += scale * c.Focal.Value(pred[i], label)
		if withGrad {
			grad[i] = scale * c.Focal.Derivative(pred[i], label)
		}
	}

	return loss, grad, nil
}
