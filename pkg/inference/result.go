// Package inference applies a trained tiled classifier to images and
// names its outputs.
//
// Inference results are the raw network outputs. Rounding and clamping the
// quality score to 0..10 is a training diagnostic (see Report) and is never
// applied to the values returned by EvaluateOne or EvaluateMany. ReviewScores
// is the separate presentation step that maps raw outputs onto the [0, 1]
// scores shown to reviewers.
package inference

import (
	"miqa/internal/models"
	"miqa/pkg/evaluation"
	"miqa/pkg/loss"
)

// Result maps output names to raw predicted values.
type Result map[string]float64

// Label names every position of an output vector by the schema.
func Label(schema models.Schema, vec []float64) (Result, error) {
	names := schema.Names()
	if len(vec) != len(names) {
		return nil, &loss.ShapeMismatchError{Prediction: len(vec), Target: len(names), Expected: len(names)}
	}
	result := make(Result, len(names))
	for i, name := range names {
		result[name] = vec[i]
	}
	return result, nil
}

// Vector returns the values of r in schema order. Missing names are 0.
func (r Result) Vector(schema models.Schema) []float64 {
	names := schema.Names()
	vec := make([]float64, len(names))
	for i, name := range names {
		vec[i] = r[name]
	}
	return vec
}

// Artifacts whose presence is desirable keep their orientation in review
// scores; every other artifact is reported as its absence.
var positiveArtifacts = map[string]bool{
	"normal_variants":     true,
	"full_brain_coverage": true,
}

// reviewNames renames artifacts for reviewer-facing output.
var reviewNames = map[string]string{
	"susceptibility_metal": "metal_susceptibility",
}

// ReviewScores converts a raw result into reviewer-facing scores in [0, 1]:
// overall quality divided by 10, and each artifact clamped and, unless its
// presence is desirable, inverted and prefixed with "no_". Only overall
// quality and the artifacts are reported.
func ReviewScores(schema models.Schema, r Result) map[string]float64 {
	scores := make(map[string]float64, len(schema.Artifacts)+1)
	quality := schema.Regression[0].Name
	scores[quality] = evaluation.Clamp(r[quality]/10, 0, 1)

	for _, artifact := range schema.Artifacts {
		name := artifact
		if renamed, ok := reviewNames[artifact]; ok {
			name = renamed
		}
		value := evaluation.Clamp(r[artifact], 0, 1)
		if !positiveArtifacts[artifact] {
			name = "no_" + name
			value = 1 - value
		}
		scores[name] = value
	}
	return scores
}
