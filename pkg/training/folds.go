package training

import (
	"fmt"

	"miqa/internal/models"
	"miqa/pkg/manifest"
)

// Split is the training and validation partition of one run.
type Split struct {
	Train []models.Record
	Val   []models.Record
}

// Rows returns the total number of examples.
func (s Split) Rows() int {
	return len(s.Train) + len(s.Val)
}

// All returns the training rows followed by the validation rows.
func (s Split) All() []models.Record {
	all := make([]models.Record, 0, s.Rows())
	all = append(all, s.Train...)
	return append(all, s.Val...)
}

// LoadFolds reads prefix0.csv .. prefix{count-1}.csv. Every fold must carry
// all of the schema's artifact columns.
func LoadFolds(prefix string, count int, schema models.Schema) ([][]models.Record, error) {
	if count <= 0 {
		return nil, fmt.Errorf("training: fold count must be positive, got %d", count)
	}
	folds := make([][]models.Record, count)
	for f := range folds {
		records, err := manifest.ReadFile(manifest.FoldPath(prefix, f), manifest.Options{Schema: schema, RequireArtifacts: true})
		if err != nil {
			return nil, err
		}
		folds[f] = records
	}
	return folds, nil
}

// AssembleSplit concatenates every fold except holdout into the training
// partition, in fold order, and uses the held-out fold for validation.
// The input folds are not modified.
func AssembleSplit(folds [][]models.Record, holdout int) (Split, error) {
	if holdout < 0 || holdout >= len(folds) {
		return Split{}, fmt.Errorf("training: validation fold %d outside 0..%d", holdout, len(folds)-1)
	}

	var split Split
	for f, fold := range folds {
		if f == holdout {
			continue
		}
		split.Train = append(split.Train, fold...)
	}
	split.Val = append([]models.Record(nil), folds[holdout]...)

	if len(split.Train) == 0 {
		return Split{}, fmt.Errorf("training: no training rows outside fold %d", holdout)
	}
	if len(split.Val) == 0 {
		return Split{}, fmt.Errorf("training: validation fold %d is empty", holdout)
	}
	return split, nil
}

// existing drops records the manifest marks as missing.
func existing(records []models.Record) []models.Record {
	kept := make([]models.Record, 0, len(records))
	for _, rec := range records {
		if rec.Exists {
			kept = append(kept, rec)
		}
	}
	return kept
}
