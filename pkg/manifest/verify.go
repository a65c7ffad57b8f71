package manifest

import (
	"fmt"
	"os"

	"miqa/internal/models"
	"miqa/pkg/volume"
)

// DimensionFunc returns the (x, y, z) extent of an image.
type DimensionFunc func(path string) ([3]int, error)

// Tally summarizes one pass over a manifest's images.
type Tally struct {
	Existing int
	Missing  int
	Problems []Problem
}

// OK reports whether every image passed.
func (t Tally) OK() bool {
	return len(t.Problems) == 0
}

// Probe fills Exists and Dimensions for every record in place and counts
// the results. A nil dims uses volume.Dimensions.
func Probe(records []models.Record, dims DimensionFunc) Tally {
	if dims == nil {
		dims = volume.Dimensions
	}

	var tally Tally
	for i := range records {
		rec := &records[i]
		if _, err := os.Stat(rec.FilePath); err != nil {
			rec.Exists = false
			rec.Dimensions = [3]int{}
			tally.Missing++
			tally.Problems = append(tally.Problems, Problem{Row: i, Path: rec.FilePath, Err: err})
			continue
		}
		rec.Exists = true
		tally.Existing++

		d, err := dims(rec.FilePath)
		if err != nil {
			tally.Problems = append(tally.Problems, Problem{Row: i, Path: rec.FilePath, Err: err})
			continue
		}
		rec.Dimensions = d
		if d[0] <= 0 || d[1] <= 0 || d[2] <= 0 {
			tally.Problems = append(tally.Problems, Problem{
				Row:  i,
				Path: rec.FilePath,
				Err:  fmt.Errorf("image size is %s", FormatDimensions(d)),
			})
		}
	}
	return tally
}

// Verify probes every record of every set and returns the merged tally
// with a FileIntegrityError listing every failing image across all sets,
// or nil when all of them decode. Problem rows index into their own set.
func Verify(dims DimensionFunc, sets ...[]models.Record) (Tally, error) {
	var total Tally
	for _, records := range sets {
		tally := Probe(records, dims)
		total.Existing += tally.Existing
		total.Missing += tally.Missing
		total.Problems = append(total.Problems, tally.Problems...)
	}
	if !total.OK() {
		return total, &FileIntegrityError{Problems: total.Problems}
	}
	return total, nil
}
