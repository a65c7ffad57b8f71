// Package manifest reads and writes the ground-truth tables that drive
// training: one row per scan with its quality score, artifact flags and
// image location.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"miqa/internal/models"
)

// Manifest column names.
const (
	ColParticipant  = "participant_id"
	ColSession      = "session_id"
	ColSeriesType   = "series_type"
	ColSeriesNumber = "series_number"
	ColFilePath     = "file_path"
	ColExists       = "exists"
	ColDimensions   = "dimensions"
)

// Options controls how rows are turned into records.
type Options struct {
	// Schema decides which regression and artifact columns are read
	Schema models.Schema

	// Root, when set, is used to construct PredictHD paths for manifests
	// without a file_path column
	Root string

	// Comma overrides the delimiter; by default .tsv files use a tab and
	// everything else a comma
	Comma rune

	// RequireArtifacts rejects manifests missing any of the schema's
	// artifact columns instead of reading them as unknown
	RequireArtifacts bool
}

// ReadFile reads the manifest at path.
func ReadFile(path string, opts Options) ([]models.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if opts.Comma == 0 && strings.EqualFold(filepath.Ext(path), ".tsv") {
		opts.Comma = '\t'
	}
	records, err := Read(file, opts)
	var me *ManifestError
	if errors.As(err, &me) && me.Path == "" {
		me.Path = path
	}
	return records, err
}

// Read parses manifest rows from r. The overall quality column is required;
// the remaining regression columns default to 0 when absent. Empty artifact
// cells yield models.LabelUnknown, as do absent artifact columns unless
// opts.RequireArtifacts is set.
func Read(r io.Reader, opts Options) ([]models.Record, error) {
	reader := csv.NewReader(r)
	if opts.Comma != 0 {
		reader.Comma = opts.Comma
	}
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, &ManifestError{Msg: "empty manifest"}
	}
	if err != nil {
		return nil, &ManifestError{Msg: err.Error()}
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}

	schema := opts.Schema
	if len(schema.Regression) == 0 {
		return nil, &ManifestError{Msg: "schema has no regression outputs"}
	}
	quality := schema.Regression[0].Column
	if _, ok := columns[quality]; !ok {
		return nil, &ManifestError{Column: quality, Msg: "required column is missing"}
	}
	_, hasPath := columns[ColFilePath]
	if !hasPath && opts.Root == "" {
		return nil, &ManifestError{Column: ColFilePath, Msg: "required column is missing and no data root was given"}
	}
	if opts.RequireArtifacts {
		for _, artifact := range schema.Artifacts {
			if _, ok := columns[artifact]; !ok {
				return nil, &ManifestError{Column: artifact, Msg: "required artifact column is missing"}
			}
		}
	}

	var records []models.Record
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ManifestError{Line: line, Msg: err.Error()}
		}

		cell := func(name string) (string, bool) {
			i, ok := columns[name]
			if !ok || i >= len(row) {
				return "", false
			}
			return strings.TrimSpace(row[i]), true
		}

		rec := models.Record{
			Targets: make([]float64, schema.Width()),
			Exists:  true,
		}
		rec.ParticipantID, _ = cell(ColParticipant)
		rec.SessionID, _ = cell(ColSession)
		rec.SeriesType, _ = cell(ColSeriesType)
		rec.SeriesNumber, _ = cell(ColSeriesNumber)

		for i, field := range schema.Regression {
			raw, ok := cell(field.Column)
			if !ok || isMissing(raw) {
				if i == 0 {
					return nil, &ManifestError{Line: line, Column: field.Column, Msg: "quality score is empty"}
				}
				continue
			}
			value, err := cast.ToFloat64E(raw)
			if err != nil {
				return nil, &ManifestError{Line: line, Column: field.Column, Msg: err.Error()}
			}
			rec.Targets[i] = value
		}

		offset := schema.ArtifactOffset()
		for a, artifact := range schema.Artifacts {
			raw, _ := cell(artifact)
			label, err := parseLabel(raw)
			if err != nil {
				return nil, &ManifestError{Line: line, Column: artifact, Msg: err.Error()}
			}
			rec.Targets[offset+a] = label
		}

		if hasPath {
			rec.FilePath, _ = cell(ColFilePath)
		} else {
			rec.FilePath, err = PredictHDPath(opts.Root, rec.ParticipantID, rec.SessionID, rec.SeriesType, rec.SeriesNumber, rec.Quality())
			if err != nil {
				return nil, &ManifestError{Line: line, Msg: err.Error()}
			}
		}
		if rec.FilePath == "" {
			return nil, &ManifestError{Line: line, Column: ColFilePath, Msg: "empty image path"}
		}

		if raw, ok := cell(ColExists); ok && raw != "" {
			exists, err := cast.ToBoolE(raw)
			if err != nil {
				return nil, &ManifestError{Line: line, Column: ColExists, Msg: err.Error()}
			}
			rec.Exists = exists
		}
		if raw, ok := cell(ColDimensions); ok && raw != "" {
			dims, err := ParseDimensions(raw)
			if err != nil {
				return nil, &ManifestError{Line: line, Column: ColDimensions, Msg: err.Error()}
			}
			rec.Dimensions = dims
		}

		records = append(records, rec)
	}
	return records, nil
}

func isMissing(raw string) bool {
	switch strings.ToLower(raw) {
	case "", "nan", "na", "none", "null":
		return true
	}
	return false
}

// parseLabel maps a boolean cell to 1 or 0 and an empty one to unknown.
func parseLabel(raw string) (float64, error) {
	if isMissing(raw) {
		return models.LabelUnknown, nil
	}
	if value, err := strconv.ParseFloat(raw, 64); err == nil {
		switch value {
		case models.LabelPresent, models.LabelAbsent, models.LabelUnknown:
			return value, nil
		}
		return 0, fmt.Errorf("artifact label %g is not 0, 1 or -1", value)
	}

	value, err := cast.ToBoolE(raw)
	if err != nil {
		return 0, fmt.Errorf("unrecognized artifact label %q", raw)
	}
	if value {
		return models.LabelPresent, nil
	}
	return models.LabelAbsent, nil
}

// ParseDimensions parses "(x, y, z)" or "x,y,z".
func ParseDimensions(raw string) ([3]int, error) {
	trimmed := strings.Trim(strings.TrimSpace(raw), "()[]")
	parts := strings.Split(trimmed, ",")
	if len(parts) != 3 {
		return [3]int{}, fmt.Errorf("dimensions %q do not have three components", raw)
	}

	var dims [3]int
	for i, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || value < 0 || value != math.Trunc(value) {
			return [3]int{}, fmt.Errorf("invalid dimension %q", part)
		}
		dims[i] = int(value)
	}
	return dims, nil
}

// FormatDimensions renders dims the way ParseDimensions reads them.
func FormatDimensions(dims [3]int) string {
	return fmt.Sprintf("(%d, %d, %d)", dims[0], dims[1], dims[2])
}
