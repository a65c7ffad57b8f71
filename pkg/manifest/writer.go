package manifest

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"miqa/internal/models"
)

// Write emits records as a customized manifest that Read accepts again:
// identifiers, regression targets, artifact flags, then the resolved path
// and its probe results.
func Write(w io.Writer, records []models.Record, schema models.Schema) error {
	header := []string{ColParticipant, ColSession, ColSeriesType, ColSeriesNumber}
	for _, field := range schema.Regression {
		header = append(header, field.Column)
	}
	header = append(header, schema.Artifacts...)
	header = append(header, ColFilePath, ColExists, ColDimensions)

	out := csv.NewWriter(w)
	if err := out.Write(header); err != nil {
		return err
	}

	offset := schema.ArtifactOffset()
	for _, rec := range records {
		row := []string{rec.ParticipantID, rec.SessionID, rec.SeriesType, rec.SeriesNumber}
		for i := range schema.Regression {
			row = append(row, formatFloat(target(rec, i)))
		}
		for a := range schema.Artifacts {
			row = append(row, formatLabel(target(rec, offset+a)))
		}
		row = append(row, rec.FilePath, strconv.FormatBool(rec.Exists), FormatDimensions(rec.Dimensions))
		if err := out.Write(row); err != nil {
			return err
		}
	}

	out.Flush()
	return out.Error()
}

// WriteFile writes records to path.
func WriteFile(path string, records []models.Record, schema models.Schema) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := Write(file, records, schema); err != nil {
		return err
	}
	return file.Close()
}

func target(rec models.Record, i int) float64 {
	if i < len(rec.Targets) {
		return rec.Targets[i]
	}
	return models.LabelUnknown
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatLabel(v float64) string {
	switch v {
	case models.LabelPresent:
		return "True"
	case models.LabelAbsent:
		return "False"
	}
	return ""
}
