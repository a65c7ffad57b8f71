package manifest

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"miqa/internal/models"
)

// PredictHDTable is the phenotype table of a PredictHD BIDS dataset,
// relative to its root.
const PredictHDTable = "phenotype/bids_image_qc_information.tsv"

// PredictHDPath builds the BIDS location of a PredictHD scan:
//
//	<root>/sub-<participant:06>/ses-<session>/anat/sub-<..>_ses-<..>_run-<series:03>_<type>.nii.gz
//
// type is T1w, T2w or PD taken from the series type, prefixed with BAD for
// scans with a quality score under 6.
func PredictHDPath(root, participant, session, seriesType, seriesNumber string, quality float64) (string, error) {
	if seriesType == "" {
		return "", fmt.Errorf("series type is empty")
	}
	sub, err := zeroPad(participant, 6)
	if err != nil {
		return "", fmt.Errorf("participant id: %w", err)
	}
	run, err := zeroPad(seriesNumber, 3)
	if err != nil {
		return "", fmt.Errorf("series number: %w", err)
	}

	scanType := "PD"
	if seriesType[0] == 'T' && len(seriesType) >= 2 {
		scanType = seriesType[:2] + "w"
	}
	if quality < 6 {
		scanType = "BAD" + scanType
	}

	subject := "sub-" + sub
	sessionDir := "ses-" + session
	name := strings.Join([]string{subject, sessionDir, "run-" + run, scanType}, "_") + ".nii.gz"
	return filepath.Join(root, subject, sessionDir, "anat", name), nil
}

// zeroPad left-pads a numeric identifier. Non-numeric identifiers are
// padded as text.
func zeroPad(id string, width int) (string, error) {
	if id == "" {
		return "", fmt.Errorf("identifier is empty")
	}
	if n, err := cast.ToFloat64E(id); err == nil && n >= 0 {
		return fmt.Sprintf("%0*d", width, int64(n)), nil
	}
	if len(id) >= width {
		return id, nil
	}
	return strings.Repeat("0", width-len(id)) + id, nil
}

// Quality scores assigned to NCANDA scans by directory.
const (
	NCANDAUnusableQuality = 3
	NCANDAUsableQuality   = 8
)

// ScanNCANDA walks an NCANDA tree laid out as <root>/<usable|unusable>/<participant>/.../<series>.nii.gz
// and returns one record per image. Artifact labels are unknown; dimensions
// are left for Probe to fill in.
func ScanNCANDA(root string, schema models.Schema) ([]models.Record, error) {
	var records []models.Record
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".nii.gz") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) < 3 {
			return nil
		}

		quality := float64(NCANDAUsableQuality)
		if parts[0] == "unusable" {
			quality = NCANDAUnusableQuality
		}

		rec := models.Record{
			ParticipantID: parts[1],
			SeriesType:    strings.TrimSuffix(d.Name(), ".nii.gz"),
			FilePath:      path,
			Exists:        true,
			Targets:       make([]float64, schema.Width()),
		}
		rec.Targets[0] = quality
		for a := range schema.Artifacts {
			rec.Targets[schema.ArtifactOffset()+a] = models.LabelUnknown
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].FilePath < records[j].FilePath })
	return records, nil
}

// SplitFolds deals records round-robin into count folds.
func SplitFolds(records []models.Record, count int) ([][]models.Record, error) {
	if count <= 0 {
		return nil, fmt.Errorf("fold count must be positive, got %d", count)
	}
	folds := make([][]models.Record, count)
	for i, rec := range records {
		folds[i%count] = append(folds[i%count], rec)
	}
	return folds, nil
}

// FoldPath returns the manifest file of fold f for a prefix.
func FoldPath(prefix string, f int) string {
	return prefix + strconv.Itoa(f) + ".csv"
}
