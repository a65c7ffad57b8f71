package manifest

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miqa/internal/models"
)

const foldCSV = `participant_id,session_id,series_type,series_number,overall_qa_assessment,snr,cnr,normal_variants,lesions,ghosting_motion,file_path
12,1,T1,3,7,12.5,3.1,False,True,,/data/a.nii.gz
13,2,PD,14,4,,,1,0,-1,/data/b.nii.gz
`

func TestReadFold(t *testing.T) {
	records, err := Read(strings.NewReader(foldCSV), Options{Schema: models.SchemaT1})
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, "12", first.ParticipantID)
	assert.Equal(t, "/data/a.nii.gz", first.FilePath)
	assert.True(t, first.Exists)
	assert.Equal(t, []float64{7, 12.5, 3.1}, first.Targets[:3])

	offset := models.SchemaT1.ArtifactOffset()
	assert.Equal(t, float64(models.LabelAbsent), first.Targets[offset+0])
	assert.Equal(t, float64(models.LabelPresent), first.Targets[offset+1])
	// column present but empty
	assert.Equal(t, float64(models.LabelUnknown), first.Targets[offset+5])
	// column absent
	assert.Equal(t, float64(models.LabelUnknown), first.Targets[offset+9])

	second := records[1]
	assert.Equal(t, 4.0, second.Quality())
	assert.Equal(t, 0.0, second.Targets[1])
	assert.Equal(t, float64(models.LabelPresent), second.Targets[offset+0])
	assert.Equal(t, float64(models.LabelAbsent), second.Targets[offset+1])
	assert.Equal(t, float64(models.LabelUnknown), second.Targets[offset+5])
}

func TestReadErrors(t *testing.T) {
	var me *ManifestError

	_, err := Read(strings.NewReader("participant_id,file_path\n1,/a\n"), Options{Schema: models.SchemaMix})
	require.True(t, errors.As(err, &me), "expected ManifestError, got %v", err)
	assert.Equal(t, "overall_qa_assessment", me.Column)

	_, err = Read(strings.NewReader("overall_qa_assessment\n5\n"), Options{Schema: models.SchemaMix})
	require.True(t, errors.As(err, &me))
	assert.Equal(t, ColFilePath, me.Column)

	_, err = Read(strings.NewReader("overall_qa_assessment,file_path,lesions\n5,/a,maybe\n"), Options{Schema: models.SchemaMix})
	require.True(t, errors.As(err, &me))
	assert.Equal(t, 2, me.Line)
	assert.Equal(t, "lesions", me.Column)

	_, err = Read(strings.NewReader("overall_qa_assessment,file_path\n,/a\n"), Options{Schema: models.SchemaMix})
	require.True(t, errors.As(err, &me))

	_, err = Read(strings.NewReader(""), Options{Schema: models.SchemaMix})
	require.True(t, errors.As(err, &me))
}

func TestReadRequireArtifacts(t *testing.T) {
	_, err := Read(strings.NewReader(foldCSV), Options{Schema: models.SchemaT1, RequireArtifacts: true})
	var me *ManifestError
	require.True(t, errors.As(err, &me), "expected ManifestError, got %v", err)
	assert.Equal(t, "full_brain_coverage", me.Column)

	var buf bytes.Buffer
	records, err := Read(strings.NewReader(foldCSV), Options{Schema: models.SchemaT1})
	require.NoError(t, err)
	require.NoError(t, Write(&buf, records, models.SchemaT1))
	again, err := Read(&buf, Options{Schema: models.SchemaT1, RequireArtifacts: true})
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestReadTSVWithRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qc.tsv")
	tsv := "participant_id\tsession_id\tseries_type\tseries_number\toverall_qa_assessment\n" +
		"42\t7\tT2\t5\t9\n" +
		"42\t7\tPD\t6\t2\n"
	require.NoError(t, os.WriteFile(path, []byte(tsv), 0644))

	records, err := ReadFile(path, Options{Schema: models.SchemaMix, Root: "/bids"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "/bids/sub-000042/ses-7/anat/sub-000042_ses-7_run-005_T2w.nii.gz", records[0].FilePath)
	assert.Equal(t, "/bids/sub-000042/ses-7/anat/sub-000042_ses-7_run-006_BADPD.nii.gz", records[1].FilePath)
}

func TestPredictHDPath(t *testing.T) {
	tests := []struct {
		participant, session, seriesType, series string
		quality                                  float64
		want                                     string
	}{
		{"1", "2", "T1_MPRAGE", "3", 6, "r/sub-000001/ses-2/anat/sub-000001_ses-2_run-003_T1w.nii.gz"},
		{"1", "2", "T1", "3", 5.9, "r/sub-000001/ses-2/anat/sub-000001_ses-2_run-003_BADT1w.nii.gz"},
		{"123456", "10", "PD", "120", 8, "r/sub-123456/ses-10/anat/sub-123456_ses-10_run-120_PD.nii.gz"},
	}
	for _, tc := range tests {
		got, err := PredictHDPath("r", tc.participant, tc.session, tc.seriesType, tc.series, tc.quality)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := PredictHDPath("r", "1", "1", "", "1", 8)
	assert.Error(t, err)
}

func TestScanNCANDA(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{
		"usable/NCANDA_S001/baseline/t1.nii.gz",
		"unusable/NCANDA_S002/t2.nii.gz",
		"usable/NCANDA_S003/notes.txt",
	} {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	}

	records, err := ScanNCANDA(root, models.SchemaMix)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byParticipant := map[string]models.Record{}
	for _, rec := range records {
		byParticipant[rec.ParticipantID] = rec
	}
	assert.Equal(t, float64(NCANDAUsableQuality), byParticipant["NCANDA_S001"].Quality())
	assert.Equal(t, "t1", byParticipant["NCANDA_S001"].SeriesType)
	assert.Equal(t, float64(NCANDAUnusableQuality), byParticipant["NCANDA_S002"].Quality())
	assert.Equal(t, float64(models.LabelUnknown), byParticipant["NCANDA_S002"].Targets[1])
}

func TestVerifyAggregatesFailures(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.nii.gz")
	flat := filepath.Join(dir, "flat.nii.gz")
	broken := filepath.Join(dir, "broken.nii.gz")
	for _, p := range []string{good, flat, broken} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}

	dims := func(path string) ([3]int, error) {
		switch path {
		case good:
			return [3]int{4, 5, 6}, nil
		case flat:
			return [3]int{4, 5, 0}, nil
		}
		return [3]int{}, errors.New("cannot decode")
	}

	records := []models.Record{
		{FilePath: good},
		{FilePath: filepath.Join(dir, "missing.nii.gz")},
		{FilePath: flat},
		{FilePath: broken},
	}
	tally, err := Verify(dims, records)

	var fie *FileIntegrityError
	require.True(t, errors.As(err, &fie), "expected FileIntegrityError, got %v", err)
	assert.Equal(t, []string{records[1].FilePath, flat, broken}, fie.Paths())
	assert.Equal(t, 3, tally.Existing)
	assert.Equal(t, 1, tally.Missing)
	assert.False(t, records[1].Exists)
	assert.Equal(t, [3]int{4, 5, 6}, records[0].Dimensions)

	_, err = Verify(dims, records[:1])
	assert.NoError(t, err)

	other := []models.Record{{FilePath: broken}, {FilePath: good}}
	tally, err = Verify(dims, records[:1], other, records[2:3])
	require.True(t, errors.As(err, &fie))
	assert.Equal(t, []string{broken, flat}, fie.Paths())
	assert.Equal(t, 4, tally.Existing)
	assert.Equal(t, 0, tally.Missing)
}

func TestWriteThenRead(t *testing.T) {
	records, err := Read(strings.NewReader(foldCSV), Options{Schema: models.SchemaT1})
	require.NoError(t, err)
	records[1].Exists = false
	records[0].Dimensions = [3]int{256, 256, 170}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, records, models.SchemaT1))

	again, err := Read(&buf, Options{Schema: models.SchemaT1})
	require.NoError(t, err)
	assert.Equal(t, records, again)
}

func TestParseDimensions(t *testing.T) {
	dims, err := ParseDimensions("(256, 256, 170)")
	require.NoError(t, err)
	assert.Equal(t, [3]int{256, 256, 170}, dims)

	_, err = ParseDimensions("(1, 2)")
	assert.Error(t, err)
	_, err = ParseDimensions("a,b,c")
	assert.Error(t, err)
}

func TestSplitFolds(t *testing.T) {
	records := make([]models.Record, 7)
	folds, err := SplitFolds(records, 3)
	require.NoError(t, err)
	assert.Len(t, folds[0], 3)
	assert.Len(t, folds[1], 2)
	assert.Len(t, folds[2], 2)
	assert.Equal(t, "p2.csv", FoldPath("p", 2))
}
