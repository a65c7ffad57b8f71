package training

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"miqa/internal/models"
	"miqa/pkg/checkpoint"
	"miqa/pkg/logging"
	"miqa/pkg/manifest"
	"miqa/pkg/network"
	"miqa/pkg/volume"
)

func TestDeriveSchedule(t *testing.T) {
	cases := []struct {
		rows   int
		epochs int
		val    int
	}{
		{rows: 100, epochs: 300, val: 6},
		{rows: 250, epochs: 120, val: 2},
		{rows: 1000, epochs: 30, val: 1},
		{rows: 2400, epochs: 15, val: 1},
		{rows: 7, epochs: 4300, val: 86},
		{rows: 400, epochs: 76, val: 2},
		// ties round half to even
		{rows: 240, epochs: 126, val: 2},
		{rows: 80, epochs: 376, val: 8},
		{rows: 1200, epochs: 25, val: 1},
	}
	for _, tc := range cases {
		got, err := DeriveSchedule(tc.rows, DefaultScheduleOptions)
		if err != nil {
			t.Fatalf("rows %d: %v", tc.rows, err)
		}
		if got.Epochs != tc.epochs || got.ValInterval != tc.val {
			t.Errorf("rows %d: got %+v, want epochs %d val %d", tc.rows, got, tc.epochs, tc.val)
		}
		if got.Epochs%got.ValInterval != 0 {
			t.Errorf("rows %d: epochs %d not a multiple of %d", tc.rows, got.Epochs, got.ValInterval)
		}
	}

	if _, err := DeriveSchedule(0, DefaultScheduleOptions); err == nil {
		t.Error("expected an error for zero rows")
	}
}

func TestScheduleValidates(t *testing.T) {
	s := Schedule{Epochs: 6, ValInterval: 3}
	var validated []int
	for epoch := 1; epoch <= s.Epochs; epoch++ {
		if s.Validates(epoch) {
			validated = append(validated, epoch)
		}
	}
	if !reflect.DeepEqual(validated, []int{3, 6}) {
		t.Errorf("validated epochs %v, want [3 6]", validated)
	}
}

func named(names ...string) []models.Record {
	records := make([]models.Record, len(names))
	for i, n := range names {
		records[i] = models.Record{FilePath: n, Exists: true}
	}
	return records
}

func paths(records []models.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.FilePath
	}
	return out
}

func TestAssembleSplit(t *testing.T) {
	folds := [][]models.Record{named("a", "b"), named("c"), named("d", "e")}

	split, err := AssembleSplit(folds, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := paths(split.Train); !reflect.DeepEqual(got, []string{"c", "d", "e"}) {
		t.Errorf("train %v", got)
	}
	if got := paths(split.Val); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("val %v", got)
	}
	if got := paths(split.All()); !reflect.DeepEqual(got, []string{"c", "d", "e", "a", "b"}) {
		t.Errorf("all %v: held-out fold must come last", got)
	}
	if got := paths(folds[0]); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("input folds modified: %v", got)
	}

	if _, err := AssembleSplit(folds, 3); err == nil {
		t.Error("expected an error for an out-of-range fold")
	}
	if _, err := AssembleSplit([][]models.Record{named("a"), nil}, 1); err == nil {
		t.Error("expected an error for an empty validation fold")
	}
}

func TestLoadFoldsRequiresArtifactColumns(t *testing.T) {
	fx := newFixture(t, defaultQualities)
	renamed := "overall_qa_assessment,normal_variant,file_path\n5,False," + fx.folds[1][0].FilePath + "\n"
	if err := os.WriteFile(manifest.FoldPath(fx.prefix, 1), []byte(renamed), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFolds(fx.prefix, 3, models.SchemaMix)
	var me *manifest.ManifestError
	if !errors.As(err, &me) {
		t.Fatalf("expected ManifestError, got %v", err)
	}
	if me.Column != "normal_variants" {
		t.Errorf("column = %q, want normal_variants", me.Column)
	}
}

func TestStateString(t *testing.T) {
	if StateAssemblingSplit.String() != "ASSEMBLING_TRAIN_VAL_SPLIT" {
		t.Errorf("got %s", StateAssemblingSplit)
	}
	if State(42).String() != "State(42)" {
		t.Errorf("got %s", State(42))
	}
}

// slowLoader answers in reverse order of request to exercise reordering
type slowLoader struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	fail     string
}

func (l *slowLoader) Load(path string) (*models.Volume, error) {
	n := l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if path == l.fail {
		return nil, errors.New("corrupt")
	}
	var delay int
	fmt.Sscanf(path, "%d", &delay)
	time.Sleep(time.Duration(10-delay) * time.Millisecond)
	v := models.NewVolume(models.Shape{Channels: 1, Depth: 1, Height: 1, Width: 1})
	v.Path = path
	return v, nil
}

func TestPrefetchPreservesOrder(t *testing.T) {
	var input []string
	for i := 0; i < 10; i++ {
		input = append(input, fmt.Sprint(i))
	}

	for _, workers := range []int{1, 4} {
		loader := &slowLoader{}
		stream := Prefetch(context.Background(), loader, input, workers, 3)
		var got []string
		for {
			v, path, err := stream.Next(context.Background())
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			if v.Path != path {
				t.Errorf("volume %s returned for %s", v.Path, path)
			}
			got = append(got, path)
		}
		stream.Close()

		if !reflect.DeepEqual(got, input) {
			t.Errorf("workers %d: order %v", workers, got)
		}
		if peak := loader.peak.Load(); int(peak) > workers {
			t.Errorf("workers %d: %d loads in flight", workers, peak)
		}
	}
}

func TestPrefetchReportsLoadError(t *testing.T) {
	loader := &slowLoader{fail: "2"}
	stream := Prefetch(context.Background(), loader, []string{"0", "1", "2", "3"}, 2, 2)
	defer stream.Close()

	for i := 0; i < 2; i++ {
		if _, _, err := stream.Next(context.Background()); err != nil {
			t.Fatalf("item %d: %v", i, err)
		}
	}
	if _, _, err := stream.Next(context.Background()); err == nil {
		t.Fatal("expected the load error of item 2")
	}
}

// fixture writes one small NIfTI image per record and the fold manifests.
type fixture struct {
	dir    string
	prefix string
	models string
	folds  [][]models.Record
}

func artifactTargets(quality float64, i int) []float64 {
	targets := make([]float64, models.SchemaMix.Width())
	targets[0] = quality
	for a := 1; a < len(targets); a++ {
		switch (a + i) % 3 {
		case 0:
			targets[a] = models.LabelPresent
		case 1:
			targets[a] = models.LabelAbsent
		default:
			targets[a] = models.LabelUnknown
		}
	}
	return targets
}

func newFixture(t *testing.T, qualities [][]float64) *fixture {
	t.Helper()
	dir := t.TempDir()
	fx := &fixture{
		dir:    dir,
		prefix: filepath.Join(dir, "fold"),
		models: filepath.Join(dir, "models"),
	}

	n := 0
	for f, fold := range qualities {
		var records []models.Record
		for _, q := range fold {
			v := models.NewVolume(models.Shape{Channels: 1, Depth: 6, Height: 5, Width: 6})
			for i := range v.Data {
				v.Data[i] = q / 10 * float64(i%7) / 6
			}
			path := filepath.Join(dir, fmt.Sprintf("scan%02d.nii.gz", n))
			if err := volume.SaveNIfTI(path, v); err != nil {
				t.Fatal(err)
			}
			records = append(records, models.Record{
				ParticipantID: fmt.Sprintf("%06d", n),
				FilePath:      path,
				Targets:       artifactTargets(q, n),
				Exists:        true,
			})
			n++
		}
		if err := manifest.WriteFile(manifest.FoldPath(fx.prefix, f), records, models.SchemaMix); err != nil {
			t.Fatal(err)
		}
		fx.folds = append(fx.folds, records)
	}
	return fx
}

func tinyFactory(schema models.Schema) (network.Model, error) {
	spec := network.Spec{
		Input: models.Shape{Channels: 1, Depth: 4, Height: 4, Width: 4},
		Pool:  [3]int{2, 2, 2},
		Seed:  7,
	}
	return spec.Build(schema.Width())
}

func (fx *fixture) driver(epochs int) *Driver {
	opts := DefaultOptions(models.SchemaMix)
	opts.FoldsPrefix = fx.prefix
	opts.ModelsDir = fx.models
	opts.PretrainedPath = ""
	opts.Epochs = epochs
	opts.ValInterval = 1
	opts.LoaderWorkers = 2
	opts.PrefetchDepth = 2
	opts.LearningRate = 1e-3

	d := NewDriver(opts, tinyFactory, &volume.FileLoader{})
	d.Logger = logging.Discard()
	return d
}

var defaultQualities = [][]float64{{2, 6, 8}, {7, 9}, {5, 9}}

func TestDriverTrainsAndCheckpoints(t *testing.T) {
	fx := newFixture(t, defaultQualities)
	d := fx.driver(2)

	var states []State
	d.OnState = func(s State) { states = append(states, s) }

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []State{
		StateLoadingFolds, StateAssemblingSplit,
		StateTrainingEpoch, StateValidating,
		StateTrainingEpoch, StateValidating,
		StateDone,
	}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("states %v, want %v", states, want)
	}
	if d.State() != StateDone {
		t.Errorf("final state %s", d.State())
	}

	if len(summary.Split.Train) != 5 || len(summary.Split.Val) != 2 {
		t.Errorf("split %d/%d, want 5/2", len(summary.Split.Train), len(summary.Split.Val))
	}
	if len(summary.EpochLoss) != 2 {
		t.Errorf("got %d epoch losses", len(summary.EpochLoss))
	}
	for _, l := range summary.EpochLoss {
		if math.IsNaN(l) || l <= 0 {
			t.Errorf("epoch loss %g", l)
		}
	}
	if summary.BestEpoch < 1 {
		t.Errorf("no best epoch recorded")
	}
	if summary.Sizes["(6, 5, 6)"] != 7 {
		t.Errorf("size distribution %v", summary.Sizes)
	}

	wantBest := filepath.Join(fx.models, "miqaMix-val2.pth")
	if summary.BestPath != wantBest {
		t.Errorf("best path %s, want %s", summary.BestPath, wantBest)
	}
	if summary.FinalPath != wantBest+".epoch2" {
		t.Errorf("final path %s", summary.FinalPath)
	}

	header, err := checkpoint.ReadHeader(summary.BestPath)
	if err != nil {
		t.Fatal(err)
	}
	if header.RunID != summary.RunID || header.Schema != "miqaMix" || header.Epoch != summary.BestEpoch {
		t.Errorf("best header %+v", header)
	}
	final, err := checkpoint.ReadHeader(summary.FinalPath)
	if err != nil {
		t.Fatal(err)
	}
	if final.Epoch != 2 {
		t.Errorf("final header epoch %d", final.Epoch)
	}
}

func TestDriverOnlyEvaluate(t *testing.T) {
	fx := newFixture(t, defaultQualities)
	if _, err := fx.driver(1).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	d := fx.driver(1)
	d.Options.OnlyEvaluate = true
	final := checkpoint.EpochPath(d.Options.ModelPath(2), 1)
	before, err := os.ReadFile(final)
	if err != nil {
		t.Fatal(err)
	}

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Validation == nil || summary.Training == nil {
		t.Fatal("expected validation and training reports")
	}
	if summary.Validation.Count != 2 || summary.Training.Count != 5 {
		t.Errorf("report sizes %d/%d", summary.Validation.Count, summary.Training.Count)
	}
	if len(summary.EpochLoss) != 0 {
		t.Error("evaluation must not train")
	}

	after, err := os.ReadFile(final)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("existing final checkpoint was rewritten")
	}

	// a fresh fold without any checkpoint gets one
	d = fx.driver(1)
	d.Options.OnlyEvaluate = true
	d.Options.ValidationFold = 0
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !checkpoint.Exists(checkpoint.EpochPath(d.Options.ModelPath(0), 1)) {
		t.Error("final checkpoint not written")
	}
}

func TestDriverPreflightFailure(t *testing.T) {
	fx := newFixture(t, defaultQualities)

	broken := append([]models.Record(nil), fx.folds[1]...)
	missing := filepath.Join(fx.dir, "missing.nii.gz")
	garbage := filepath.Join(fx.dir, "garbage.nii.gz")
	if err := os.WriteFile(garbage, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	broken = append(broken,
		models.Record{FilePath: missing, Targets: artifactTargets(5, 0), Exists: true},
		models.Record{FilePath: garbage, Targets: artifactTargets(5, 1), Exists: true},
		models.Record{FilePath: filepath.Join(fx.dir, "skipped.nii.gz"), Targets: artifactTargets(5, 2), Exists: false},
	)
	if err := manifest.WriteFile(manifest.FoldPath(fx.prefix, 1), broken, models.SchemaMix); err != nil {
		t.Fatal(err)
	}

	d := fx.driver(1)
	best := d.Options.ModelPath(2)
	if err := os.MkdirAll(fx.models, 0o755); err != nil {
		t.Fatal(err)
	}
	sentinel := []byte("previous best checkpoint")
	if err := os.WriteFile(best, sentinel, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := d.Run(context.Background())
	var integrity *manifest.FileIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected FileIntegrityError, got %v", err)
	}
	if got := integrity.Paths(); !reflect.DeepEqual(got, []string{missing, garbage}) {
		t.Errorf("failing paths %v", got)
	}
	if d.State() != StateLoadingFolds {
		t.Errorf("state %s after preflight failure", d.State())
	}

	after, err := os.ReadFile(best)
	if err != nil || !bytes.Equal(after, sentinel) {
		t.Error("checkpoint touched by a failed preflight")
	}
	if checkpoint.Exists(checkpoint.EpochPath(best, 1)) {
		t.Error("final checkpoint written by a failed preflight")
	}
}

func TestDriverPreflightReportsEveryFold(t *testing.T) {
	fx := newFixture(t, defaultQualities)

	var want []string
	for _, f := range []int{0, 2} {
		bad := filepath.Join(fx.dir, fmt.Sprintf("bad%d.nii.gz", f))
		want = append(want, bad)
		fold := append(append([]models.Record(nil), fx.folds[f]...),
			models.Record{FilePath: bad, Targets: artifactTargets(4, f), Exists: true})
		if err := manifest.WriteFile(manifest.FoldPath(fx.prefix, f), fold, models.SchemaMix); err != nil {
			t.Fatal(err)
		}
	}

	d := fx.driver(1)
	_, err := d.Run(context.Background())
	var integrity *manifest.FileIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected FileIntegrityError, got %v", err)
	}
	if got := integrity.Paths(); !reflect.DeepEqual(got, want) {
		t.Errorf("failing paths %v, want %v", got, want)
	}
	if d.State() != StateLoadingFolds {
		t.Errorf("state %s after preflight failure", d.State())
	}
}

func TestDriverStopsWhenCancelled(t *testing.T) {
	fx := newFixture(t, defaultQualities)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.driver(3).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// nanLoader corrupts every volume it loads
type nanLoader struct {
	volume.Loader
}

func (l nanLoader) Load(path string) (*models.Volume, error) {
	v, err := l.Loader.Load(path)
	if err != nil {
		return nil, err
	}
	v.Data[0] = math.NaN()
	return v, nil
}

func TestDriverRejectsNonFiniteLoss(t *testing.T) {
	fx := newFixture(t, defaultQualities)
	d := fx.driver(1)
	d.Loader = nanLoader{Loader: &volume.FileLoader{}}

	_, err := d.Run(context.Background())
	if !errors.Is(err, ErrNonFiniteLoss) {
		t.Fatalf("expected ErrNonFiniteLoss, got %v", err)
	}
	if checkpoint.Exists(d.Options.ModelPath(2)) {
		t.Error("checkpoint written after a non-finite loss")
	}
}

func TestCrossValidate(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping cross-validation in short mode")
	}
	fx := newFixture(t, [][]float64{{2, 8}, {6, 9}, {5, 7}})
	summaries, err := CrossValidate(context.Background(), fx.driver(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 3 {
		t.Fatalf("got %d summaries", len(summaries))
	}
	for f, s := range summaries {
		if s.Training == nil {
			t.Errorf("fold %d: missing training report", f)
		}
		if !checkpoint.Exists(filepath.Join(fx.models, fmt.Sprintf("miqaMix-val%d.pth", f))) {
			t.Errorf("fold %d: best checkpoint missing", f)
		}
	}
}
