// Package training runs k-fold training of the tiled quality classifier:
// it assembles the train/validation split, corrects for class imbalance,
// steps the optimizer over weighted samples and keeps the best checkpoint
// by validation R squared.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"

	"miqa/internal/models"
	"miqa/pkg/checkpoint"
	"miqa/pkg/evaluation"
	"miqa/pkg/inference"
	"miqa/pkg/logging"
	"miqa/pkg/loss"
	"miqa/pkg/manifest"
	"miqa/pkg/network"
	"miqa/pkg/sampling"
	"miqa/pkg/telemetry"
	"miqa/pkg/tiling"
	"miqa/pkg/volume"
)

// ErrNonFiniteLoss aborts a run whose loss or gradients became NaN or infinite.
var ErrNonFiniteLoss = errors.New("training: loss is not finite")

// Options configures one training run.
type Options struct {
	Schema models.Schema

	// FoldsPrefix names the fold manifests FoldsPrefix0.csv, FoldsPrefix1.csv, ...
	FoldsPrefix    string
	FoldCount      int
	ValidationFold int

	// OnlyEvaluate skips training and scores the saved best checkpoint
	OnlyEvaluate bool

	// ModelsDir holds the best and final checkpoints
	ModelsDir string

	// PretrainedPath seeds the weights of a new run when the file exists
	PretrainedPath string

	LearningRate float64
	Gamma        float64
	BatchSize    int
	Seed         uint64

	LoaderWorkers int
	PrefetchDepth int

	// QASampleCounts is the expected population histogram of quality scores
	QASampleCounts []float64

	QualityWeight  float64
	NuisanceWeight float64
	FocalGamma     float64

	Schedule ScheduleOptions

	// Epochs and ValInterval override the derived schedule when positive
	Epochs      int
	ValInterval int
}

// DefaultOptions returns the reference hyperparameters for schema.
func DefaultOptions(schema models.Schema) Options {
	return Options{
		Schema:         schema,
		FoldCount:      3,
		ValidationFold: 2,
		ModelsDir:      "models",
		PretrainedPath: "pretrained.pth",
		LearningRate:   9e-5,
		Gamma:          0.90,
		BatchSize:      1,
		Seed:           30101983,
		LoaderWorkers:  4,
		PrefetchDepth:  8,
		QASampleCounts: sampling.DefaultQASampleCounts,
		QualityWeight:  loss.DefaultQualityWeight,
		FocalGamma:     loss.DefaultFocalGamma,
		Schedule:       DefaultScheduleOptions,
	}
}

// ModelPath returns the best checkpoint path of a validation fold.
func (o Options) ModelPath(fold int) string {
	return filepath.Join(o.ModelsDir, fmt.Sprintf("%s-val%d.pth", o.Schema.Version, fold))
}

// Summary describes a finished run.
type Summary struct {
	RunID    string
	Schedule Schedule
	Split    Split

	// BestMetric is the best validation R squared, reached at BestEpoch
	BestMetric float64
	BestEpoch  int

	BestPath  string
	FinalPath string

	// EpochLoss holds the mean combined loss of every epoch
	EpochLoss []float64

	// Validation is the last validation report, Training is only set
	// when the run evaluated the training partition
	Validation *inference.Report
	Training   *inference.Report

	// Sizes counts images by dimensions formatted as (x, y, z)
	Sizes map[string]int
}

// Driver executes one training run.
type Driver struct {
	Options Options
	Factory inference.ModelFactory
	Loader  volume.Loader

	// Dimensions probes image sizes during preflight, nil uses volume.Dimensions
	Dimensions manifest.DimensionFunc

	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Progress *logging.Progress

	// OnState is called on every state transition
	OnState func(State)

	mu    sync.Mutex
	state State
}

// NewDriver creates a driver that builds networks with factory and loads
// images with loader.
func NewDriver(opts Options, factory inference.ModelFactory, loader volume.Loader) *Driver {
	return &Driver{Options: opts, Factory: factory, Loader: loader}
}

// State returns the current phase.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	if d.OnState != nil {
		d.OnState(s)
	}
}

func (d *Driver) logger() *slog.Logger {
	return logging.OrDefault(d.Logger)
}

// run holds the mutable state of one invocation of Run.
type run struct {
	id         string
	model      network.Model
	classifier *tiling.Classifier
	engine     *inference.Engine
	loss       *loss.Combined
	sampler    *sampling.WeightedSampler
	optimizer  *network.Adam
	scheduler  *network.ExponentialLR
	bestPath   string
}

// Run executes the run to completion. The context is checked between
// epochs; an epoch in progress always finishes.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	opts := d.Options
	log := d.logger()

	d.setState(StateLoadingFolds)
	folds, err := LoadFolds(opts.FoldsPrefix, opts.FoldCount, opts.Schema)
	if err != nil {
		return nil, err
	}
	for f := range folds {
		folds[f] = existing(folds[f])
		log.Info("verifying input data integrity", "fold", manifest.FoldPath(opts.FoldsPrefix, f), "rows", len(folds[f]))
	}
	tally, err := manifest.Verify(d.Dimensions, folds...)
	if err != nil {
		for _, p := range tally.Problems {
			log.Error("data verification failed", "path", p.Path, "error", p.Err)
		}
		return nil, err
	}
	log.Info("input data verified", "existing", tally.Existing)

	d.setState(StateAssemblingSplit)
	split, err := AssembleSplit(folds, opts.ValidationFold)
	if err != nil {
		return nil, err
	}
	log.Info("using fold for validation", "fold", opts.ValidationFold,
		"train", len(split.Train), "val", len(split.Val))

	schedule, err := d.schedule(split.Rows())
	if err != nil {
		return nil, err
	}

	r, err := d.prepare(split)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		RunID:      r.id,
		Schedule:   schedule,
		Split:      split,
		BestMetric: math.Inf(-1),
		BestEpoch:  -1,
		BestPath:   r.bestPath,
		FinalPath:  checkpoint.EpochPath(r.bestPath, schedule.Epochs),
		Sizes:      sizeDistribution(split.All()),
	}

	if opts.OnlyEvaluate {
		if err := d.evaluateOnly(ctx, r, summary); err != nil {
			return nil, err
		}
	} else if err := d.train(ctx, r, summary); err != nil {
		return nil, err
	}

	log.Info("image size distribution", "sizes", summary.Sizes)
	d.setState(StateDone)
	return summary, nil
}

func (d *Driver) schedule(rows int) (Schedule, error) {
	opts := d.Options
	schedule, err := DeriveSchedule(rows, opts.Schedule)
	if err != nil {
		return Schedule{}, err
	}
	if opts.ValInterval > 0 {
		schedule.ValInterval = opts.ValInterval
	}
	if opts.Epochs > 0 {
		schedule.Epochs = opts.Epochs
	}
	return schedule, nil
}

// prepare builds the network, weighting, loss and optimizer for split.
func (d *Driver) prepare(split Split) (*run, error) {
	opts := d.Options
	log := d.logger()

	targets := make([][]float64, len(split.Train))
	qualities := make([]float64, len(split.Train))
	for i, rec := range split.Train {
		targets[i] = rec.Targets
		qualities[i] = rec.Quality()
	}

	classWeights := sampling.ClassWeights(opts.Schema, targets)
	log.Info("class weights", "weights", classWeights)

	counts := opts.QASampleCounts
	if len(counts) == 0 {
		counts = sampling.DefaultQASampleCounts
	}
	sampleWeights, err := sampling.SampleWeights(qualities, counts)
	if err != nil {
		return nil, fmt.Errorf("training: %w", err)
	}
	sampler, err := sampling.NewWeightedSampler(sampleWeights, len(split.Train), opts.Seed)
	if err != nil {
		return nil, err
	}

	combined, err := loss.NewCombined(opts.Schema, classWeights)
	if err != nil {
		return nil, err
	}
	if opts.QualityWeight > 0 {
		combined.QualityWeight = opts.QualityWeight
	}
	combined.NuisanceWeight = opts.NuisanceWeight
	if opts.FocalGamma > 0 {
		combined.Focal.Gamma = opts.FocalGamma
	}

	model, err := d.Factory(opts.Schema)
	if err != nil {
		return nil, err
	}

	r := &run{
		id:         uuid.NewString(),
		model:      model,
		classifier: tiling.NewClassifier(model),
		loss:       combined,
		sampler:    sampler,
		bestPath:   opts.ModelPath(opts.ValidationFold),
	}
	r.engine = &inference.Engine{
		Classifier: r.classifier,
		Schema:     opts.Schema,
		Loader:     d.Loader,
		Name:       filepath.Base(r.bestPath),
		Logger:     d.Logger,
		Progress:   d.Progress,
	}

	if err := d.initialWeights(r); err != nil {
		return nil, err
	}

	r.optimizer = network.NewAdam(model.Parameters(), opts.LearningRate)
	r.scheduler = network.NewExponentialLR(r.optimizer, opts.Gamma)
	return r, nil
}

// initialWeights loads the saved best checkpoint when only evaluating,
// otherwise the pretrained weights if present.
func (d *Driver) initialWeights(r *run) error {
	opts := d.Options
	log := d.logger()

	path := ""
	switch {
	case opts.OnlyEvaluate && checkpoint.Exists(r.bestPath):
		path = r.bestPath
	case opts.PretrainedPath != "" && checkpoint.Exists(opts.PretrainedPath):
		path = opts.PretrainedPath
	}
	if path == "" {
		log.Info("training network from scratch", "run_id", r.id)
		return nil
	}

	ckpt, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if err := ckpt.Apply(r.model); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	log.Info("loaded network weights", "path", path, "epoch", ckpt.Header.Epoch)
	return nil
}

func (d *Driver) train(ctx context.Context, r *run, summary *Summary) error {
	opts := d.Options
	log := d.logger()
	schedule := summary.Schedule

	for epoch := 1; epoch <= schedule.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		d.setState(StateTrainingEpoch)
		log.Info("starting epoch", "epoch", epoch, "epochs", schedule.Epochs, "steps", r.sampler.Len())
		mean, err := d.trainEpoch(ctx, r, epoch, summary.Split.Train)
		if err != nil {
			return err
		}
		summary.EpochLoss = append(summary.EpochLoss, mean)
		d.gauge(func(m *telemetry.Metrics) {
			m.TrainingLoss.Set(mean)
			m.Epoch.Set(float64(epoch))
		})

		if !schedule.Validates(epoch) {
			continue
		}

		d.setState(StateValidating)
		log.Info("evaluating on validation set", "epoch", epoch)
		report, err := r.engine.Run(ctx, inference.BatchValidation{Records: summary.Split.Val, Epoch: epoch})
		if err != nil {
			return err
		}
		summary.Validation = report.Report
		report.Report.Log(log, opts.Schema)

		metric := report.Report.R2
		if metric >= summary.BestMetric {
			summary.BestMetric = metric
			summary.BestEpoch = epoch
			if err := d.save(r, r.bestPath, epoch, metric); err != nil {
				return err
			}
			log.Info("saved new best metric model", "path", r.bestPath)
		}
		log.Info("validation finished",
			"epoch", epoch,
			"metric", fmt.Sprintf("%.2f", metric),
			"best_metric", fmt.Sprintf("%.2f", summary.BestMetric),
			"best_epoch", summary.BestEpoch)

		lr := r.scheduler.Step()
		log.Info("learning rate after validation", "epoch", epoch, "lr", lr)
		d.gauge(func(m *telemetry.Metrics) {
			m.ValidationRMSE.Set(report.Report.RMSE)
			m.ValidationR2.Set(metric)
			m.BestMetric.Set(summary.BestMetric)
			m.LearningRate.Set(lr)
		})
	}

	if err := d.save(r, summary.FinalPath, schedule.Epochs, summary.BestMetric); err != nil {
		return err
	}
	log.Info("train completed",
		"best_metric", fmt.Sprintf("%.2f", summary.BestMetric),
		"best_epoch", summary.BestEpoch,
		"final", summary.FinalPath,
		"loss", lossSummary(summary.EpochLoss))
	return nil
}

// trainEpoch makes one pass over a weighted draw of train and returns the
// mean per-step loss.
func (d *Driver) trainEpoch(ctx context.Context, r *run, epoch int, train []models.Record) (float64, error) {
	opts := d.Options
	log := d.logger()
	batch := max(1, opts.BatchSize)

	indices := r.sampler.Epoch()
	paths := make([]string, len(indices))
	for i, idx := range indices {
		paths[i] = train[idx].FilePath
	}
	stream := Prefetch(ctx, d.Loader, paths, opts.LoaderWorkers, opts.PrefetchDepth)
	defer stream.Close()

	r.model.SetTraining(true)
	var (
		stepLoss []float64
		truth    []float64
		pred     []float64
	)
	for start := 0; start < len(indices); start += batch {
		end := min(start+batch, len(indices))
		r.model.ZeroGrad()

		var sum float64
		for _, idx := range indices[start:end] {
			v, path, err := stream.Next(ctx)
			if err != nil {
				return 0, err
			}
			target := train[idx].Targets

			out, err := r.classifier.Forward(v)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", path, err)
			}
			value, grad, err := r.loss.Gradient(out, target)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", path, err)
			}
			if math.IsNaN(value) || math.IsInf(value, 0) {
				return 0, fmt.Errorf("%w: epoch %d, %s", ErrNonFiniteLoss, epoch, path)
			}
			for i := range grad {
				grad[i] /= float64(end - start)
			}
			if err := r.classifier.Backward(v, grad); err != nil {
				return 0, fmt.Errorf("%s: %w", path, err)
			}

			sum += value
			truth = append(truth, target[0])
			pred = append(pred, out[0])
		}

		if err := r.optimizer.Step(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNonFiniteLoss, err)
		}
		stepLoss = append(stepLoss, sum/float64(end-start))
		d.gauge(func(m *telemetry.Metrics) { m.Steps.Inc() })
		d.Progress.Tick()
	}
	d.Progress.Done()

	mean, err := stats.Mean(stepLoss)
	if err != nil {
		return 0, fmt.Errorf("training: epoch %d: %w", epoch, err)
	}
	log.Info("epoch finished", "epoch", epoch, "average_loss", fmt.Sprintf("%.4f", mean))

	cm, err := evaluation.QualityConfusion(pred, truth)
	if err != nil {
		return 0, err
	}
	log.Info("training confusion matrix", "epoch", epoch, "accuracy", cm.Accuracy(), "table", "\n"+cm.Render())
	return mean, nil
}

// evaluateOnly scores the validation and then the training partition and
// writes the final checkpoint if it does not exist yet.
func (d *Driver) evaluateOnly(ctx context.Context, r *run, summary *Summary) error {
	log := d.logger()
	schema := d.Options.Schema

	d.setState(StateValidating)
	log.Info("evaluating network on validation data")
	val, err := r.engine.Run(ctx, inference.BatchValidation{Records: summary.Split.Val})
	if err != nil {
		return err
	}
	val.Report.Log(log, schema)
	summary.Validation = val.Report
	summary.BestMetric = val.Report.R2

	log.Info("evaluating network on training data")
	train, err := r.engine.Run(ctx, inference.BatchTraining{Records: summary.Split.Train})
	if err != nil {
		return err
	}
	train.Report.Log(log, schema)
	summary.Training = train.Report

	if checkpoint.Exists(summary.FinalPath) {
		return nil
	}
	return d.save(r, summary.FinalPath, summary.Schedule.Epochs, summary.BestMetric)
}

func (d *Driver) save(r *run, path string, epoch int, metric float64) error {
	ckpt := checkpoint.New(r.model, d.Options.Schema.Version)
	ckpt.Header.Epoch = epoch
	ckpt.Header.Metric = metric
	ckpt.Header.RunID = r.id
	if err := checkpoint.Save(path, ckpt); err != nil {
		return fmt.Errorf("training: save %s: %w", path, err)
	}
	return nil
}

func (d *Driver) gauge(set func(m *telemetry.Metrics)) {
	if d.Metrics != nil {
		set(d.Metrics)
	}
}

// sizeDistribution counts records by image dimensions.
func sizeDistribution(records []models.Record) map[string]int {
	sizes := make(map[string]int)
	for _, rec := range records {
		sizes[manifest.FormatDimensions(rec.Dimensions)]++
	}
	return sizes
}

// lossSummary describes the per-epoch losses of a run.
func lossSummary(losses []float64) string {
	if len(losses) == 0 {
		return "none"
	}
	data := stats.LoadRawData(losses)
	lo, _ := data.Min()
	hi, _ := data.Max()
	median, _ := data.Median()
	return fmt.Sprintf("first=%.4f last=%.4f min=%.4f median=%.4f max=%.4f",
		losses[0], losses[len(losses)-1], lo, median, hi)
}

// SortedSizes returns the keys of a size distribution in order.
func SortedSizes(sizes map[string]int) []string {
	keys := make([]string, 0, len(sizes))
	for k := range sizes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
