package inference

import (
	"context"
	"fmt"
	"log/slog"

	"miqa/internal/models"
	"miqa/pkg/evaluation"
)

// Mode selects what Run evaluates. It is one of SingleImage,
// BatchValidation or BatchTraining.
type Mode interface {
	mode()
}

// SingleImage evaluates one image and returns its labeled result.
type SingleImage struct {
	Path string
}

// BatchValidation scores the held-out fold of a training run.
type BatchValidation struct {
	Records []models.Record
	Epoch   int
	RunName string
}

// BatchTraining scores the training partition of a run.
type BatchTraining struct {
	Records []models.Record
	Epoch   int
}

func (SingleImage) mode()     {}
func (BatchValidation) mode() {}
func (BatchTraining) mode()   {}

// Outcome holds the result of Run: Result for SingleImage, Report for the
// batch modes.
type Outcome struct {
	Result Result
	Report *Report
}

// Report summarizes predictions over a labeled set.
type Report struct {
	RunName string
	Epoch   int
	Count   int

	// RMSE and R2 compare the continuous quality output with the truth
	RMSE float64
	R2   float64

	// Quality is the confusion of the rounded, clamped quality score
	Quality *evaluation.Confusion

	// Artifacts holds [TN, FP, FN, TP] per artifact, ignoring unknown labels
	Artifacts map[string]evaluation.ArtifactConfusion

	// Predictions are the raw output vectors in record order
	Predictions [][]float64
}

// Run dispatches on mode.
func (e *Engine) Run(ctx context.Context, mode Mode) (Outcome, error) {
	switch m := mode.(type) {
	case SingleImage:
		result, err := e.EvaluateOne(ctx, m.Path)
		return Outcome{Result: result}, err
	case BatchValidation:
		name := m.RunName
		if name == "" {
			name = "val"
		}
		report, err := e.Evaluate(ctx, name, m.Epoch, m.Records)
		return Outcome{Report: report}, err
	case BatchTraining:
		report, err := e.Evaluate(ctx, "train", m.Epoch, m.Records)
		return Outcome{Report: report}, err
	}
	return Outcome{}, fmt.Errorf("inference: unknown mode %T", mode)
}

// Evaluate predicts every record and scores the predictions.
func (e *Engine) Evaluate(ctx context.Context, runName string, epoch int, records []models.Record) (*Report, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("inference: %s has no records", runName)
	}

	preds := make([][]float64, len(records))
	targets := make([][]float64, len(records))
	quality := make([]float64, len(records))
	truth := make([]float64, len(records))
	for i, rec := range records {
		out, err := e.PredictPath(ctx, rec.FilePath)
		if err != nil {
			return nil, err
		}
		if len(rec.Targets) != e.Schema.Width() {
			return nil, fmt.Errorf("inference: record %d has %d targets, schema needs %d", i, len(rec.Targets), e.Schema.Width())
		}
		preds[i] = out
		targets[i] = rec.Targets
		quality[i] = out[0]
		truth[i] = rec.Quality()
		e.Progress.Tick()
	}
	e.Progress.Done()

	report := &Report{RunName: runName, Epoch: epoch, Count: len(records), Predictions: preds}
	var err error
	if report.RMSE, err = evaluation.RMSE(quality, truth); err != nil {
		return nil, err
	}
	if report.R2, err = evaluation.RSquared(quality, truth); err != nil {
		return nil, err
	}
	if report.Quality, err = evaluation.QualityConfusion(quality, truth); err != nil {
		return nil, err
	}
	if report.Artifacts, err = evaluation.ArtifactConfusions(e.Schema, preds, targets); err != nil {
		return nil, err
	}
	return report, nil
}

// Log writes the report tables and metrics to logger.
func (r *Report) Log(logger *slog.Logger, schema models.Schema) {
	logger.Info(r.RunName+" confusion matrix", "epoch", r.Epoch, "table", "\n"+r.Quality.Render())
	logger.Info(r.RunName+" classification report", "epoch", r.Epoch, "table", "\n"+r.Quality.RenderReport())
	logger.Info(r.RunName+" artifact confusions [TN, FP, FN, TP]", "epoch", r.Epoch,
		"table", "\n"+evaluation.RenderArtifactConfusions(schema, r.Artifacts))
	logger.Info(r.RunName+" metrics", "epoch", r.Epoch, "count", r.Count, "rmse", r.RMSE, "r2", r.R2)
}
