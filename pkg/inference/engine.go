package inference

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"miqa/internal/models"
	"miqa/pkg/logging"
	"miqa/pkg/network"
	"miqa/pkg/telemetry"
	"miqa/pkg/tiling"
	"miqa/pkg/volume"
)

// Engine evaluates images with one trained classifier.
type Engine struct {
	Classifier *tiling.Classifier
	Schema     models.Schema
	Loader     volume.Loader

	// Name identifies the model in logs and metrics
	Name string

	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Progress *logging.Progress
}

// NewEngine wraps net for schema, loading images with loader.
func NewEngine(net tiling.Network, schema models.Schema, loader volume.Loader) *Engine {
	return &Engine{
		Classifier: tiling.NewClassifier(net),
		Schema:     schema,
		Loader:     loader,
	}
}

func (e *Engine) logger() *slog.Logger {
	return logging.OrDefault(e.Logger)
}

// eval switches a trainable network to inference mode.
func (e *Engine) eval() {
	if m, ok := e.Classifier.Network().(network.Model); ok {
		m.SetTraining(false)
	}
}

// Predict returns the raw output vector for v.
func (e *Engine) Predict(v *models.Volume) ([]float64, error) {
	e.eval()
	out, err := e.Classifier.Forward(v)
	if err != nil {
		return nil, err
	}
	if len(out) != e.Schema.Width() {
		return nil, fmt.Errorf("inference: network produced %d outputs, schema %s has %d", len(out), e.Schema.Version, e.Schema.Width())
	}
	return out, nil
}

// PredictPath loads the image at path and returns its raw output vector.
func (e *Engine) PredictPath(ctx context.Context, path string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := e.Loader.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return e.Predict(v)
}

// EvaluateOne returns the labeled raw result for the image at path.
func (e *Engine) EvaluateOne(ctx context.Context, path string) (Result, error) {
	start := time.Now()
	out, err := e.PredictPath(ctx, path)
	e.Metrics.ObserveEvaluation(e.Name, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	e.logger().Info("evaluated image",
		"path", path,
		"model", e.Name,
		"overall_quality", fmt.Sprintf("%.1f", out[0]))
	return Label(e.Schema, out)
}

// EvaluateMany evaluates every path in order and returns the results keyed
// by path. The first failure aborts the batch.
func (e *Engine) EvaluateMany(ctx context.Context, paths []string) (map[string]Result, error) {
	results := make(map[string]Result, len(paths))
	for _, path := range paths {
		result, err := e.EvaluateOne(ctx, path)
		if err != nil {
			return nil, err
		}
		results[path] = result
		e.Progress.Tick()
	}
	e.Progress.Done()
	return results, nil
}
