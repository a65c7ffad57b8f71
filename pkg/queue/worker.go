package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"miqa/pkg/inference"
	"miqa/pkg/logging"
	"miqa/pkg/results"
)

// Engines resolves evaluation model names. *inference.Registry implements it.
type Engines interface {
	Engine(name string) (*inference.Engine, error)
}

// Sink persists evaluations. *results.Store implements it.
type Sink interface {
	PutAll(ctx context.Context, evs []*results.Evaluation) error
}

// Worker takes batches of jobs, groups them by evaluation model, evaluates
// every group with one loaded model and stores the results.
type Worker struct {
	Source  Source
	Engines Engines
	Sink    Sink

	// ScanTypes picks the model for jobs that do not name one
	ScanTypes map[string]string

	BatchSize int
	Wait      time.Duration

	Logger *slog.Logger
}

// NewWorker creates a worker with the default scan type mapping.
func NewWorker(source Source, engines Engines, sink Sink) *Worker {
	return &Worker{
		Source:    source,
		Engines:   engines,
		Sink:      sink,
		ScanTypes: DefaultScanTypeModels,
		BatchSize: 16,
		Wait:      5 * time.Second,
	}
}

func (w *Worker) logger() *slog.Logger {
	return logging.OrDefault(w.Logger)
}

// Run processes jobs until ctx is cancelled or the source is closed.
// Failed batches are logged and do not stop the worker.
func (w *Worker) Run(ctx context.Context) error {
	log := w.logger()
	log.Info("worker started", "batch_size", w.BatchSize)
	for {
		jobs, err := w.Source.Receive(ctx, w.BatchSize, w.Wait)
		if errors.Is(err, ErrClosed) {
			log.Info("job source closed, worker exiting")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Error("receive jobs", "error", err)
			if len(jobs) == 0 {
				select {
				case <-time.After(w.Wait):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
		}
		if len(jobs) == 0 {
			continue
		}

		stored, err := w.Process(ctx, jobs)
		if err != nil {
			log.Error("process jobs", "jobs", len(jobs), "stored", len(stored), "error", err)
			continue
		}
		log.Info("processed jobs", "jobs", len(jobs), "stored", len(stored))
	}
}

// Model returns the evaluation model for job.
func (w *Worker) Model(job Job) (string, error) {
	if job.Model != "" {
		return job.Model, nil
	}
	name, ok := w.ScanTypes[job.ScanType]
	if !ok {
		return "", fmt.Errorf("queue: no evaluation model for scan type %q", job.ScanType)
	}
	return name, nil
}

// Process evaluates jobs and returns the stored evaluations. Jobs whose image
// does not exist are skipped. A failing model group does not prevent the
// others from being evaluated; its error is returned joined with the rest.
func (w *Worker) Process(ctx context.Context, jobs []Job) ([]*results.Evaluation, error) {
	log := w.logger()

	groups := make(map[string][]Job)
	var errs []error
	for _, job := range jobs {
		if _, err := os.Stat(job.ImagePath); err != nil {
			log.Warn("skipping job, image not found", "job", job.ID, "path", job.ImagePath)
			continue
		}
		name, err := w.Model(job)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		groups[name] = append(groups[name], job)
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var stored []*results.Evaluation
	for _, name := range names {
		evs, err := w.evaluateGroup(ctx, name, groups[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("model %s: %w", name, err))
			continue
		}
		stored = append(stored, evs...)
	}
	return stored, errors.Join(errs...)
}

func (w *Worker) evaluateGroup(ctx context.Context, name string, jobs []Job) ([]*results.Evaluation, error) {
	engine, err := w.Engines.Engine(name)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(jobs))
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if !seen[job.ImagePath] {
			seen[job.ImagePath] = true
			paths = append(paths, job.ImagePath)
		}
	}

	byPath, err := engine.EvaluateMany(ctx, paths)
	if err != nil {
		return nil, err
	}

	expected := engine.Schema.Names()
	evs := make([]*results.Evaluation, 0, len(jobs))
	for _, job := range jobs {
		ev := &results.Evaluation{
			ID:        job.ID,
			ImagePath: job.ImagePath,
			Model:     name,
			Results:   byPath[job.ImagePath],
		}
		if err := ev.Check(expected); err != nil {
			return nil, err
		}
		evs = append(evs, ev)
	}

	if err := w.Sink.PutAll(ctx, evs); err != nil {
		return nil, err
	}
	return evs, nil
}
