// Package telemetry exposes training and inference gauges as Prometheus
// metrics, either scraped over HTTP or written to a node-exporter textfile.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector of one process.
type Metrics struct {
	registry *prometheus.Registry

	TrainingLoss    prometheus.Gauge
	LearningRate    prometheus.Gauge
	Epoch           prometheus.Gauge
	ValidationRMSE  prometheus.Gauge
	ValidationR2    prometheus.Gauge
	BestMetric      prometheus.Gauge
	Steps           prometheus.Counter
	Evaluations     *prometheus.CounterVec
	EvaluationTime  prometheus.Histogram
	EvaluationError *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TrainingLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "miqa_training_loss", Help: "Mean combined loss of the last training epoch.",
		}),
		LearningRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "miqa_learning_rate", Help: "Current optimizer learning rate.",
		}),
		Epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "miqa_epoch", Help: "Last completed training epoch.",
		}),
		ValidationRMSE: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "miqa_validation_rmse", Help: "Overall quality RMSE on the held-out fold.",
		}),
		ValidationR2: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "miqa_validation_r2", Help: "Overall quality R squared on the held-out fold.",
		}),
		BestMetric: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "miqa_best_metric", Help: "Best validation metric of the run.",
		}),
		Steps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miqa_optimizer_steps_total", Help: "Optimizer steps taken.",
		}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miqa_evaluations_total", Help: "Images evaluated, by model.",
		}, []string{"model"}),
		EvaluationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "miqa_evaluation_seconds",
			Help:    "Wall time of one image evaluation.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		EvaluationError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miqa_evaluation_errors_total", Help: "Failed evaluations, by model.",
		}, []string{"model"}),
	}

	m.registry.MustRegister(
		m.TrainingLoss, m.LearningRate, m.Epoch, m.ValidationRMSE, m.ValidationR2,
		m.BestMetric, m.Steps, m.Evaluations, m.EvaluationTime, m.EvaluationError,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEvaluation records one evaluation of model that took d.
func (m *Metrics) ObserveEvaluation(model string, d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.EvaluationError.WithLabelValues(model).Inc()
		return
	}
	m.Evaluations.WithLabelValues(model).Inc()
	m.EvaluationTime.Observe(d.Seconds())
}

// WriteTextfile writes the current values to path for the node exporter
// textfile collector. An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
