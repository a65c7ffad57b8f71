// Package config provides configuration loading and management for miqa.
// It handles loading configuration from YAML or TOML files and provides
// default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"miqa/internal/models"
	"miqa/pkg/inference"
	"miqa/pkg/network"
	"miqa/pkg/queue"
	"miqa/pkg/sampling"
	"miqa/pkg/training"
)

// Config represents the application configuration
type Config struct {
	// Model parameters
	Model struct {
		// Schema is the output layout version, miqaT1 or miqaMix
		Schema string `yaml:"schema" toml:"schema"`

		// TileShape is the network input size as depth, height, width
		TileShape [3]int `yaml:"tileShape" toml:"tileShape"`

		// Channels is the number of image channels
		Channels int `yaml:"channels" toml:"channels"`

		// Pool is the pooling grid of the network as depth, height, width
		Pool [3]int `yaml:"pool" toml:"pool"`

		// ModelsDir holds trained checkpoints
		ModelsDir string `yaml:"modelsDir" toml:"modelsDir"`

		// Pretrained seeds new training runs when the file exists
		Pretrained string `yaml:"pretrained" toml:"pretrained"`
	} `yaml:"model" toml:"model"`

	// Training parameters
	Training struct {
		LearningRate float64 `yaml:"learningRate" toml:"learningRate"`
		Gamma        float64 `yaml:"gamma" toml:"gamma"`
		BatchSize    int     `yaml:"batchSize" toml:"batchSize"`
		Seed         uint64  `yaml:"seed" toml:"seed"`

		// LoaderWorkers decode images in parallel while the model trains
		LoaderWorkers int `yaml:"loaderWorkers" toml:"loaderWorkers"`
		Prefetch      int `yaml:"prefetch" toml:"prefetch"`

		// QASampleCounts is the histogram of quality scores 0..10 used to
		// weight samples
		QASampleCounts []float64 `yaml:"qaSampleCounts" toml:"qaSampleCounts"`

		QualityWeight  float64 `yaml:"qualityWeight" toml:"qualityWeight"`
		NuisanceWeight float64 `yaml:"nuisanceWeight" toml:"nuisanceWeight"`
		FocalGamma     float64 `yaml:"focalGamma" toml:"focalGamma"`

		MinEpochs        int `yaml:"minEpochs" toml:"minEpochs"`
		StepBudget       int `yaml:"stepBudget" toml:"stepBudget"`
		ValidationBudget int `yaml:"validationBudget" toml:"validationBudget"`
	} `yaml:"training" toml:"training"`

	// Data locations
	Data struct {
		// PredictHDRoot is the root of the PredictHD image tree
		PredictHDRoot string `yaml:"predictHDRoot" toml:"predictHDRoot"`

		// FoldsPrefix names the fold manifests
		FoldsPrefix    string `yaml:"foldsPrefix" toml:"foldsPrefix"`
		FoldCount      int    `yaml:"foldCount" toml:"foldCount"`
		ValidationFold int    `yaml:"validationFold" toml:"validationFold"`
	} `yaml:"data" toml:"data"`

	// Store is the evaluation database
	Store struct {
		Path string `yaml:"path" toml:"path"`
	} `yaml:"store" toml:"store"`

	// Queue is the Redis list evaluation jobs are read from
	Queue struct {
		Addr     string `yaml:"addr" toml:"addr"`
		Password string `yaml:"password" toml:"password"`
		DB       int    `yaml:"db" toml:"db"`
		List     string `yaml:"list" toml:"list"`

		// BlockTimeout is how long a worker waits for jobs, e.g. "5s"
		BlockTimeout string `yaml:"blockTimeout" toml:"blockTimeout"`
		BatchSize    int    `yaml:"batchSize" toml:"batchSize"`
	} `yaml:"queue" toml:"queue"`

	// Server parameters
	Server struct {
		Addr string `yaml:"addr" toml:"addr"`

		// Watch reloads served models when their checkpoints change
		Watch bool `yaml:"watch" toml:"watch"`
	} `yaml:"server" toml:"server"`

	// Models maps evaluation model names to checkpoint files in ModelsDir
	Models map[string]string `yaml:"models" toml:"models"`

	// ScanTypes maps scan types to evaluation model names
	ScanTypes map[string]string `yaml:"scanTypes" toml:"scanTypes"`

	// Output parameters
	Output struct {
		// LogLevel is debug, info, warn or error
		LogLevel string `yaml:"logLevel" toml:"logLevel"`

		// LogFormat is console or json, empty detects the terminal
		LogFormat string `yaml:"logFormat" toml:"logFormat"`

		// MetricsFile receives a Prometheus text export after training
		MetricsFile string `yaml:"metricsFile" toml:"metricsFile"`
	} `yaml:"output" toml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Model.Schema = models.SchemaT1.Version
	cfg.Model.TileShape = [3]int{64, 64, 64}
	cfg.Model.Channels = 1
	cfg.Model.Pool = [3]int{4, 4, 4}
	cfg.Model.ModelsDir = "models"
	cfg.Model.Pretrained = "pretrained.pth"

	opts := training.DefaultOptions(models.SchemaT1)
	cfg.Training.LearningRate = opts.LearningRate
	cfg.Training.Gamma = opts.Gamma
	cfg.Training.BatchSize = opts.BatchSize
	cfg.Training.Seed = opts.Seed
	cfg.Training.LoaderWorkers = min(opts.LoaderWorkers, runtime.NumCPU())
	cfg.Training.Prefetch = opts.PrefetchDepth
	cfg.Training.QASampleCounts = append([]float64(nil), sampling.DefaultQASampleCounts...)
	cfg.Training.QualityWeight = opts.QualityWeight
	cfg.Training.NuisanceWeight = opts.NuisanceWeight
	cfg.Training.FocalGamma = opts.FocalGamma
	cfg.Training.MinEpochs = opts.Schedule.MinEpochs
	cfg.Training.StepBudget = opts.Schedule.StepBudget
	cfg.Training.ValidationBudget = opts.Schedule.ValidationBudget

	cfg.Data.PredictHDRoot = "P:/PREDICTHD_BIDS_DEFACE/"
	cfg.Data.FoldsPrefix = "folds/fold"
	cfg.Data.FoldCount = opts.FoldCount
	cfg.Data.ValidationFold = opts.ValidationFold

	cfg.Store.Path = "miqa.db"

	cfg.Queue.Addr = "localhost:6379"
	cfg.Queue.List = "miqa:evaluations"
	cfg.Queue.BlockTimeout = "5s"
	cfg.Queue.BatchSize = 16

	cfg.Server.Addr = ":8080"
	cfg.Server.Watch = true

	cfg.Models = copyMap(inference.DefaultModels)
	cfg.ScanTypes = copyMap(queue.DefaultScanTypeModels)

	cfg.Output.LogLevel = "info"

	return cfg
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration, as TOML when the path ends in .toml
// and as YAML otherwise
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isTOML(configPath) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Schema(); err != nil {
		errs = append(errs, err)
	}
	for i, n := range c.Model.TileShape {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("model.tileShape[%d] must be positive, got %d", i, n))
		}
		if p := c.Model.Pool[i]; p <= 0 || p > n {
			errs = append(errs, fmt.Errorf("model.pool[%d] = %d must be between 1 and tile size %d", i, p, n))
		}
	}
	if c.Model.Channels <= 0 {
		errs = append(errs, errors.New("model.channels must be positive"))
	}
	if c.Training.LearningRate <= 0 {
		errs = append(errs, errors.New("training.learningRate must be positive"))
	}
	if c.Training.Gamma <= 0 || c.Training.Gamma > 1 {
		errs = append(errs, fmt.Errorf("training.gamma must be in (0, 1], got %g", c.Training.Gamma))
	}
	if c.Training.BatchSize <= 0 {
		errs = append(errs, errors.New("training.batchSize must be positive"))
	}
	if c.Training.LoaderWorkers <= 0 {
		errs = append(errs, errors.New("training.loaderWorkers must be positive"))
	}
	if len(c.Training.QASampleCounts) != 11 {
		errs = append(errs, fmt.Errorf("training.qaSampleCounts needs 11 buckets, got %d", len(c.Training.QASampleCounts)))
	}
	for q, n := range c.Training.QASampleCounts {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("training.qaSampleCounts[%d] must be positive", q))
		}
	}
	if c.Data.FoldCount < 2 {
		errs = append(errs, fmt.Errorf("data.foldCount must be at least 2, got %d", c.Data.FoldCount))
	}
	if c.Data.ValidationFold < 0 || c.Data.ValidationFold >= c.Data.FoldCount {
		errs = append(errs, fmt.Errorf("data.validationFold %d is not one of %d folds", c.Data.ValidationFold, c.Data.FoldCount))
	}
	if _, err := c.QueueWait(); err != nil {
		errs = append(errs, err)
	}
	for scanType, name := range c.ScanTypes {
		if _, ok := c.Models[name]; !ok {
			errs = append(errs, fmt.Errorf("scanTypes.%s names unknown model %q", scanType, name))
		}
	}
	return errors.Join(errs...)
}

// Schema returns the configured output schema.
func (c *Config) Schema() (models.Schema, error) {
	return models.SchemaByVersion(c.Model.Schema)
}

// QueueWait parses queue.blockTimeout.
func (c *Config) QueueWait() (time.Duration, error) {
	d, err := cast.ToDurationE(c.Queue.BlockTimeout)
	if err != nil {
		return 0, fmt.Errorf("queue.blockTimeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("queue.blockTimeout must be positive, got %s", d)
	}
	return d, nil
}

// NetworkSpec describes the network built for every schema.
func (c *Config) NetworkSpec() network.Spec {
	t := c.Model.TileShape
	return network.Spec{
		Input: models.Shape{Channels: c.Model.Channels, Depth: t[0], Height: t[1], Width: t[2]},
		Pool:  c.Model.Pool,
		Seed:  c.Training.Seed,
	}
}

// Factory builds untrained networks from NetworkSpec.
func (c *Config) Factory() inference.ModelFactory {
	spec := c.NetworkSpec()
	return func(schema models.Schema) (network.Model, error) {
		m, err := spec.Build(schema.Width())
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// TrainingOptions converts the configuration into driver options.
func (c *Config) TrainingOptions() (training.Options, error) {
	schema, err := c.Schema()
	if err != nil {
		return training.Options{}, err
	}
	opts := training.DefaultOptions(schema)
	opts.FoldsPrefix = c.Data.FoldsPrefix
	opts.FoldCount = c.Data.FoldCount
	opts.ValidationFold = c.Data.ValidationFold
	opts.ModelsDir = c.Model.ModelsDir
	opts.PretrainedPath = c.Model.Pretrained
	opts.LearningRate = c.Training.LearningRate
	opts.Gamma = c.Training.Gamma
	opts.BatchSize = c.Training.BatchSize
	opts.Seed = c.Training.Seed
	opts.LoaderWorkers = c.Training.LoaderWorkers
	opts.PrefetchDepth = c.Training.Prefetch
	opts.QASampleCounts = c.Training.QASampleCounts
	opts.QualityWeight = c.Training.QualityWeight
	opts.NuisanceWeight = c.Training.NuisanceWeight
	opts.FocalGamma = c.Training.FocalGamma
	opts.Schedule = training.ScheduleOptions{
		MinEpochs:        c.Training.MinEpochs,
		StepBudget:       c.Training.StepBudget,
		ValidationBudget: c.Training.ValidationBudget,
	}
	return opts, nil
}

// RedisOptions returns the job queue connection settings.
func (c *Config) RedisOptions() queue.RedisOptions {
	return queue.RedisOptions{
		Addr:     c.Queue.Addr,
		Password: c.Queue.Password,
		DB:       c.Queue.DB,
		List:     c.Queue.List,
	}
}
