package inference

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"miqa/internal/models"
	"miqa/pkg/checkpoint"
	"miqa/pkg/logging"
	"miqa/pkg/network"
	"miqa/pkg/telemetry"
	"miqa/pkg/volume"
)

// ModelFactory builds an untrained network for a schema.
type ModelFactory func(schema models.Schema) (network.Model, error)

// DefaultModels maps evaluation model names to checkpoint files.
var DefaultModels = map[string]string{
	"MIQAMix-0": "miqaMix-val0.pth",
	"MIQAT1-0":  "miqaT1-val0.pth",
}

// Registry resolves evaluation model names to engines, loading each
// checkpoint on first use.
type Registry struct {
	Dir     string
	Models  map[string]string
	Factory ModelFactory
	Loader  volume.Loader
	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	mu      sync.Mutex
	engines map[string]*Engine
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Models))
	for name := range r.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the checkpoint file of model name.
func (r *Registry) Path(name string) (string, error) {
	file, ok := r.Models[name]
	if !ok {
		return "", fmt.Errorf("inference: unknown evaluation model %q", name)
	}
	if filepath.IsAbs(file) {
		return file, nil
	}
	return filepath.Join(r.Dir, file), nil
}

// Engine returns the engine for model name, loading it if needed.
func (r *Registry) Engine(name string) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[name]; ok {
		return e, nil
	}
	path, err := r.Path(name)
	if err != nil {
		return nil, err
	}
	e, err := LoadEngine(path, r.Factory, r.Loader)
	if err != nil {
		return nil, fmt.Errorf("inference: model %s: %w", name, err)
	}
	e.Name = name
	e.Logger = r.Logger
	e.Metrics = r.Metrics

	if r.engines == nil {
		r.engines = make(map[string]*Engine)
	}
	r.engines[name] = e
	logging.OrDefault(r.Logger).Info("loaded evaluation model", "model", name, "checkpoint", path)
	return e, nil
}

// Reload drops the cached engine of name so the next call to Engine reads
// the checkpoint again.
func (r *Registry) Reload(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, name)
}

// NameForPath returns the model whose checkpoint is path.
func (r *Registry) NameForPath(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	for _, name := range r.Names() {
		p, _ := r.Path(name)
		if candidate, err := filepath.Abs(p); err == nil && candidate == abs {
			return name, true
		}
	}
	return "", false
}

// LoadEngine restores a checkpoint into a network built by factory.
func LoadEngine(path string, factory ModelFactory, loader volume.Loader) (*Engine, error) {
	ckpt, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	schema, err := models.SchemaByVersion(ckpt.Header.Schema)
	if err != nil {
		return nil, err
	}
	m, err := factory(schema)
	if err != nil {
		return nil, err
	}
	if err := ckpt.Apply(m); err != nil {
		return nil, err
	}
	m.SetTraining(false)

	e := NewEngine(m, schema, loader)
	e.Name = filepath.Base(path)
	return e, nil
}
