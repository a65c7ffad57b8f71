package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"miqa/pkg/logging"
)

// Reloader drops the cached engine of a model. *inference.Registry
// implements it.
type Reloader interface {
	NameForPath(path string) (string, bool)
	Reload(name string)
}

// WatchModels reloads a served model whenever its checkpoint file in dir is
// written or replaced. It blocks until ctx is cancelled. ready, when not
// nil, is closed once the watch is established.
func WatchModels(ctx context.Context, dir string, models Reloader, logger *slog.Logger, ready chan<- struct{}) error {
	log := logging.OrDefault(logger)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch models: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch models in %s: %w", dir, err)
	}
	if ready != nil {
		close(ready)
	}

	const changed = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Op&changed == 0 {
				continue
			}
			name, ok := models.NameForPath(event.Name)
			if !ok {
				continue
			}
			models.Reload(name)
			log.Info("checkpoint changed, model will be reloaded", "model", name, "path", event.Name, "op", event.Op.String())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("model watch error", "error", err)
		}
	}
}
