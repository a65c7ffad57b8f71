// Package checkpoint persists model weights. A checkpoint file is a gzip
// compressed gob stream holding a versioned header followed by the named
// parameter tensors. Files are replaced atomically and writers hold an
// advisory lock, so a reader never observes a partial checkpoint.
package checkpoint

import (
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"miqa/pkg/network"
)

// FormatVersion is the file layout version written by Save.
const FormatVersion = 1

// ErrLocked is returned when another writer holds the checkpoint lock.
var ErrLocked = errors.New("checkpoint: locked by another writer")

// Header describes the weights that follow it.
type Header struct {
	Version      int
	Architecture string
	Schema       string
	Epoch        int
	Metric       float64
	RunID        string
	CreatedAt    time.Time
}

// Checkpoint is a header plus the model state.
type Checkpoint struct {
	Header Header
	State  network.StateDict
}

// New captures the state of m.
func New(m network.Model, schema string) *Checkpoint {
	return &Checkpoint{
		Header: Header{
			Version:      FormatVersion,
			Architecture: m.Architecture(),
			Schema:       schema,
			CreatedAt:    time.Now().UTC(),
		},
		State: network.CaptureState(m),
	}
}

// Apply loads the checkpoint into m after checking that it was made for the
// same architecture.
func (c *Checkpoint) Apply(m network.Model) error {
	if c.Header.Architecture != m.Architecture() {
		return fmt.Errorf("checkpoint: made for %q, model is %q", c.Header.Architecture, m.Architecture())
	}
	return network.LoadState(m, c.State)
}

func lockPath(path string) string {
	return path + ".lock"
}

// Save writes c to path. The data goes to a temporary file in the same
// directory which is then renamed over path.
func Save(path string, c *Checkpoint) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}

	lock := flock.New(lockPath(path))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("checkpoint: acquire lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := encode(tmp, c); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

func encode(f *os.File, c *Checkpoint) error {
	gz := gzip.NewWriter(f)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(c.Header); err != nil {
		return fmt.Errorf("checkpoint: encode header: %w", err)
	}
	if err := enc.Encode(c.State); err != nil {
		return fmt.Errorf("checkpoint: encode state: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint at path.
func Load(path string) (*Checkpoint, error) {
	c, err := read(path, true)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ReadHeader returns only the header of the checkpoint at path.
func ReadHeader(path string) (Header, error) {
	c, err := read(path, false)
	if err != nil {
		return Header{}, err
	}
	return c.Header, nil
}

func read(path string, withState bool) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	defer gz.Close()

	c := &Checkpoint{}
	dec := gob.NewDecoder(gz)
	if err := dec.Decode(&c.Header); err != nil {
		return nil, fmt.Errorf("checkpoint %s: decode header: %w", path, err)
	}
	if c.Header.Version != FormatVersion {
		return nil, fmt.Errorf("checkpoint %s: unsupported format version %d", path, c.Header.Version)
	}
	if withState {
		if err := dec.Decode(&c.State); err != nil {
			return nil, fmt.Errorf("checkpoint %s: decode state: %w", path, err)
		}
	}
	return c, nil
}

// Exists reports whether a checkpoint file is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// EpochPath is the name of the checkpoint written when a run of the given
// length completes.
func EpochPath(best string, epochs int) string {
	return fmt.Sprintf("%s.epoch%d", best, epochs)
}
