// Package queue carries evaluate-image jobs from producers to workers that
// run them through the evaluation models and persist the results.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Job asks for one image to be evaluated.
type Job struct {
	ID        string    `json:"id"`
	ImagePath string    `json:"image_path"`
	ScanType  string    `json:"scan_type,omitempty"`
	Model     string    `json:"model,omitempty"`
	Enqueued  time.Time `json:"enqueued"`
}

// NewJob creates a job for imagePath with a fresh ID.
func NewJob(imagePath, scanType string) Job {
	return Job{
		ID:        uuid.NewString(),
		ImagePath: imagePath,
		ScanType:  scanType,
		Enqueued:  time.Now().UTC(),
	}
}

// ErrClosed is returned by a closed source.
var ErrClosed = errors.New("queue: source closed")

// Source delivers jobs to workers.
type Source interface {
	// Enqueue appends job to the queue.
	Enqueue(ctx context.Context, job Job) error

	// Receive waits up to wait for a first job and then takes whatever else
	// is queued, up to limit jobs. It returns an empty slice on timeout.
	Receive(ctx context.Context, limit int, wait time.Duration) ([]Job, error)
}

// DefaultScanTypeModels maps scan types to the evaluation model used for them.
var DefaultScanTypeModels = map[string]string{
	"T1":                        "MIQAMix-0",
	"T2":                        "MIQAMix-0",
	"FMRI":                      "MIQAT1-0",
	"MRA":                       "MIQAT1-0",
	"PD":                        "MIQAMix-0",
	"DTI":                       "MIQAT1-0",
	"DWI":                       "MIQAT1-0",
	"ncanda-t1spgr-v1":          "MIQAMix-0",
	"ncanda-mprage-v1":          "MIQAMix-0",
	"ncanda-t2fse-v1":           "MIQAMix-0",
	"ncanda-dti6b500pepolar-v1": "MIQAMix-0",
	"ncanda-dti30b400-v1":       "MIQAT1-0",
	"ncanda-dti60b1000-v1":      "MIQAT1-0",
	"ncanda-grefieldmap-v1":     "MIQAMix-0",
	"ncanda-rsfmri-v1":          "MIQAT1-0",
}
