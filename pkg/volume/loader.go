// Package volume reads scans from disk into models.Volume values. It
// understands NIfTI-1 files (optionally gzip compressed) and directories of
// 2D slice images.
package volume

import (
	"fmt"
	"math"
	"os"

	"miqa/internal/models"
)

// Loader decodes the image at path into a volume ready for the classifier.
type Loader interface {
	Load(path string) (*models.Volume, error)
}

// FileLoader loads NIfTI files and slice directories from the local
// filesystem.
type FileLoader struct {
	// Rescale maps intensities to [0, 1] after loading
	Rescale bool

	// SliceGap is the depth spacing recorded for slice directories
	SliceGap float64
}

// NewFileLoader returns the loader used for training and inference.
func NewFileLoader() *FileLoader {
	return &FileLoader{Rescale: true}
}

// Load implements Loader.
func (l *FileLoader) Load(path string) (*models.Volume, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var v *models.Volume
	switch {
	case info.IsDir():
		v, err = LoadSliceDir(path, l.SliceGap)
	case IsNIfTI(path):
		v, err = LoadNIfTI(path)
	default:
		return nil, fmt.Errorf("%s: unsupported image format", path)
	}
	if err != nil {
		return nil, err
	}

	if l.Rescale {
		ScaleIntensity(v)
	}
	return v, nil
}

// Dimensions returns the spatial extent of the image at path in (x, y, z)
// order without decoding voxel data where the format allows it.
func Dimensions(path string) ([3]int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return [3]int{}, err
	}

	var shape models.Shape
	switch {
	case info.IsDir():
		v, err := LoadSliceDir(path, 0)
		if err != nil {
			return [3]int{}, err
		}
		shape = v.Shape
	case IsNIfTI(path):
		shape, err = ReadNIfTIShape(path)
		if err != nil {
			return [3]int{}, err
		}
	default:
		return [3]int{}, fmt.Errorf("%s: unsupported image format", path)
	}
	return [3]int{shape.Width, shape.Height, shape.Depth}, nil
}

// ScaleIntensity linearly maps the voxel values of v onto [0, 1] in place.
// A constant volume becomes all zeros.
func ScaleIntensity(v *models.Volume) {
	if len(v.Data) == 0 {
		return
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, value := range v.Data {
		lo = math.Min(lo, value)
		hi = math.Max(hi, value)
	}

	span := hi - lo
	for i, value := range v.Data {
		if span == 0 {
			v.Data[i] = 0
			continue
		}
		v.Data[i] = (value - lo) / span
	}
}
