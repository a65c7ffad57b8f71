// Package visualization renders slices of a loaded scan as grayscale images
// so reviewers can check what the classifier was given.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"miqa/internal/models"
)

// Plane names an anatomical slice orientation.
type Plane string

const (
	// Axial slices fix z and span x, y
	Axial Plane = "axial"
	// Coronal slices fix y and span x, z
	Coronal Plane = "coronal"
	// Sagittal slices fix x and span y, z
	Sagittal Plane = "sagittal"
)

// Planes lists every orientation in preview order.
var Planes = []Plane{Axial, Coronal, Sagittal}

// ParsePlane accepts a plane name or the letter of the axis it fixes.
func ParsePlane(s string) (Plane, error) {
	switch s {
	case "axial", "z", "Z":
		return Axial, nil
	case "coronal", "y", "Y":
		return Coronal, nil
	case "sagittal", "x", "X":
		return Sagittal, nil
	}
	return "", fmt.Errorf("invalid plane: %s (must be axial, coronal or sagittal)", s)
}

// Viewer extracts slices from one channel of a volume. Intensities are
// windowed to the channel's minimum and maximum.
type Viewer struct {
	volume  *models.Volume
	channel int

	low, high float64
}

// NewViewer creates a viewer for channel of v.
func NewViewer(v *models.Volume, channel int) (*Viewer, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if channel < 0 || channel >= v.Shape.Channels {
		return nil, fmt.Errorf("channel %d out of range, volume has %d", channel, v.Shape.Channels)
	}
	n := v.Shape.Depth * v.Shape.Height * v.Shape.Width
	data := v.Data[channel*n : (channel+1)*n]
	return &Viewer{volume: v, channel: channel, low: floats.Min(data), high: floats.Max(data)}, nil
}

// Extent returns the number of slices along plane.
func (v *Viewer) Extent(plane Plane) int {
	s := v.volume.Shape
	switch plane {
	case Axial:
		return s.Depth
	case Coronal:
		return s.Height
	case Sagittal:
		return s.Width
	}
	return 0
}

func (v *Viewer) gray(value float64) color.Gray {
	span := v.high - v.low
	if span <= 0 {
		return color.Gray{}
	}
	scaled := (value - v.low) / span * 255
	return color.Gray{Y: uint8(math.Max(0, math.Min(255, math.RoundToEven(scaled))))}
}

// ExtractSlice extracts the slice at position along plane. Rows run along
// y for axial slices and along z otherwise, with z increasing downwards.
func (v *Viewer) ExtractSlice(plane Plane, position int) (*image.Gray, error) {
	extent := v.Extent(plane)
	if extent == 0 {
		return nil, fmt.Errorf("invalid plane: %s", plane)
	}
	if position < 0 || position >= extent {
		return nil, fmt.Errorf("position %d outside %s extent %d", position, plane, extent)
	}

	s := v.volume.Shape
	c := v.channel
	var img *image.Gray

	switch plane {
	case Axial:
		img = image.NewGray(image.Rect(0, 0, s.Width, s.Height))
		for y := 0; y < s.Height; y++ {
			for x := 0; x < s.Width; x++ {
				img.SetGray(x, y, v.gray(v.volume.At(c, position, y, x)))
			}
		}
	case Coronal:
		img = image.NewGray(image.Rect(0, 0, s.Width, s.Depth))
		for z := 0; z < s.Depth; z++ {
			for x := 0; x < s.Width; x++ {
				img.SetGray(x, z, v.gray(v.volume.At(c, z, position, x)))
			}
		}
	case Sagittal:
		img = image.NewGray(image.Rect(0, 0, s.Height, s.Depth))
		for z := 0; z < s.Depth; z++ {
			for y := 0; y < s.Height; y++ {
				img.SetGray(y, z, v.gray(v.volume.At(c, z, y, position)))
			}
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along plane.
func (v *Viewer) SaveSliceSequence(plane Plane, outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	extent := v.Extent(plane)
	if extent == 0 {
		return nil, fmt.Errorf("invalid plane: %s", plane)
	}
	files := make([]string, 0, extent)
	for pos := 0; pos < extent; pos++ {
		img, err := v.ExtractSlice(plane, pos)
		if err != nil {
			return files, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", plane, pos))
		if err := SaveSlice(img, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}
	return files, nil
}

// SavePreview writes the middle slice of every plane to outputDir as
// <prefix>_<plane>.jpg and returns the written files.
func (v *Viewer) SavePreview(outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	files := make([]string, 0, len(Planes))
	for _, plane := range Planes {
		img, err := v.ExtractSlice(plane, v.Extent(plane)/2)
		if err != nil {
			return files, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.jpg", prefix, plane))
		if err := SaveSlice(img, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}
	return files, nil
}
