package volume

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"miqa/internal/models"
)

// LoadSliceDir stacks the 2D slice images of dir into a single-channel
// volume. Each image becomes one depth plane; planes are ordered by the
// number embedded in their file names, so slice_2.jpg precedes slice_10.jpg.
// Every slice must share the dimensions of the first. sliceGap, when
// positive, is recorded as the depth spacing in mm.
func LoadSliceDir(dir string, sliceGap float64) (*models.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, entry.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no slice images found in %s", dir)
	}

	sort.SliceStable(files, func(i, j int) bool {
		return extractNumber(files[i]) < extractNumber(files[j])
	})

	var v *models.Volume
	for z, name := range files {
		img, err := loadImage(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load slice %s: %w", name, err)
		}

		bounds := img.Bounds()
		if v == nil {
			v = models.NewVolume(models.Shape{
				Channels: 1,
				Depth:    len(files),
				Height:   bounds.Dy(),
				Width:    bounds.Dx(),
			})
			v.Path = dir
			if sliceGap > 0 {
				v.Spacing[models.AxisDepth] = sliceGap
			}
		} else if bounds.Dx() != v.Shape.Width || bounds.Dy() != v.Shape.Height {
			return nil, fmt.Errorf("slice %s is %dx%d, expected %dx%d",
				name, bounds.Dx(), bounds.Dy(), v.Shape.Width, v.Shape.Height)
		}

		plane := imageToFloat(img)
		copy(v.Data[v.Index(0, z, 0, 0):], plane)
	}
	return v, nil
}

// extractNumber concatenates the digits of the file's base name.
func extractNumber(filename string) int {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, filepath.Base(filename))

	if digits == "" {
		return 0
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if strings.EqualFold(filepath.Ext(path), ".png") {
		return png.Decode(file)
	}
	return jpeg.Decode(file)
}

// imageToFloat returns the red channel of img in [0, 1], row by row.
func imageToFloat(img image.Image) []float64 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	out := make([]float64, width*height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			out[y*width+x] = float64(r) / 65535.0
		}
	}
	return out
}
