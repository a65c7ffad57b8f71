package visualization

import (
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"miqa/internal/models"
)

// gradientVolume fills a volume with value x + 10*y + 100*z.
func gradientVolume(depth, height, width int) *models.Volume {
	v := models.NewVolume(models.Shape{Channels: 1, Depth: depth, Height: height, Width: width})
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v.Set(0, z, y, x, float64(x+10*y+100*z))
			}
		}
	}
	return v
}

// TestNewViewer verifies channel validation and intensity windowing
func TestNewViewer(t *testing.T) {
	v := gradientVolume(5, 4, 3)

	viewer, err := NewViewer(v, 0)
	if err != nil {
		t.Fatalf("NewViewer: %v", err)
	}
	if viewer.low != 0 || viewer.high != 432 {
		t.Errorf("Expected window [0, 432], got [%g, %g]", viewer.low, viewer.high)
	}

	if _, err := NewViewer(v, 1); err == nil {
		t.Error("Expected error for missing channel, got nil")
	}

	broken := &models.Volume{Shape: v.Shape, Data: v.Data[:10]}
	if _, err := NewViewer(broken, 0); err == nil {
		t.Error("Expected error for inconsistent volume, got nil")
	}
}

// TestExtractSlice verifies slice dimensions and orientation for every plane
func TestExtractSlice(t *testing.T) {
	depth, height, width := 5, 4, 3
	viewer, err := NewViewer(gradientVolume(depth, height, width), 0)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		plane         Plane
		dx, dy        int
		darker, light [2]int
	}{
		{Axial, width, height, [2]int{0, 0}, [2]int{width - 1, height - 1}},
		{Coronal, width, depth, [2]int{0, 0}, [2]int{width - 1, depth - 1}},
		{Sagittal, height, depth, [2]int{0, 0}, [2]int{height - 1, depth - 1}},
	}
	for _, tc := range cases {
		img, err := viewer.ExtractSlice(tc.plane, 1)
		if err != nil {
			t.Fatalf("Failed to extract %s slice: %v", tc.plane, err)
		}
		bounds := img.Bounds()
		if bounds.Dx() != tc.dx || bounds.Dy() != tc.dy {
			t.Errorf("Expected %s slice dimensions %dx%d, got %dx%d",
				tc.plane, tc.dx, tc.dy, bounds.Dx(), bounds.Dy())
		}
		dark := img.GrayAt(tc.darker[0], tc.darker[1]).Y
		light := img.GrayAt(tc.light[0], tc.light[1]).Y
		if dark >= light {
			t.Errorf("%s slice: expected intensity to grow across the image, got %d then %d",
				tc.plane, dark, light)
		}
	}

	// the brightest voxel maps to white
	img, err := viewer.ExtractSlice(Axial, depth-1)
	if err != nil {
		t.Fatal(err)
	}
	if got := img.GrayAt(width-1, height-1).Y; got != 255 {
		t.Errorf("Expected maximum voxel to be 255, got %d", got)
	}

	if _, err := viewer.ExtractSlice("oblique", 0); err == nil {
		t.Error("Expected error for invalid plane, got nil")
	}
	if _, err := viewer.ExtractSlice(Axial, depth); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
	if _, err := viewer.ExtractSlice(Sagittal, -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

// TestConstantVolumeIsBlack verifies a flat volume does not divide by zero
func TestConstantVolumeIsBlack(t *testing.T) {
	v := models.NewVolume(models.Shape{Channels: 1, Depth: 2, Height: 2, Width: 2})
	for i := range v.Data {
		v.Data[i] = 0.5
	}
	viewer, err := NewViewer(v, 0)
	if err != nil {
		t.Fatal(err)
	}
	img, err := viewer.ExtractSlice(Coronal, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range img.Pix {
		if p != 0 {
			t.Fatalf("Expected black slice, got pixel %d", p)
		}
	}
}

func TestParsePlane(t *testing.T) {
	for in, want := range map[string]Plane{"axial": Axial, "z": Axial, "Y": Coronal, "sagittal": Sagittal, "x": Sagittal} {
		got, err := ParsePlane(in)
		if err != nil || got != want {
			t.Errorf("ParsePlane(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePlane("oblique"); err == nil {
		t.Error("Expected error for unknown plane, got nil")
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	depth := 3
	viewer, err := NewViewer(gradientVolume(depth, 5, 5), 0)
	if err != nil {
		t.Fatal(err)
	}

	outputDir := filepath.Join(t.TempDir(), "slices")
	files, err := viewer.SaveSliceSequence(Axial, outputDir)
	if err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}
	if len(files) != depth {
		t.Errorf("Expected %d files, got %d", depth, len(files))
	}

	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_axial_%03d.jpg", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if _, err := viewer.SaveSliceSequence("oblique", outputDir); err == nil {
		t.Error("Expected error for invalid plane, got nil")
	}
}

// TestSavePreview verifies one decodable JPEG per plane
func TestSavePreview(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	viewer, err := NewViewer(gradientVolume(6, 8, 10), 0)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	files, err := viewer.SavePreview(dir, "scan")
	if err != nil {
		t.Fatalf("SavePreview: %v", err)
	}
	if len(files) != len(Planes) {
		t.Fatalf("Expected %d previews, got %d", len(Planes), len(files))
	}

	want := map[string][2]int{
		"scan_axial.jpg":    {10, 8},
		"scan_coronal.jpg":  {10, 6},
		"scan_sagittal.jpg": {8, 6},
	}
	for _, file := range files {
		size, ok := want[filepath.Base(file)]
		if !ok {
			t.Errorf("Unexpected preview %s", file)
			continue
		}
		f, err := os.Open(file)
		if err != nil {
			t.Fatal(err)
		}
		cfg, err := jpeg.DecodeConfig(f)
		f.Close()
		if err != nil {
			t.Fatalf("Decode %s: %v", file, err)
		}
		if cfg.Width != size[0] || cfg.Height != size[1] {
			t.Errorf("%s is %dx%d, want %dx%d", file, cfg.Width, cfg.Height, size[0], size[1])
		}
	}
}
