package volume

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"miqa/internal/models"
)

// createTestVolume fills a volume with a pattern unique per voxel
func createTestVolume(shape models.Shape) *models.Volume {
	v := models.NewVolume(shape)
	for i := range v.Data {
		v.Data[i] = float64(i) * 0.5
	}
	v.Spacing = [3]float64{3, 1.5, 1.25}
	return v
}

func TestNIfTIRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := createTestVolume(models.Shape{Channels: 1, Depth: 4, Height: 3, Width: 5})

	for _, name := range []string{"scan.nii", "scan.nii.gz"} {
		path := filepath.Join(dir, name)
		if err := SaveNIfTI(path, src); err != nil {
			t.Fatalf("SaveNIfTI(%s) failed: %v", name, err)
		}

		got, err := LoadNIfTI(path)
		if err != nil {
			t.Fatalf("LoadNIfTI(%s) failed: %v", name, err)
		}
		if got.Shape != src.Shape {
			t.Fatalf("%s: shape %s, want %s", name, got.Shape, src.Shape)
		}
		if got.Spacing != src.Spacing {
			t.Errorf("%s: spacing %v, want %v", name, got.Spacing, src.Spacing)
		}
		for i := range src.Data {
			if got.Data[i] != src.Data[i] {
				t.Fatalf("%s: voxel %d = %f, want %f", name, i, got.Data[i], src.Data[i])
			}
		}

		shape, err := ReadNIfTIShape(path)
		if err != nil {
			t.Fatalf("ReadNIfTIShape(%s) failed: %v", name, err)
		}
		if shape != src.Shape {
			t.Errorf("%s: header shape %s, want %s", name, shape, src.Shape)
		}
	}
}

// TestNIfTIBigEndianInt16 decodes a hand-built big-endian file with scaling
func TestNIfTIBigEndianInt16(t *testing.T) {
	hdr := niftiHeader{
		SizeofHdr: niftiHeaderSize,
		Datatype:  dtInt16,
		Bitpix:    16,
		VoxOffset: 352,
		SclSlope:  2,
		SclInter:  1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim = [8]int16{3, 2, 2, 1, 1, 1, 1, 1}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, &hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	buf.Write([]byte{0, 0, 0, 0})
	for _, value := range []int16{-3, 0, 7, 100} {
		binary.Write(&buf, binary.BigEndian, value)
	}

	path := filepath.Join(t.TempDir(), "be.nii")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	v, err := LoadNIfTI(path)
	if err != nil {
		t.Fatalf("LoadNIfTI failed: %v", err)
	}
	want := []float64{-5, 1, 15, 201}
	for i := range want {
		if v.Data[i] != want[i] {
			t.Errorf("voxel %d = %f, want %f", i, v.Data[i], want[i])
		}
	}
}

func TestNIfTIRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	junk := filepath.Join(dir, "junk.nii")
	os.WriteFile(junk, bytes.Repeat([]byte{1}, 400), 0644)
	if _, err := LoadNIfTI(junk); err == nil {
		t.Errorf("Expected error for junk file")
	}

	short := filepath.Join(dir, "short.nii")
	os.WriteFile(short, []byte{92, 1, 0, 0}, 0644)
	if _, err := ReadNIfTIShape(short); err == nil {
		t.Errorf("Expected error for truncated header")
	}

	// a zero depth header must not decode to a volume
	flat := &models.Volume{Shape: models.Shape{Channels: 1, Depth: 1, Height: 2, Width: 2}, Data: make([]float64, 4)}
	flatPath := filepath.Join(dir, "flat.nii")
	if err := SaveNIfTI(flatPath, flat); err != nil {
		t.Fatalf("SaveNIfTI failed: %v", err)
	}
	raw, _ := os.ReadFile(flatPath)
	binary.LittleEndian.PutUint16(raw[40+3*2:], 0)
	os.WriteFile(flatPath, raw, 0644)
	if _, err := ReadNIfTIShape(flatPath); err == nil {
		t.Errorf("Expected error for zero extent")
	}
}

// createTestSlices writes depth PNG slices with names that sort wrongly as strings
func createTestSlices(t *testing.T, dir string, width, height, depth int) {
	for z := 0; z < depth; z++ {
		img := image.NewGray16(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.Set(x, y, color.Gray16{Y: uint16(z * 1000)})
			}
		}

		file, err := os.Create(filepath.Join(dir, "slice_"+itoa(z)+".png"))
		if err != nil {
			t.Fatalf("Failed to create slice: %v", err)
		}
		if err := png.Encode(file, img); err != nil {
			t.Fatalf("Failed to encode slice: %v", err)
		}
		file.Close()
	}
}

func itoa(n int) string {
	return string(rune('0'+n/10)) + string(rune('0'+n%10))
}

func TestLoadSliceDir(t *testing.T) {
	dir := t.TempDir()
	createTestSlices(t, dir, 6, 4, 12)

	v, err := LoadSliceDir(dir, 2.5)
	if err != nil {
		t.Fatalf("LoadSliceDir failed: %v", err)
	}

	want := models.Shape{Channels: 1, Depth: 12, Height: 4, Width: 6}
	if v.Shape != want {
		t.Fatalf("Expected shape %s, got %s", want, v.Shape)
	}
	if v.Spacing[models.AxisDepth] != 2.5 {
		t.Errorf("Expected depth spacing 2.5, got %f", v.Spacing[models.AxisDepth])
	}
	for z := 0; z < 12; z++ {
		expected := float64(z*1000) / 65535.0
		if got := v.At(0, z, 3, 5); math.Abs(got-expected) > 1e-9 {
			t.Errorf("Plane %d has value %f, want %f", z, got, expected)
		}
	}

	if _, err := LoadSliceDir(t.TempDir(), 0); err == nil {
		t.Errorf("Expected error for empty directory")
	}
}

func TestExtractNumber(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"slice_10.jpg", 10},
		{"img2.png", 2},
		{"/tmp/7/a.jpg", 0},
		{"ax_01_02.jpg", 102},
	}
	for _, tc := range tests {
		if got := extractNumber(tc.name); got != tc.want {
			t.Errorf("extractNumber(%q) = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestFileLoaderRescales(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.nii.gz")
	src := createTestVolume(models.Shape{Channels: 1, Depth: 2, Height: 2, Width: 2})
	if err := SaveNIfTI(path, src); err != nil {
		t.Fatalf("SaveNIfTI failed: %v", err)
	}

	v, err := NewFileLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if v.Data[0] != 0 || v.Data[len(v.Data)-1] != 1 {
		t.Errorf("Expected rescaled range [0, 1], got %f..%f", v.Data[0], v.Data[len(v.Data)-1])
	}

	dims, err := Dimensions(path)
	if err != nil {
		t.Fatalf("Dimensions failed: %v", err)
	}
	if dims != [3]int{2, 2, 2} {
		t.Errorf("Unexpected dimensions %v", dims)
	}

	if _, err := NewFileLoader().Load(filepath.Join(t.TempDir(), "scan.mha")); err == nil {
		t.Errorf("Expected error for missing file")
	}
}

func TestScaleIntensityConstant(t *testing.T) {
	v := models.NewVolume(models.Shape{Channels: 1, Depth: 1, Height: 1, Width: 3})
	v.Data = []float64{4, 4, 4}
	ScaleIntensity(v)
	for i, value := range v.Data {
		if value != 0 {
			t.Errorf("voxel %d = %f, want 0", i, value)
		}
	}
}
