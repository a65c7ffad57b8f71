package models

import "fmt"

// Axis identifies one spatial axis of a volume.
// Axis 0 is depth (z, slowest varying), axis 2 is width (x, fastest varying).
type Axis int

const (
	AxisDepth Axis = iota
	AxisHeight
	AxisWidth
)

// String returns the conventional letter for the axis.
func (a Axis) String() string {
	switch a {
	case AxisDepth:
		return "z"
	case AxisHeight:
		return "y"
	case AxisWidth:
		return "x"
	}
	return fmt.Sprintf("axis(%d)", int(a))
}

// Shape describes the extent of a volume or a tile.
type Shape struct {
	// Channels is the number of scalar components per voxel (1 for MRI scans)
	Channels int

	// Depth, Height and Width are the spatial extents along z, y and x
	Depth, Height, Width int
}

// Spatial returns the spatial extents indexed by Axis.
func (s Shape) Spatial() [3]int {
	return [3]int{s.Depth, s.Height, s.Width}
}

// Voxels returns the number of scalars a volume of this shape holds.
func (s Shape) Voxels() int {
	return s.Channels * s.Depth * s.Height * s.Width
}

// String formats the shape as (C, D, H, W).
func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s.Channels, s.Depth, s.Height, s.Width)
}

// Volume represents a 3D scan (with a leading channel dimension) loaded from disk
type Volume struct {
	// Data is the volume data as a 1D array in row-major order,
	// index ((c*Depth+z)*Height+y)*Width+x
	Data []float64

	// Shape is the extent of the volume
	Shape Shape

	// Spacing is the physical size of each voxel in mm along z, y, x
	Spacing [3]float64

	// Path is the file the volume was loaded from, empty for synthetic volumes
	Path string
}

// NewVolume allocates a zero-filled volume of the given shape.
func NewVolume(shape Shape) *Volume {
	return &Volume{
		Data:    make([]float64, shape.Voxels()),
		Shape:   shape,
		Spacing: [3]float64{1, 1, 1},
	}
}

// Index returns the offset of voxel (c, z, y, x) in Data.
func (v *Volume) Index(c, z, y, x int) int {
	s := v.Shape
	return ((c*s.Depth+z)*s.Height+y)*s.Width + x
}

// At returns the value of voxel (c, z, y, x).
func (v *Volume) At(c, z, y, x int) float64 {
	return v.Data[v.Index(c, z, y, x)]
}

// Set assigns the value of voxel (c, z, y, x).
func (v *Volume) Set(c, z, y, x int, value float64) {
	v.Data[v.Index(c, z, y, x)] = value
}

// Validate reports whether Data matches Shape and every extent is positive.
func (v *Volume) Validate() error {
	s := v.Shape
	if s.Channels <= 0 || s.Depth <= 0 || s.Height <= 0 || s.Width <= 0 {
		return fmt.Errorf("volume shape %s has a non-positive extent", s)
	}
	if len(v.Data) != s.Voxels() {
		return fmt.Errorf("volume data has %d values, shape %s needs %d", len(v.Data), s, s.Voxels())
	}
	return nil
}
