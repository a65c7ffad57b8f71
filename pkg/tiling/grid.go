// Package tiling runs a fixed-input-size 3D network over volumes of any size.
//
// A volume is partitioned into evenly spaced, possibly overlapping tiles of
// the network's input shape. The network is run on every tile and the tile
// outputs are averaged into one whole-volume prediction.
package tiling

import (
	"fmt"
	"math"

	"miqa/internal/models"
)

// ShapeError reports a violated tiling shape contract.
type ShapeError struct {
	Op  string
	Msg string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("tiling %s: %s", e.Op, e.Msg)
}

func shapeErrorf(op, format string, args ...any) error {
	return &ShapeError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Steps returns the number of tiles needed along an axis.
func Steps(axisSize, tileSize int) int {
	return (axisSize + tileSize - 1) / tileSize
}

// Offsets computes the tile start offsets along one axis.
//
// With steps = ceil(axisSize/tileSize), tile i starts at
// round(i*(axisSize-tileSize)/max(1, steps-1)). The first tile starts at 0
// and, when the axis is longer than a tile, the last tile ends exactly at
// axisSize, so overlap is spread evenly instead of leaving a short edge tile.
// Callers must pass positive sizes.
func Offsets(axisSize, tileSize int) []int {
	steps := Steps(axisSize, tileSize)
	if steps <= 1 {
		return []int{0}
	}

	offsets := make([]int, steps)
	span := float64(axisSize - tileSize)
	for i := range offsets {
		// ties round to even, so 9/4 tiles start at 0, 2, 5
		offsets[i] = int(math.RoundToEven(float64(i) * span / float64(steps-1)))
	}
	return offsets
}

// Position is one tile placement inside a volume.
type Position struct {
	// Index is the enumeration order of the tile
	Index int

	// Z, Y, X are the tile start offsets
	Z, Y, X int
}

// Grid holds the tile offsets of a volume along each axis.
type Grid struct {
	Z, Y, X []int
}

// NewGrid computes the tile grid for a volume and tile shape.
func NewGrid(volume, tile models.Shape) (Grid, error) {
	vs := volume.Spatial()
	ts := tile.Spatial()
	for a := range ts {
		if ts[a] <= 0 {
			return Grid{}, shapeErrorf("grid", "tile size %d along %s must be positive", ts[a], models.Axis(a))
		}
		if vs[a] <= 0 {
			return Grid{}, shapeErrorf("grid", "volume size %d along %s must be positive", vs[a], models.Axis(a))
		}
	}

	return Grid{
		Z: Offsets(volume.Depth, tile.Depth),
		Y: Offsets(volume.Height, tile.Height),
		X: Offsets(volume.Width, tile.Width),
	}, nil
}

// Count returns the total number of tiles.
func (g Grid) Count() int {
	return len(g.Z) * len(g.Y) * len(g.X)
}

// Positions enumerates every tile with z outermost and x innermost.
// The order fixes the floating-point summation order of the average.
func (g Grid) Positions() []Position {
	positions := make([]Position, 0, g.Count())
	for _, z := range g.Z {
		for _, y := range g.Y {
			for _, x := range g.X {
				positions = append(positions, Position{Index: len(positions), Z: z, Y: y, X: x})
			}
		}
	}
	return positions
}

// ExtractTile copies the sub-volume of the tile shape starting at pos.
// Along any axis where the volume is shorter than the tile, the high end is
// filled by replicating the last valid slice; the low end is never padded.
func ExtractTile(v *models.Volume, pos Position, tile models.Shape) *models.Volume {
	out := models.NewVolume(models.Shape{
		Channels: v.Shape.Channels,
		Depth:    tile.Depth,
		Height:   tile.Height,
		Width:    tile.Width,
	})
	out.Spacing = v.Spacing
	out.Path = v.Path

	s := v.Shape
	dst := 0
	for c := 0; c < s.Channels; c++ {
		for z := 0; z < tile.Depth; z++ {
			sz := clampIndex(pos.Z+z, s.Depth)
			for y := 0; y < tile.Height; y++ {
				sy := clampIndex(pos.Y+y, s.Height)
				row := ((c*s.Depth+sz)*s.Height + sy) * s.Width
				for x := 0; x < tile.Width; x++ {
					out.Data[dst] = v.Data[row+clampIndex(pos.X+x, s.Width)]
					dst++
				}
			}
		}
	}
	return out
}

func clampIndex(i, size int) int {
	if i >= size {
		return size - 1
	}
	return i
}
