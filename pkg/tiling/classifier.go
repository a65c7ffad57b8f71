package tiling

import (
	"errors"

	"miqa/internal/models"
)

// Network is a fixed-input-size model. Forward receives a tile of exactly
// InputShape and returns one prediction vector.
type Network interface {
	InputShape() models.Shape
	Forward(tile *models.Volume) ([]float64, error)
}

// Trainable is a Network that can accumulate parameter gradients for a tile.
type Trainable interface {
	Network
	Backward(tile *models.Volume, gradOut []float64) error
}

// ErrNotTrainable is returned by Backward when the wrapped network has no
// gradient support.
var ErrNotTrainable = errors.New("tiling: wrapped network is not trainable")

// Classifier wraps a network so it accepts volumes of any size.
type Classifier struct {
	net Network
}

// NewClassifier wraps net.
func NewClassifier(net Network) *Classifier {
	return &Classifier{net: net}
}

// Network returns the wrapped network.
func (c *Classifier) Network() Network {
	return c.net
}

// Plan validates v against the network input and returns its tile grid.
func (c *Classifier) Plan(v *models.Volume) (Grid, error) {
	in := c.net.InputShape()
	if in.Channels != v.Shape.Channels {
		return Grid{}, shapeErrorf("plan", "network expects %d channels, volume has %d", in.Channels, v.Shape.Channels)
	}
	if len(v.Data) != v.Shape.Voxels() {
		return Grid{}, shapeErrorf("plan", "volume data has %d values, shape %s needs %d", len(v.Data), v.Shape, v.Shape.Voxels())
	}
	return NewGrid(v.Shape, in)
}

// Forward runs the network on every tile of v and returns the elementwise
// mean of the tile outputs. Tiles are not weighted by overlap.
func (c *Classifier) Forward(v *models.Volume) ([]float64, error) {
	grid, err := c.Plan(v)
	if err != nil {
		return nil, err
	}

	in := c.net.InputShape()
	var mean []float64
	for k, pos := range grid.Positions() {
		out, err := c.net.Forward(ExtractTile(v, pos, in))
		if err != nil {
			return nil, err
		}
		if mean == nil {
			mean = make([]float64, len(out))
		} else if len(out) != len(mean) {
			return nil, shapeErrorf("forward", "tile %d produced %d outputs, expected %d", pos.Index, len(out), len(mean))
		}
		// running mean, exact when every tile returns the same vector
		for i, value := range out {
			mean[i] += (value - mean[i]) / float64(k+1)
		}
	}
	return mean, nil
}

// Backward propagates the gradient of the averaged output back to every
// tile. Each tile receives gradOut divided by the tile count.
func (c *Classifier) Backward(v *models.Volume, gradOut []float64) error {
	trainable, ok := c.net.(Trainable)
	if !ok {
		return ErrNotTrainable
	}

	grid, err := c.Plan(v)
	if err != nil {
		return err
	}

	positions := grid.Positions()
	share := make([]float64, len(gradOut))
	for i, g := range gradOut {
		share[i] = g / float64(len(positions))
	}

	in := c.net.InputShape()
	for _, pos := range positions {
		if err := trainable.Backward(ExtractTile(v, pos, in), share); err != nil {
			return err
		}
	}
	return nil
}
