package network

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"miqa/internal/models"
)

// PooledLinear average-pools a tile onto a coarse grid of cells and maps
// the cell means to the output vector with one dense layer.
type PooledLinear struct {
	in      models.Shape
	pool    [3]int
	outputs int

	weight     *mat.Dense // outputs x features
	bias       *mat.VecDense
	weightGrad *mat.Dense
	biasGrad   *mat.VecDense

	training bool
}

// NewPooledLinear builds a network for tiles of shape in, pooled to
// pool[z] x pool[y] x pool[x] cells per channel, producing outputs values.
// Weights are drawn from a seeded normal distribution.
func NewPooledLinear(in models.Shape, pool [3]int, outputs int, seed uint64) (*PooledLinear, error) {
	spatial := in.Spatial()
	if in.Channels <= 0 {
		return nil, fmt.Errorf("network: input needs at least one channel")
	}
	for axis, cells := range pool {
		if cells <= 0 || cells > spatial[axis] {
			return nil, fmt.Errorf("network: pool %d along %s does not fit tile extent %d",
				cells, models.Axis(axis), spatial[axis])
		}
	}
	if outputs <= 0 {
		return nil, fmt.Errorf("network: outputs must be positive, got %d", outputs)
	}

	features := in.Channels * pool[0] * pool[1] * pool[2]
	n := &PooledLinear{
		in:         in,
		pool:       pool,
		outputs:    outputs,
		weight:     mat.NewDense(outputs, features, nil),
		bias:       mat.NewVecDense(outputs, nil),
		weightGrad: mat.NewDense(outputs, features, nil),
		biasGrad:   mat.NewVecDense(outputs, nil),
	}

	dist := distuv.Normal{Mu: 0, Sigma: 1 / math.Sqrt(float64(features)), Src: rand.NewSource(seed)}
	raw := n.weight.RawMatrix().Data
	for i := range raw {
		raw[i] = dist.Rand()
	}
	return n, nil
}

// Architecture implements Model.
func (n *PooledLinear) Architecture() string {
	return fmt.Sprintf("pooled-linear/in=%dx%dx%dx%d/pool=%dx%dx%d/out=%d",
		n.in.Channels, n.in.Depth, n.in.Height, n.in.Width, n.pool[0], n.pool[1], n.pool[2], n.outputs)
}

// InputShape implements tiling.Network.
func (n *PooledLinear) InputShape() models.Shape {
	return n.in
}

// Outputs returns the length of the prediction vector.
func (n *PooledLinear) Outputs() int {
	return n.outputs
}

// Forward implements tiling.Network.
func (n *PooledLinear) Forward(tile *models.Volume) ([]float64, error) {
	features, err := n.features(tile)
	if err != nil {
		return nil, err
	}

	out := mat.NewVecDense(n.outputs, nil)
	out.MulVec(n.weight, features)
	out.AddVec(out, n.bias)
	return append([]float64(nil), out.RawVector().Data...), nil
}

// Backward implements tiling.Trainable. Gradients accumulate until ZeroGrad.
func (n *PooledLinear) Backward(tile *models.Volume, gradOut []float64) error {
	if len(gradOut) != n.outputs {
		return fmt.Errorf("network: gradient has %d values, network has %d outputs", len(gradOut), n.outputs)
	}
	features, err := n.features(tile)
	if err != nil {
		return err
	}

	g := mat.NewVecDense(n.outputs, append([]float64(nil), gradOut...))
	n.weightGrad.RankOne(n.weightGrad, 1, g, features)
	n.biasGrad.AddVec(n.biasGrad, g)
	return nil
}

// features averages each pool cell of tile.
func (n *PooledLinear) features(tile *models.Volume) (*mat.VecDense, error) {
	if tile.Shape != n.in {
		return nil, fmt.Errorf("network: tile shape %s, expected %s", tile.Shape, n.in)
	}

	pz, py, px := n.pool[0], n.pool[1], n.pool[2]
	out := mat.NewVecDense(n.in.Channels*pz*py*px, nil)
	raw := out.RawVector().Data

	cell := func(axisSize, cells, x int) int { return x * cells / axisSize }
	counts := make([]float64, pz*py*px)
	for c := 0; c < n.in.Channels; c++ {
		base := c * pz * py * px
		for z := 0; z < n.in.Depth; z++ {
			cz := cell(n.in.Depth, pz, z)
			for y := 0; y < n.in.Height; y++ {
				cy := cell(n.in.Height, py, y)
				row := tile.Data[tile.Index(c, z, y, 0):]
				for x := 0; x < n.in.Width; x++ {
					k := (cz*py+cy)*px + cell(n.in.Width, px, x)
					raw[base+k] += row[x]
					if c == 0 {
						counts[k]++
					}
				}
			}
		}
	}
	for i := range raw {
		raw[i] /= counts[i%len(counts)]
	}
	return out, nil
}

// Parameters implements Model.
func (n *PooledLinear) Parameters() []Param {
	rows, cols := n.weight.Dims()
	return []Param{
		{
			Name:  "linear.weight",
			Shape: []int{rows, cols},
			Value: n.weight.RawMatrix().Data,
			Grad:  n.weightGrad.RawMatrix().Data,
		},
		{
			Name:  "linear.bias",
			Shape: []int{rows},
			Value: n.bias.RawVector().Data,
			Grad:  n.biasGrad.RawVector().Data,
		},
	}
}

// ZeroGrad implements Model.
func (n *PooledLinear) ZeroGrad() {
	n.weightGrad.Zero()
	n.biasGrad.Zero()
}

// SetTraining implements Model. The layer behaves the same in both modes.
func (n *PooledLinear) SetTraining(training bool) {
	n.training = training
}

// Training reports the current mode.
func (n *PooledLinear) Training() bool {
	return n.training
}

// Spec describes how to build a PooledLinear for a given output width.
type Spec struct {
	Input models.Shape
	Pool  [3]int
	Seed  uint64
}

// Build creates the network with outputs prediction values.
func (s Spec) Build(outputs int) (*PooledLinear, error) {
	return NewPooledLinear(s.Input, s.Pool, outputs, s.Seed)
}
