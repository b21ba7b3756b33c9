package nn

import (
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/teachable/pkg/tensor"
)

// PoolingArchitecture is the ModelConfig.Architecture of the built-in extractor
const PoolingArchitecture = "pooling"

// PoolingExtractor is a built-in extractor that needs no weight files.
// It averages each channel over a grid of cells, and projects the cell
// averages through a fixed pseudo-random matrix held in the arena.
// It is much weaker than a pretrained network, but it is deterministic and
// always available, so it serves as a fallback and for tests.
type PoolingExtractor struct {
	config  ModelConfig
	arena   *tensor.Arena
	grid    int
	weights *tensor.Tensor // [grid*grid*3, Features]
	closed  atomic.Bool
}

// DefaultPoolingConfig is a 224x224 input with 128 features
func DefaultPoolingConfig() *ModelConfig {
	return &ModelConfig{
		Architecture: PoolingArchitecture,
		Width:        224,
		Height:       224,
		Features:     128,
		Layout:       LayoutNHWC,
		InputName:    "input",
		OutputName:   "output",
	}
}

// NewPoolingExtractor creates a pooling extractor with a grid x grid cell layout.
// The same seed always produces the same projection.
func NewPoolingExtractor(arena *tensor.Arena, config *ModelConfig, grid int, seed int64) (*PoolingExtractor, error) {
	cfg := *config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if grid <= 0 || grid > cfg.Width || grid > cfg.Height {
		return nil, fmt.Errorf("Invalid pooling grid %v for %v x %v input", grid, cfg.Width, cfg.Height)
	}
	nIn := grid * grid * 3
	weights, err := arena.New(tensor.Shape{nIn, cfg.Features})
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	scale := 1 / math32.Sqrt(float32(nIn))
	w := weights.Data()
	for i := range w {
		if rng.Intn(2) == 0 {
			w[i] = scale
		} else {
			w[i] = -scale
		}
	}
	return &PoolingExtractor{
		config:  cfg,
		arena:   arena,
		grid:    grid,
		weights: weights,
	}, nil
}

func (p *PoolingExtractor) Config() *ModelConfig {
	return &p.config
}

func (p *PoolingExtractor) Close() {
	if p.closed.CompareAndSwap(false, true) {
		p.weights.Release()
	}
}

func (p *PoolingExtractor) Infer(batch *tensor.Tensor) (*tensor.Tensor, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("Pooling extractor is closed")
	}
	if err := CheckInput(&p.config, batch); err != nil {
		return nil, err
	}
	width, height, grid := p.config.Width, p.config.Height, p.grid
	in := batch.Data()

	cells := make([]float32, grid*grid*3)
	counts := make([]float32, grid*grid)
	for y := 0; y < height; y++ {
		cy := y * grid / height
		for x := 0; x < width; x++ {
			cx := x * grid / width
			cell := cy*grid + cx
			src := (y*width + x) * 3
			cells[cell*3] += in[src]
			cells[cell*3+1] += in[src+1]
			cells[cell*3+2] += in[src+2]
			counts[cell]++
		}
	}
	for i := range cells {
		cells[i] /= counts[i/3]
	}

	out, err := p.arena.New(p.config.OutputShape())
	if err != nil {
		return nil, err
	}
	nf := p.config.Features
	w := p.weights.Data()
	o := out.Data()
	for i, c := range cells {
		row := w[i*nf : (i+1)*nf]
		for j, wij := range row {
			o[j] += c * wij
		}
	}
	return out, nil
}
