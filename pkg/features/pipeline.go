// Package features turns raw images into feature vectors, identically for
// training examples and for live predictions.
package features

import (
	"fmt"

	"github.com/cyclopcam/teachable/pkg/nn"
	"github.com/cyclopcam/teachable/pkg/perfstats"
	"github.com/cyclopcam/teachable/pkg/tensor"
)

// Pipeline resizes, centers and batches an image, then runs the extractor
type Pipeline struct {
	arena     *tensor.Arena
	extractor nn.FeatureExtractor
}

func NewPipeline(arena *tensor.Arena, extractor nn.FeatureExtractor) *Pipeline {
	return &Pipeline{
		arena:     arena,
		extractor: extractor,
	}
}

func (p *Pipeline) Extractor() nn.FeatureExtractor {
	return p.extractor
}

// FeatureLength is the length of the vectors returned by Extract
func (p *Pipeline) FeatureLength() int {
	return p.extractor.Config().Features
}

// Extract returns the [1,F] feature vector of an [h,w,3] image with samples in [0,255].
// The image is not released. The caller owns the result and must release it.
func (p *Pipeline) Extract(img *tensor.Tensor) (*tensor.Tensor, error) {
	shape := img.Shape()
	if len(shape) != 3 || shape[2] != 3 {
		return nil, fmt.Errorf("Expected an RGB image of shape [height, width, 3], but got %v", shape)
	}
	cfg := p.extractor.Config()

	scope := p.arena.NewScope()
	defer scope.Close()

	prepDone := perfstats.Stats.Measure(perfstats.PhasePreprocess)
	resized, err := tensor.ResizeBilinear(scope, img, cfg.Width, cfg.Height)
	if err != nil {
		return nil, err
	}
	centered, err := tensor.Center(scope, resized, nn.InputMidpoint)
	if err != nil {
		return nil, err
	}
	batch, err := tensor.Reshape(scope, centered, cfg.InputShape())
	if err != nil {
		return nil, err
	}
	prepDone()

	defer perfstats.Stats.Measure(perfstats.PhaseInfer)()
	features, err := p.extractor.Infer(batch)
	if err != nil {
		return nil, fmt.Errorf("Feature extraction failed: %w", err)
	}
	return features, nil
}
