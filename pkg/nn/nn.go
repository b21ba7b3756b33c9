package nn

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cyclopcam/teachable/pkg/tensor"
)

// Package nn is a Neural Network interface layer for pretrained feature extractors.
// To load a model, use the nnload package.

// Input samples are centered around this value before inference, mapping [0,255] to [-1,1]
const InputMidpoint = 127.5

type ThreadingMode int

const (
	ThreadingModeSingle   ThreadingMode = iota // Force the NN library to run inference on a single thread
	ThreadingModeParallel                      // Allow the NN library to run multiple threads while executing a model
)

// Layout is the memory order that a model expects for its input batch
type Layout string

const (
	LayoutNHWC Layout = "nhwc" // [batch, height, width, channels]
	LayoutNCHW Layout = "nchw" // [batch, channels, height, width]
)

// FeatureExtractor turns a preprocessed image batch into a feature vector
type FeatureExtractor interface {
	// Close releases the model (you MUST call this when finished, because the weights live in accelerator memory)
	Close()

	// Infer runs the model on a [1,Height,Width,3] batch of centered samples,
	// and returns a [1,Features] tensor. The caller owns the result, and the input is not released.
	Infer(batch *tensor.Tensor) (*tensor.Tensor, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the extractor has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string `json:"architecture"` // eg "mobilenet_v2"
	Width        int    `json:"width"`        // eg 224
	Height       int    `json:"height"`       // eg 224
	Features     int    `json:"features"`     // Length of the feature vector, eg 1280
	Layout       Layout `json:"layout"`       // Input layout. Empty means NHWC.
	InputName    string `json:"inputName"`    // Name of the input node. Empty means "input".
	OutputName   string `json:"outputName"`   // Name of the output node. Empty means "output".
}

// Validate fills in defaults, and checks that the dimensions make sense
func (c *ModelConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("Invalid model input size %v x %v", c.Width, c.Height)
	}
	if c.Features <= 0 {
		return fmt.Errorf("Invalid model feature length %v", c.Features)
	}
	if c.Layout == "" {
		c.Layout = LayoutNHWC
	}
	if c.Layout != LayoutNHWC && c.Layout != LayoutNCHW {
		return fmt.Errorf("Unknown model input layout '%v'", c.Layout)
	}
	if c.InputName == "" {
		c.InputName = "input"
	}
	if c.OutputName == "" {
		c.OutputName = "output"
	}
	return nil
}

// InputShape is the shape of the batch passed to Infer
func (c *ModelConfig) InputShape() tensor.Shape {
	return tensor.Shape{1, c.Height, c.Width, 3}
}

// OutputShape is the shape of the tensor returned by Infer
func (c *ModelConfig) OutputShape() tensor.Shape {
	return tensor.Shape{1, c.Features}
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%v: %w", filename, err)
	}
	return config, nil
}

// CheckInput verifies that batch matches the model's input shape
func CheckInput(config *ModelConfig, batch *tensor.Tensor) error {
	if !batch.Shape().Equal(config.InputShape()) {
		return fmt.Errorf("Model %v expects input %v, but got %v", config.Architecture, config.InputShape(), batch.Shape())
	}
	return nil
}
