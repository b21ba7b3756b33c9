package onnx

// package onnx runs pretrained feature extractors through onnxruntime (https://onnxruntime.ai)

import (
	"fmt"
	"sync"

	"github.com/cyclopcam/teachable/pkg/nn"
	"github.com/cyclopcam/teachable/pkg/tensor"
	ort "github.com/yalue/onnxruntime_go"
)

var envLock sync.Mutex
var envRefs int

// The onnxruntime environment is process-wide. We initialize it with the first
// extractor, and destroy it when the last extractor is closed.
func acquireEnvironment(sharedLibraryPath string) error {
	envLock.Lock()
	defer envLock.Unlock()
	if envRefs == 0 {
		if sharedLibraryPath != "" {
			ort.SetSharedLibraryPath(sharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("Failed to initialize ONNX environment: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envLock.Lock()
	defer envLock.Unlock()
	envRefs--
	if envRefs == 0 {
		ort.DestroyEnvironment()
	}
}

// Extractor is an nn.FeatureExtractor backed by an onnxruntime session.
// The session's input and output tensors are bound once, at creation time,
// and reused for every inference.
type Extractor struct {
	config       nn.ModelConfig
	arena        *tensor.Arena
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	lock         sync.Mutex
	closed       bool
}

// NewExtractor loads an .onnx model. sharedLibraryPath is the path to
// libonnxruntime.so, or empty to use the library's default search.
func NewExtractor(arena *tensor.Arena, config *nn.ModelConfig, threadingMode nn.ThreadingMode, modelFile, sharedLibraryPath string) (*Extractor, error) {
	cfg := *config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := acquireEnvironment(sharedLibraryPath); err != nil {
		return nil, err
	}
	e, err := newExtractor(arena, &cfg, threadingMode, modelFile)
	if err != nil {
		releaseEnvironment()
		return nil, err
	}
	return e, nil
}

func newExtractor(arena *tensor.Arena, cfg *nn.ModelConfig, threadingMode nn.ThreadingMode, modelFile string) (*Extractor, error) {
	var inputShape ort.Shape
	if cfg.Layout == nn.LayoutNCHW {
		inputShape = ort.NewShape(1, 3, int64(cfg.Height), int64(cfg.Width))
	} else {
		inputShape = ort.NewShape(1, int64(cfg.Height), int64(cfg.Width), 3)
	}
	outputShape := ort.NewShape(1, int64(cfg.Features))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("Failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("Failed to create output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("Failed to create ONNX session options: %w", err)
	}
	defer options.Destroy()
	if threadingMode == nn.ThreadingModeSingle {
		options.SetIntraOpNumThreads(1)
		options.SetInterOpNumThreads(1)
	}

	session, err := ort.NewAdvancedSession(modelFile,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("Failed to create ONNX session for %v: %w", modelFile, err)
	}

	return &Extractor{
		config:       *cfg,
		arena:        arena,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (e *Extractor) Config() *nn.ModelConfig {
	return &e.config
}

func (e *Extractor) Infer(batch *tensor.Tensor) (*tensor.Tensor, error) {
	if err := nn.CheckInput(&e.config, batch); err != nil {
		return nil, err
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return nil, fmt.Errorf("ONNX extractor is closed")
	}

	if e.config.Layout == nn.LayoutNCHW {
		nhwcToNCHW(batch.Data(), e.inputTensor.GetData(), e.config.Width, e.config.Height)
	} else {
		copy(e.inputTensor.GetData(), batch.Data())
	}

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("Inference failed: %w", err)
	}
	return e.arena.FromData(e.config.OutputShape(), e.outputTensor.GetData())
}

func (e *Extractor) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.session.Destroy()
	e.inputTensor.Destroy()
	e.outputTensor.Destroy()
	releaseEnvironment()
}

func nhwcToNCHW(src, dst []float32, width, height int) {
	plane := width * height
	for i := 0; i < plane; i++ {
		dst[i] = src[i*3]
		dst[plane+i] = src[i*3+1]
		dst[2*plane+i] = src[i*3+2]
	}
}
