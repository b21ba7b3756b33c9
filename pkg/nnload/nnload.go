package nnload

// Package nnload wraps up our 'nn' interface layer, and has concrete references to our
// feature extractor implementations (eg onnxruntime), so that you can just call one
// function to load a model, and not need to know about the implementation details.
//
// If a model cannot be loaded, we can fall back to the built-in pooling extractor,
// which needs no weight files.

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/nn"
	"github.com/cyclopcam/teachable/pkg/onnx"
	"github.com/cyclopcam/teachable/pkg/tensor"
)

// Default projection seed and grid for the built-in extractor
const BuiltinSeed = 20240917
const BuiltinGrid = 8

type Options struct {
	ModelDir      string           // eg /var/lib/teachable/models
	ModelName     string           // eg "mobilenet_v2_224". Empty or "pooling" selects the built-in extractor.
	BaseURL       string           // If not empty, missing model files are downloaded from here
	OnnxLibrary   string           // Path to libonnxruntime.so. Empty means the default search path.
	ThreadingMode nn.ThreadingMode // Passed to onnxruntime
	AllowFallback bool             // Use the built-in extractor if the model fails to load
}

// IsBuiltin is true if modelName selects the built-in extractor
func IsBuiltin(modelName string) bool {
	return modelName == "" || modelName == nn.PoolingArchitecture
}

func downloadFile(srcUrl, targetFile string) error {
	tempFile := targetFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
		return err
	}
	resp, err := http.DefaultClient.Get(srcUrl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP error %v", resp.Status)
	}
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(file, resp.Body)
	if err != nil {
		return err
	}
	file.Close()
	return os.Rename(tempFile, targetFile)
}

// ModelFiles returns the extensions of the files that make up a model
func ModelFiles() []string {
	return []string{".json", ".onnx"}
}

// If the model files are not yet downloaded, then download them now.
// Returns immediately if the files are already downloaded.
func DownloadModel(logs logs.Log, baseUrl, modelDir, modelName string) error {
	for _, ext := range ModelFiles() {
		diskPath := filepath.Join(modelDir, modelName+ext)
		networkUrl := baseUrl + "/" + modelName + ext
		if _, err := os.Stat(diskPath); os.IsNotExist(err) {
			logs.Infof("Downloading %v to %v", networkUrl, diskPath)
			if err := downloadFile(networkUrl, diskPath); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltin creates the built-in pooling extractor
func NewBuiltin(arena *tensor.Arena) (nn.FeatureExtractor, error) {
	return nn.NewPoolingExtractor(arena, nn.DefaultPoolingConfig(), BuiltinGrid, BuiltinSeed)
}

// LoadExtractor loads a feature extractor from disk.
func LoadExtractor(logs logs.Log, arena *tensor.Arena, opt Options) (nn.FeatureExtractor, error) {
	if IsBuiltin(opt.ModelName) {
		logs.Infof("Using built-in pooling feature extractor")
		return NewBuiltin(arena)
	}

	extractor, err := loadOnnx(logs, arena, opt)
	if err == nil {
		return extractor, nil
	}
	if !opt.AllowFallback {
		return nil, err
	}
	logs.Warnf("Failed to load feature extractor '%v': %v", opt.ModelName, err)
	logs.Infof("Falling back to built-in pooling extractor")
	return NewBuiltin(arena)
}

func loadOnnx(logs logs.Log, arena *tensor.Arena, opt Options) (nn.FeatureExtractor, error) {
	if opt.BaseURL != "" {
		if err := DownloadModel(logs, opt.BaseURL, opt.ModelDir, opt.ModelName); err != nil {
			return nil, fmt.Errorf("Download failed: %w", err)
		}
	}
	fullPathBase := filepath.Join(opt.ModelDir, opt.ModelName)
	config, err := nn.LoadModelConfig(fullPathBase + ".json")
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(fullPathBase + ".onnx"); err != nil {
		return nil, fmt.Errorf("Unrecognized NN model type %v: %w", fullPathBase, err)
	}
	logs.Infof("Loading %v feature extractor from %v.onnx (%v x %v, %v features)", config.Architecture, fullPathBase, config.Width, config.Height, config.Features)
	return onnx.NewExtractor(arena, config, opt.ThreadingMode, fullPathBase+".onnx", opt.OnnxLibrary)
}

// Warmup runs one all-zero image through the extractor, so that the first real
// inference does not pay for lazy initialization inside the runtime.
func Warmup(extractor nn.FeatureExtractor, arena *tensor.Arena) error {
	scope := arena.NewScope()
	defer scope.Close()
	zeros, err := scope.New(extractor.Config().InputShape())
	if err != nil {
		return err
	}
	features, err := extractor.Infer(zeros)
	if err != nil {
		return fmt.Errorf("Warmup inference failed: %w", err)
	}
	scope.Track(features)
	return nil
}
