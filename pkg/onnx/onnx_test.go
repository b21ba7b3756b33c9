package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/teachable/pkg/nn"
	"github.com/cyclopcam/teachable/pkg/tensor"
	"github.com/stretchr/testify/require"
)

func TestNHWCToNCHW(t *testing.T) {
	// 2x1 image: pixel0 = (1,2,3), pixel1 = (4,5,6)
	src := []float32{1, 2, 3, 4, 5, 6}
	dst := make([]float32, 6)
	nhwcToNCHW(src, dst, 2, 1)
	require.Equal(t, []float32{1, 4, 2, 5, 3, 6}, dst)
}

// Runs only when a real model is available, eg
// TEACHABLE_ONNX_MODEL=models/mobilenet_v2_224 go test ./pkg/onnx
func TestExtractorWithModel(t *testing.T) {
	base := os.Getenv("TEACHABLE_ONNX_MODEL")
	if base == "" {
		t.Skip("TEACHABLE_ONNX_MODEL not set")
	}
	config, err := nn.LoadModelConfig(base + ".json")
	require.NoError(t, err)
	arena := tensor.NewArena()
	e, err := NewExtractor(arena, config, nn.ThreadingModeSingle, base+".onnx", os.Getenv("TEACHABLE_ONNX_LIBRARY"))
	require.NoError(t, err)
	defer e.Close()

	batch, err := arena.New(config.InputShape())
	require.NoError(t, err)
	defer batch.Release()
	f, err := e.Infer(batch)
	require.NoError(t, err)
	require.Equal(t, config.OutputShape(), f.Shape())
	f.Release()

	_, err = NewExtractor(arena, config, nn.ThreadingModeSingle, filepath.Join(t.TempDir(), "missing.onnx"), "")
	require.Error(t, err)
}
