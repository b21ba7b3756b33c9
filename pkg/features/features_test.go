package features

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/cyclopcam/teachable/pkg/nn"
	"github.com/cyclopcam/teachable/pkg/tensor"
	"github.com/stretchr/testify/require"
)

type failingExtractor struct {
	config nn.ModelConfig
}

func (f *failingExtractor) Close()                  {}
func (f *failingExtractor) Config() *nn.ModelConfig { return &f.config }
func (f *failingExtractor) Infer(batch *tensor.Tensor) (*tensor.Tensor, error) {
	return nil, errors.New("accelerator on fire")
}

func gradient(t *testing.T, arena *tensor.Arena, h, w int) *tensor.Tensor {
	img, err := arena.New(tensor.Shape{h, w, 3})
	require.NoError(t, err)
	d := img.Data()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			d[i] = float32(x * 255 / w)
			d[i+1] = float32(y * 255 / h)
			d[i+2] = 128
		}
	}
	return img
}

func TestExtract(t *testing.T) {
	arena := tensor.NewArena()
	config := &nn.ModelConfig{Architecture: nn.PoolingArchitecture, Width: 32, Height: 32, Features: 16}
	extractor, err := nn.NewPoolingExtractor(arena, config, 4, 3)
	require.NoError(t, err)
	defer extractor.Close()
	p := NewPipeline(arena, extractor)
	require.Equal(t, 16, p.FeatureLength())
	baseline := arena.Live()

	img := gradient(t, arena, 64, 48)
	f1, err := p.Extract(img)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{1, 16}, f1.Shape())
	// Only the image and its features remain
	require.Equal(t, baseline+2, arena.Live())

	f2, err := p.Extract(img)
	require.NoError(t, err)
	require.Equal(t, f1.Data(), f2.Data())

	f1.Release()
	f2.Release()
	img.Release()
	require.Equal(t, baseline, arena.Live())

	gray, err := arena.New(tensor.Shape{8, 8, 1})
	require.NoError(t, err)
	_, err = p.Extract(gray)
	require.Error(t, err)
	gray.Release()
}

func TestExtractReleasesOnFailure(t *testing.T) {
	arena := tensor.NewArena()
	p := NewPipeline(arena, &failingExtractor{config: nn.ModelConfig{Width: 8, Height: 8, Features: 4}})
	img := gradient(t, arena, 10, 10)
	f, err := p.Extract(img)
	require.Nil(t, f)
	require.ErrorContains(t, err, "accelerator on fire")
	require.Equal(t, 1, arena.Live())
	img.Release()
}

func TestImageConversion(t *testing.T) {
	arena := tensor.NewArena()
	img := gradient(t, arena, 12, 20)
	defer img.Release()

	c, err := ToImage(img)
	require.NoError(t, err)
	require.Equal(t, 20, c.Width)
	require.Equal(t, 12, c.Height)
	back, err := FromImage(arena, c)
	require.NoError(t, err)
	require.Equal(t, img.Data(), back.Data())
	back.Release()

	jpg, err := EncodeJPEG(img, 90)
	require.NoError(t, err)
	decoded, err := DecodeImage(arena, jpg, 0)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{12, 20, 3}, decoded.Shape())
	decoded.Release()

	small, err := DecodeImage(arena, jpg, 10)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{6, 10, 3}, small.Shape())
	small.Release()

	_, err = DecodeImage(arena, []byte("definitely not an image"), 0)
	require.Error(t, err)
	require.Equal(t, 1, arena.Live())
}

func TestDecodePNG(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3, 2))
	src.Set(0, 0, color.RGBA{255, 0, 0, 255})
	src.Set(2, 1, color.RGBA{0, 0, 255, 255})
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, src))

	arena := tensor.NewArena()
	img, err := DecodeImage(arena, buf.Bytes(), 0)
	require.NoError(t, err)
	defer img.Release()
	require.Equal(t, tensor.Shape{2, 3, 3}, img.Shape())
	d := img.Data()
	require.Equal(t, []float32{255, 0, 0}, d[0:3])
	require.Equal(t, []float32{0, 0, 255}, d[(1*3+2)*3:(1*3+2)*3+3])
}

func TestCaptureFrame(t *testing.T) {
	arena := tensor.NewArena()
	img := gradient(t, arena, 30, 40)
	jpg, err := EncodeJPEG(img, 90)
	require.NoError(t, err)
	img.Release()

	frame, err := CaptureFrame(arena, jpg, 16, 8)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{8, 16, 3}, frame.Shape())
	require.Equal(t, 1, arena.Live())
	frame.Release()

	same, err := CaptureFrame(arena, jpg, 40, 30)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{30, 40, 3}, same.Shape())
	same.Release()
	require.Equal(t, 0, arena.Live())
}
