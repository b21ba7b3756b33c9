package features

import (
	"bytes"
	"fmt"
	"image"
	_ "image/png"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/teachable/pkg/tensor"
)

// FromImage converts an 8-bit image into an [h,w,3] tensor with samples in [0,255]
func FromImage(arena *tensor.Arena, img *cimg.Image) (*tensor.Tensor, error) {
	if img.NChan() != 3 {
		img = img.ToRGB()
	}
	t, err := arena.New(tensor.Shape{img.Height, img.Width, 3})
	if err != nil {
		return nil, err
	}
	dst := t.Data()
	for y := 0; y < img.Height; y++ {
		src := img.Pixels[y*img.Stride : y*img.Stride+img.Width*3]
		row := dst[y*img.Width*3 : (y+1)*img.Width*3]
		for i, v := range src {
			row[i] = float32(v)
		}
	}
	return t, nil
}

// ToImage converts an [h,w,3] tensor with samples in [0,255] into an RGB image.
// Out of range samples are clamped.
func ToImage(t *tensor.Tensor) (*cimg.Image, error) {
	shape := t.Shape()
	if len(shape) != 3 || shape[2] != 3 {
		return nil, fmt.Errorf("Expected an RGB image of shape [height, width, 3], but got %v", shape)
	}
	height, width := shape[0], shape[1]
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	src := t.Data()
	for y := 0; y < height; y++ {
		row := src[y*width*3 : (y+1)*width*3]
		dst := img.Pixels[y*img.Stride : y*img.Stride+width*3]
		for i, v := range row {
			dst[i] = uint8(math32.Round(max(0, min(255, v))))
		}
	}
	return img, nil
}

// EncodeJPEG compresses an [h,w,3] image tensor
func EncodeJPEG(t *tensor.Tensor, quality int) ([]byte, error) {
	img, err := ToImage(t)
	if err != nil {
		return nil, err
	}
	return cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, quality, 0))
}

// DecodeImage decodes a JPEG or PNG, shrinks it so that neither side exceeds
// maxSize (if maxSize > 0), and returns it as an [h,w,3] tensor.
func DecodeImage(arena *tensor.Arena, data []byte, maxSize int) (*tensor.Tensor, error) {
	var img *cimg.Image
	if isPNG(data) {
		decoded, err := decodePNG(data)
		if err != nil {
			return nil, err
		}
		img = decoded
	} else {
		decoded, err := cimg.Decompress(data)
		if err != nil {
			return nil, fmt.Errorf("Failed to decode image: %w", err)
		}
		img = decoded
	}
	if img.NChan() != 3 {
		img = img.ToRGB()
	}
	if maxSize > 0 && (img.Width > maxSize || img.Height > maxSize) {
		scale := float32(maxSize) / float32(max(img.Width, img.Height))
		w := max(1, int(math32.Round(float32(img.Width)*scale)))
		h := max(1, int(math32.Round(float32(img.Height)*scale)))
		img = cimg.ResizeNew(img, w, h, &cimg.ResizeParams{Filter: cimg.ResizeFilterBox, CheapSRGBFilter: true})
	}
	return FromImage(arena, img)
}

// CaptureFrame decodes a camera frame and resizes it to exactly width x height,
// which is the size at which captured examples are stored.
func CaptureFrame(arena *tensor.Arena, data []byte, width, height int) (*tensor.Tensor, error) {
	frame, err := DecodeImage(arena, data, 0)
	if err != nil {
		return nil, err
	}
	shape := frame.Shape()
	if shape[0] == height && shape[1] == width {
		return frame, nil
	}
	scope := arena.NewScope()
	defer scope.Close()
	scope.Track(frame)
	resized, err := tensor.ResizeBilinear(scope, frame, width, height)
	if err != nil {
		return nil, err
	}
	return scope.Keep(resized), nil
}

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func isPNG(data []byte) bool {
	return bytes.HasPrefix(data, pngMagic)
}

// cimg only speaks JPEG, so PNG goes through the standard library decoder
func decodePNG(data []byte) (*cimg.Image, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("Failed to decode PNG: %w", err)
	}
	b := src.Bounds()
	img := cimg.NewImage(b.Dx(), b.Dy(), cimg.PixelFormatRGB)
	for y := 0; y < b.Dy(); y++ {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			row[x*3] = uint8(r >> 8)
			row[x*3+1] = uint8(g >> 8)
			row[x*3+2] = uint8(bl >> 8)
		}
	}
	return img, nil
}
