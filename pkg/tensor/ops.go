package tensor

import (
	"fmt"

	"github.com/chewxy/math32"
)

// ResizeBilinear resizes an [h,w,c] image to [height,width,c].
// Sample positions are src = dst * (in/out), with no half-pixel offset and
// without aligning corners. The result is owned by the scope.
func ResizeBilinear(s *Scope, src *Tensor, width, height int) (*Tensor, error) {
	if src.Rank() != 3 {
		return nil, fmt.Errorf("ResizeBilinear needs a rank 3 image, but shape is %v", src.shape)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("Invalid resize target %v x %v", width, height)
	}
	inH, inW, nchan := src.shape[0], src.shape[1], src.shape[2]
	dst, err := s.New(Shape{height, width, nchan})
	if err != nil {
		return nil, err
	}
	in := src.Data()
	out := dst.Data()
	scaleY := float32(inH) / float32(height)
	scaleX := float32(inW) / float32(width)
	inStride := inW * nchan

	for y := 0; y < height; y++ {
		sy := float32(y) * scaleY
		y0 := int(math32.Floor(sy))
		y1 := min(y0+1, inH-1)
		dy := sy - float32(y0)
		for x := 0; x < width; x++ {
			sx := float32(x) * scaleX
			x0 := int(math32.Floor(sx))
			x1 := min(x0+1, inW-1)
			dx := sx - float32(x0)
			p00 := y0*inStride + x0*nchan
			p01 := y0*inStride + x1*nchan
			p10 := y1*inStride + x0*nchan
			p11 := y1*inStride + x1*nchan
			o := (y*width + x) * nchan
			for c := 0; c < nchan; c++ {
				top := in[p00+c] + (in[p01+c]-in[p00+c])*dx
				bottom := in[p10+c] + (in[p11+c]-in[p10+c])*dx
				out[o+c] = top + (bottom-top)*dy
			}
		}
	}
	return dst, nil
}

// Center maps samples through (x - mid) / mid, so that [0, 2*mid] becomes [-1, 1].
func Center(s *Scope, src *Tensor, mid float32) (*Tensor, error) {
	if mid == 0 {
		return nil, fmt.Errorf("Center midpoint may not be zero")
	}
	dst, err := s.New(src.shape)
	if err != nil {
		return nil, err
	}
	in := src.Data()
	out := dst.Data()
	for i, v := range in {
		out[i] = (v - mid) / mid
	}
	return dst, nil
}

// Reshape returns a copy of src with a new shape of the same size
func Reshape(s *Scope, src *Tensor, shape Shape) (*Tensor, error) {
	if !shape.Valid() || shape.Size() != src.Size() {
		return nil, fmt.Errorf("Cannot reshape %v into %v", src.shape, shape)
	}
	return s.FromData(shape, src.Data())
}

// ArgMax returns the index and value of the largest sample.
// Returns -1 for an empty slice.
func ArgMax(v []float32) (int, float32) {
	best := -1
	bestV := float32(-math32.MaxFloat32)
	for i, x := range v {
		if best == -1 || x > bestV {
			best = i
			bestV = x
		}
	}
	return best, bestV
}
