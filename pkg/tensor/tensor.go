// Package tensor holds the numeric buffers that flow between capture, feature
// extraction and classification.
//
// Every buffer is allocated from an Arena, which stands in for accelerator memory:
// a buffer stays live until it is explicitly released, and the arena keeps count
// so that leaks show up in tests and in the status API.
package tensor

import (
	"fmt"
	"math"
	"slices"
	"sync/atomic"
)

// DType is the element type of a tensor
type DType string

const (
	Float32 DType = "float32"
)

// ElementSize returns the number of bytes per sample, or 0 if the type is unsupported
func (d DType) ElementSize() int {
	switch d {
	case Float32:
		return 4
	}
	return 0
}

// Shape is an ordered list of dimensions
type Shape []int

// MaxSamples is the largest number of samples in one tensor. The byte size
// of such a tensor, plus page alignment, still fits in an int.
const MaxSamples = math.MaxInt/4 - 1<<20

// Size is the product of all dimensions. Only meaningful for a valid shape.
func (s Shape) Size() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Valid is true if the shape has at least one dimension, every dimension is positive,
// and the product of dimensions is no more than MaxSamples
func (s Shape) Valid() bool {
	if len(s) == 0 {
		return false
	}
	n := 1
	for _, d := range s {
		if d <= 0 || d > MaxSamples/n {
			return false
		}
		n *= d
	}
	return true
}

func (s Shape) Equal(b Shape) bool {
	return slices.Equal(s, b)
}

func (s Shape) Clone() Shape {
	return slices.Clone(s)
}

// Strides returns the row-major element strides of the shape
func (s Shape) Strides() []int {
	strides := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= s[i]
	}
	return strides
}

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int(s))
}

// Tensor is a reference-counted numeric buffer owned by an Arena.
// A new tensor has one reference. Call Retain for every additional owner,
// and Release once per owner. The backing memory returns to the arena when
// the last reference is released.
type Tensor struct {
	id    uint64
	shape Shape
	dtype DType
	data  []float32
	bytes int
	arena *Arena
	refs  atomic.Int32
}

func (t *Tensor) ID() uint64 {
	return t.id
}

// Shape returns a copy of the tensor's shape
func (t *Tensor) Shape() Shape {
	return t.shape.Clone()
}

func (t *Tensor) DType() DType {
	return t.dtype
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Size is the number of samples
func (t *Tensor) Size() int {
	return len(t.data)
}

func (t *Tensor) Strides() []int {
	return t.shape.Strides()
}

// Data returns the samples in row-major order.
// Panics if the tensor has been released.
func (t *Tensor) Data() []float32 {
	if t.refs.Load() <= 0 {
		panic(fmt.Sprintf("tensor %v used after release", t.id))
	}
	return t.data
}

// Released is true once the last reference has been dropped
func (t *Tensor) Released() bool {
	return t.refs.Load() <= 0
}

// Retain adds a reference, for sharing the tensor with a second consumer.
func (t *Tensor) Retain() *Tensor {
	if t.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("tensor %v retained after release", t.id))
	}
	return t
}

// Release drops one reference. Releasing more times than the tensor was
// retained is a programming error and panics.
func (t *Tensor) Release() {
	n := t.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("tensor %v released twice", t.id))
	}
	if n == 0 {
		t.arena.free(t)
	}
}

// Clone returns an independent copy, allocated from the same arena
func (t *Tensor) Clone() (*Tensor, error) {
	return t.arena.FromData(t.shape, t.Data())
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v %v %v)", t.id, t.dtype, t.shape)
}
