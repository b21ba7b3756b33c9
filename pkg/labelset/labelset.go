// Package labelset is the in-memory model of a labeled image set, and its
// portable JSON file format.
package labelset

import (
	"fmt"
	"slices"

	"github.com/cyclopcam/teachable/pkg/tensor"
	"github.com/google/uuid"
)

// DefaultFilename is the name given to downloaded sets
const DefaultFilename = "labeledImages.json"

// Content is either Numeric or Encoded. Nothing else implements it.
type Content interface {
	isContent()
}

// Numeric holds a decoded image tensor of shape [h,w,c].
// After encoding, the portable form is cached alongside the tensor,
// so that repeated saves do not re-encode.
type Numeric struct {
	Tensor  *tensor.Tensor
	encoded string
}

// Encoded is the portable form of an image, as read from a file but not yet decoded
type Encoded struct {
	Data  string
	Shape tensor.Shape
	DType tensor.DType
}

func (*Numeric) isContent() {}
func (*Encoded) isContent() {}

// Cached returns the memoized encoding, or "" if the image has not been encoded
func (n *Numeric) Cached() string {
	return n.encoded
}

// Image is one labeled example
type Image struct {
	UID     string
	Name    string
	Content Content
}

// Encode returns the portable encoding of the image. Numeric images are encoded
// once, and the result is cached on the image. The tensor is retained.
func (img *Image) Encode() (*Encoded, error) {
	switch c := img.Content.(type) {
	case *Encoded:
		return c, nil
	case *Numeric:
		if c.encoded == "" {
			enc, err := tensor.Encode(c.Tensor)
			if err != nil {
				return nil, fmt.Errorf("Failed to encode image %v: %w", img.UID, err)
			}
			c.encoded = enc
		}
		return &Encoded{Data: c.encoded, Shape: c.Tensor.Shape(), DType: c.Tensor.DType()}, nil
	}
	panic("unreachable")
}

// Decode turns an Encoded image into a Numeric one, with no cached encoding.
// If the image is already numeric, the cached encoding (if any) is dropped.
func (img *Image) Decode(arena *tensor.Arena) error {
	switch c := img.Content.(type) {
	case *Numeric:
		c.encoded = ""
		return nil
	case *Encoded:
		t, err := tensor.Decode(arena, c.Data, c.Shape, c.DType)
		if err != nil {
			return err
		}
		img.Content = &Numeric{Tensor: t}
		return nil
	}
	panic("unreachable")
}

// Tensor returns the numeric form, or nil if the image is still encoded
func (img *Image) Tensor() *tensor.Tensor {
	if n, ok := img.Content.(*Numeric); ok {
		return n.Tensor
	}
	return nil
}

// Shape returns the image's shape, from whichever form it holds
func (img *Image) Shape() tensor.Shape {
	switch c := img.Content.(type) {
	case *Numeric:
		return c.Tensor.Shape()
	case *Encoded:
		return c.Shape.Clone()
	}
	return nil
}

func (img *Image) release() {
	if n, ok := img.Content.(*Numeric); ok && n.Tensor != nil {
		n.Tensor.Release()
		n.Tensor = nil
	}
}

// Group is a label and its examples, in insertion order
type Group struct {
	Label  string
	Images []*Image
}

// Set is an ordered list of labeled groups.
// A Set owns the tensors of its images. Call Release when the set is discarded.
type Set struct {
	Groups   []*Group
	released bool
}

func NewSet() *Set {
	return &Set{}
}

// NewUID returns a fresh image identifier
func NewUID() string {
	return uuid.NewString()
}

// AddGroup appends a new, empty group. Duplicate labels are permitted here;
// see DuplicatePolicy for how they are treated during training.
func (s *Set) AddGroup(label string) *Group {
	g := &Group{Label: label}
	s.Groups = append(s.Groups, g)
	return g
}

// FindGroup returns the first group with the given label, or nil
func (s *Set) FindGroup(label string) *Group {
	for _, g := range s.Groups {
		if g.Label == label {
			return g
		}
	}
	return nil
}

// AddImage appends a numeric image to the first group with the given label,
// creating the group if necessary. The set takes ownership of t.
func (s *Set) AddImage(label, name string, t *tensor.Tensor) (*Image, error) {
	if t.Rank() != 3 {
		return nil, fmt.Errorf("Images must have shape [height, width, channels], but got %v", t.Shape())
	}
	g := s.FindGroup(label)
	if g == nil {
		g = s.AddGroup(label)
	}
	img := &Image{
		UID:     NewUID(),
		Name:    name,
		Content: &Numeric{Tensor: t},
	}
	g.Images = append(g.Images, img)
	return img, nil
}

// FindImage returns the image with the given uid, and the group that holds it
func (s *Set) FindImage(uid string) (*Group, *Image) {
	for _, g := range s.Groups {
		for _, img := range g.Images {
			if img.UID == uid {
				return g, img
			}
		}
	}
	return nil, nil
}

// RemoveImage deletes an image and releases its tensor.
// Returns false if no such image exists.
func (s *Set) RemoveImage(uid string) bool {
	for _, g := range s.Groups {
		for i, img := range g.Images {
			if img.UID == uid {
				img.release()
				g.Images = slices.Delete(g.Images, i, i+1)
				return true
			}
		}
	}
	return false
}

// RemoveGroup deletes every group with the given label, and releases their tensors.
// Returns the number of groups removed.
func (s *Set) RemoveGroup(label string) int {
	n := 0
	s.Groups = slices.DeleteFunc(s.Groups, func(g *Group) bool {
		if g.Label != label {
			return false
		}
		for _, img := range g.Images {
			img.release()
		}
		n++
		return true
	})
	return n
}

// NumImages is the total number of images across all groups
func (s *Set) NumImages() int {
	n := 0
	for _, g := range s.Groups {
		n += len(g.Images)
	}
	return n
}

// Release frees every tensor held by the set. Safe to call more than once.
func (s *Set) Release() {
	if s == nil || s.released {
		return
	}
	s.released = true
	for _, g := range s.Groups {
		for _, img := range g.Images {
			img.release()
		}
	}
}

// Snapshot returns a copy of the set's structure that shares its image tensors.
// Every shared tensor is retained, so the snapshot stays valid after the original
// is edited or released. The caller must release the snapshot.
func (s *Set) Snapshot() *Set {
	snap := NewSet()
	for _, g := range s.Groups {
		sg := &Group{Label: g.Label, Images: make([]*Image, 0, len(g.Images))}
		for _, img := range g.Images {
			content := img.Content
			if n, ok := content.(*Numeric); ok {
				if n.Tensor == nil {
					continue
				}
				content = &Numeric{Tensor: n.Tensor.Retain(), encoded: n.encoded}
			}
			sg.Images = append(sg.Images, &Image{UID: img.UID, Name: img.Name, Content: content})
		}
		snap.Groups = append(snap.Groups, sg)
	}
	return snap
}

// Released is true after Release
func (s *Set) Released() bool {
	return s.released
}
