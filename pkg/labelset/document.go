package labelset

import (
	"encoding/json"
	"fmt"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/tensor"
)

// Document is the JSON file format of a labeled image set
type Document struct {
	LabeledImageSetList []*GroupDoc `json:"labeledImageSetList"`
}

type GroupDoc struct {
	Label     *string     `json:"label"`
	ImageList []*ImageDoc `json:"imageList"`
}

type ImageDoc struct {
	UID    string     `json:"uid"`
	Name   string     `json:"name"`
	Img    string     `json:"img,omitempty"`    // base64 of little-endian float32 samples
	Tensor *TensorDoc `json:"tensor,omitempty"` // metadata only
}

type TensorDoc struct {
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
}

// SchemaError means the document does not have the required structure.
// Nothing from such a document is loaded.
type SchemaError struct {
	Group   int // -1 if not specific to a group
	Image   int // -1 if not specific to an image
	Problem string
	Err     error
}

func (e *SchemaError) Error() string {
	where := ""
	if e.Group >= 0 {
		where = fmt.Sprintf(" (group %v", e.Group)
		if e.Image >= 0 {
			where += fmt.Sprintf(", image %v", e.Image)
		}
		where += ")"
	}
	if e.Err != nil {
		return fmt.Sprintf("Invalid labeled image file%v: %v: %v", where, e.Problem, e.Err)
	}
	return fmt.Sprintf("Invalid labeled image file%v: %v", where, e.Problem)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// Serialize produces the file document for the set. Numeric images that have
// not been encoded before are encoded now, and the encoding is cached on the
// image, so a second Serialize of an unchanged set does no encoding work.
func Serialize(s *Set) (*Document, error) {
	doc := &Document{
		LabeledImageSetList: make([]*GroupDoc, 0, len(s.Groups)),
	}
	for _, g := range s.Groups {
		label := g.Label
		gd := &GroupDoc{
			Label:     &label,
			ImageList: make([]*ImageDoc, 0, len(g.Images)),
		}
		for _, img := range g.Images {
			enc, err := img.Encode()
			if err != nil {
				return nil, err
			}
			gd.ImageList = append(gd.ImageList, &ImageDoc{
				UID:  img.UID,
				Name: img.Name,
				Img:  enc.Data,
				Tensor: &TensorDoc{
					Shape: enc.Shape.Clone(),
					DType: string(enc.DType),
				},
			})
		}
		doc.LabeledImageSetList = append(doc.LabeledImageSetList, gd)
	}
	return doc, nil
}

// Marshal serializes the set to indented JSON
func Marshal(s *Set) ([]byte, error) {
	doc, err := Serialize(s)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(doc, "", "  ")
}

func validate(doc *Document) error {
	if doc.LabeledImageSetList == nil {
		return &SchemaError{Group: -1, Image: -1, Problem: "missing 'labeledImageSetList'"}
	}
	for gi, g := range doc.LabeledImageSetList {
		if g == nil {
			return &SchemaError{Group: gi, Image: -1, Problem: "group is null"}
		}
		if g.Label == nil {
			return &SchemaError{Group: gi, Image: -1, Problem: "missing 'label'"}
		}
		if g.ImageList == nil {
			return &SchemaError{Group: gi, Image: -1, Problem: "missing 'imageList'"}
		}
		for ii, img := range g.ImageList {
			if img == nil {
				return &SchemaError{Group: gi, Image: ii, Problem: "image is null"}
			}
			if img.Img == "" {
				return &SchemaError{Group: gi, Image: ii, Problem: "missing 'img'"}
			}
			if img.Tensor == nil {
				return &SchemaError{Group: gi, Image: ii, Problem: "missing 'tensor'"}
			}
			if img.Tensor.Shape == nil {
				return &SchemaError{Group: gi, Image: ii, Problem: "missing 'tensor.shape'"}
			}
			if img.Tensor.DType == "" {
				return &SchemaError{Group: gi, Image: ii, Problem: "missing 'tensor.dtype'"}
			}
		}
	}
	return nil
}

// Deserialize decodes every image of the document into a new Set.
//
// A SchemaError aborts the whole load, and nothing is returned.
// An image whose encoding is malformed is dropped with a warning, and the
// rest of the set still loads.
func Deserialize(log logs.Log, arena *tensor.Arena, doc *Document) (*Set, error) {
	if err := validate(doc); err != nil {
		return nil, err
	}
	set := NewSet()
	seen := map[string]bool{}
	for _, gd := range doc.LabeledImageSetList {
		g := set.AddGroup(*gd.Label)
		for _, id := range gd.ImageList {
			img := &Image{
				UID:  id.UID,
				Name: id.Name,
				Content: &Encoded{
					Data:  id.Img,
					Shape: tensor.Shape(id.Tensor.Shape).Clone(),
					DType: tensor.DType(id.Tensor.DType),
				},
			}
			if err := img.Decode(arena); err != nil {
				if _, ok := err.(*tensor.MalformedEncodingError); ok {
					log.Warnf("Dropping image '%v' (uid %v) from label '%v': %v", id.Name, id.UID, g.Label, err)
					continue
				}
				set.Release()
				return nil, err
			}
			if img.UID == "" || seen[img.UID] {
				img.UID = NewUID()
			}
			seen[img.UID] = true
			g.Images = append(g.Images, img)
		}
	}
	return set, nil
}

// Unmarshal parses and deserializes a JSON document.
// Anything that is not a well-formed document is a SchemaError.
func Unmarshal(log logs.Log, arena *tensor.Arena, data []byte) (*Set, error) {
	doc := Document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &SchemaError{Group: -1, Image: -1, Problem: "not a JSON labeled image document", Err: err}
	}
	return Deserialize(log, arena, &doc)
}
