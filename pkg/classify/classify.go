// Package classify holds the classifiers that are trained on top of extracted
// feature vectors. Both strategies share the Classifier contract, so the
// orchestrator can swap between them.
package classify

import (
	"fmt"
	"slices"

	"github.com/cyclopcam/teachable/pkg/tensor"
)

type Mode string

const (
	ModeKNN      Mode = "knn"      // Nearest neighbor over stored examples
	ModeFineTune Mode = "finetune" // Dense head trained by gradient descent
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeKNN, ModeFineTune:
		return Mode(s), nil
	case "":
		return ModeKNN, nil
	}
	return "", fmt.Errorf("Unknown classifier mode '%v' (expected '%v' or '%v')", s, ModeKNN, ModeFineTune)
}

type LabelScore struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

// Prediction is the result of classifying one feature vector
type Prediction struct {
	Label      string       `json:"label"`
	ClassIndex int          `json:"classIndex"`
	Scores     []LabelScore `json:"scores"` // Every class, highest score first
}

type ClassInfo struct {
	Label    string `json:"label"`
	Examples int    `json:"examples"`
}

// Info describes the registered classes
type Info struct {
	Mode    Mode        `json:"mode"`
	Classes []ClassInfo `json:"classes"`
}

func (i Info) NumExamples() int {
	n := 0
	for _, c := range i.Classes {
		n += c.Examples
	}
	return n
}

// Classifier is not safe for concurrent use. The orchestrator serializes access.
type Classifier interface {
	Mode() Mode

	// Register adds one labeled example. The feature is copied, so the caller
	// still owns (and must release) its tensor.
	Register(label string, feature *tensor.Tensor) error

	// Classify returns the ranked labels for one feature vector. The feature is not released.
	Classify(feature *tensor.Tensor) (*Prediction, error)

	Info() Info

	// Reset forgets all examples and any trained state
	Reset()

	// Close releases everything. The classifier may not be used afterwards.
	Close()
}

// TensorInfo describes the layout of a tensor
type TensorInfo struct {
	Shape   []int  `json:"shape"`
	DType   string `json:"dtype"`
	Strides []int  `json:"strides"`
	Rank    int    `json:"rank"`
}

func DescribeShape(shape tensor.Shape, dtype tensor.DType) TensorInfo {
	return TensorInfo{
		Shape:   shape.Clone(),
		DType:   string(dtype),
		Strides: shape.Strides(),
		Rank:    len(shape),
	}
}

// DatasetInfo describes the stacked training examples (xs) and their one-hot labels (ys)
type DatasetInfo struct {
	XS TensorInfo `json:"xs"`
	YS TensorInfo `json:"ys"`
}

func DescribeDataset(examples, features, classes int) DatasetInfo {
	return DatasetInfo{
		XS: DescribeShape(tensor.Shape{examples, features}, tensor.Float32),
		YS: DescribeShape(tensor.Shape{examples, classes}, tensor.Float32),
	}
}

// classList keeps labels in order of first registration. Class indices are positions in this list.
type classList struct {
	labels []string
}

func (c *classList) index(label string) int {
	return slices.Index(c.labels, label)
}

func (c *classList) add(label string) int {
	if i := c.index(label); i != -1 {
		return i
	}
	c.labels = append(c.labels, label)
	return len(c.labels) - 1
}

// featureVector validates a [F] or [1,F] feature tensor, and returns its samples
func featureVector(feature *tensor.Tensor, expectLength int) ([]float32, error) {
	shape := feature.Shape()
	if !(len(shape) == 1 || (len(shape) == 2 && shape[0] == 1)) {
		return nil, fmt.Errorf("Expected a feature vector of shape [F] or [1,F], but got %v", shape)
	}
	data := feature.Data()
	if expectLength != 0 && len(data) != expectLength {
		return nil, fmt.Errorf("Feature vector has length %v, but previous examples have length %v", len(data), expectLength)
	}
	return data, nil
}

func sortScores(scores []LabelScore) {
	slices.SortStableFunc(scores, func(a, b LabelScore) int {
		if a.Score > b.Score {
			return -1
		} else if a.Score < b.Score {
			return 1
		}
		return 0
	})
}
