package classify

import (
	"fmt"
	"slices"

	"github.com/cyclopcam/teachable/pkg/perfstats"
	"github.com/cyclopcam/teachable/pkg/tensor"
	"gonum.org/v1/gonum/floats"
)

const DefaultTopK = 10

type knnExample struct {
	class   int
	feature *tensor.Tensor
	norm    float64
}

// KNN classifies by voting among the TopK stored examples with the highest
// cosine similarity to the query.
type KNN struct {
	TopK int

	arena    *tensor.Arena
	classes  classList
	counts   []int
	examples []knnExample
	length   int
	scratchA []float64
	scratchB []float64
}

func NewKNN(arena *tensor.Arena, topK int) *KNN {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &KNN{
		TopK:  topK,
		arena: arena,
	}
}

func (k *KNN) Mode() Mode {
	return ModeKNN
}

func (k *KNN) toFloat64(src []float32, dst []float64) []float64 {
	dst = slices.Grow(dst[:0], len(src))[:len(src)]
	for i, v := range src {
		dst[i] = float64(v)
	}
	return dst
}

func (k *KNN) Register(label string, feature *tensor.Tensor) error {
	defer perfstats.Stats.Measure(perfstats.PhaseRegister)()
	data, err := featureVector(feature, k.length)
	if err != nil {
		return err
	}
	stored, err := k.arena.FromData(tensor.Shape{len(data)}, data)
	if err != nil {
		return err
	}
	k.scratchA = k.toFloat64(data, k.scratchA)
	class := k.classes.add(label)
	if class == len(k.counts) {
		k.counts = append(k.counts, 0)
	}
	k.counts[class]++
	k.length = len(data)
	k.examples = append(k.examples, knnExample{
		class:   class,
		feature: stored,
		norm:    floats.Norm(k.scratchA, 2),
	})
	return nil
}

type knnNeighbor struct {
	index      int
	similarity float64
}

func (k *KNN) Classify(feature *tensor.Tensor) (*Prediction, error) {
	defer perfstats.Stats.Measure(perfstats.PhaseClassify)()
	if len(k.examples) == 0 {
		return nil, fmt.Errorf("No examples have been registered")
	}
	data, err := featureVector(feature, k.length)
	if err != nil {
		return nil, err
	}
	query := k.toFloat64(data, k.scratchA)
	k.scratchA = query
	queryNorm := floats.Norm(query, 2)

	neighbors := make([]knnNeighbor, len(k.examples))
	for i, ex := range k.examples {
		k.scratchB = k.toFloat64(ex.feature.Data(), k.scratchB)
		sim := 0.0
		if queryNorm != 0 && ex.norm != 0 {
			sim = floats.Dot(query, k.scratchB) / (queryNorm * ex.norm)
		}
		neighbors[i] = knnNeighbor{index: i, similarity: sim}
	}
	slices.SortStableFunc(neighbors, func(a, b knnNeighbor) int {
		if a.similarity > b.similarity {
			return -1
		} else if a.similarity < b.similarity {
			return 1
		}
		return 0
	})

	nk := min(k.TopK, len(neighbors))
	votes := make([]int, len(k.classes.labels))
	simSum := make([]float64, len(k.classes.labels))
	for _, n := range neighbors[:nk] {
		c := k.examples[n.index].class
		votes[c]++
		simSum[c] += n.similarity
	}

	best := 0
	for c := 1; c < len(votes); c++ {
		if votes[c] > votes[best] || (votes[c] == votes[best] && simSum[c] > simSum[best]) {
			best = c
		}
	}

	scores := make([]LabelScore, len(votes))
	for c, v := range votes {
		scores[c] = LabelScore{Label: k.classes.labels[c], Score: float32(v) / float32(nk)}
	}
	sortScores(scores)
	// Make sure the winner leads the list even when vote counts tie
	if i := slices.IndexFunc(scores, func(s LabelScore) bool { return s.Label == k.classes.labels[best] }); i > 0 {
		winner := scores[i]
		copy(scores[1:i+1], scores[:i])
		scores[0] = winner
	}
	return &Prediction{
		Label:      k.classes.labels[best],
		ClassIndex: best,
		Scores:     scores,
	}, nil
}

func (k *KNN) Info() Info {
	info := Info{Mode: ModeKNN, Classes: []ClassInfo{}}
	for i, label := range k.classes.labels {
		info.Classes = append(info.Classes, ClassInfo{Label: label, Examples: k.counts[i]})
	}
	return info
}

func (k *KNN) Reset() {
	for _, ex := range k.examples {
		ex.feature.Release()
	}
	k.examples = nil
	k.classes = classList{}
	k.counts = nil
	k.length = 0
}

func (k *KNN) Close() {
	k.Reset()
}
