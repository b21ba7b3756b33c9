package classify

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cyclopcam/teachable/pkg/perfstats"
	"github.com/cyclopcam/teachable/pkg/tensor"
	"gonum.org/v1/gonum/mat"
)

// InvalidBatchSizeError is returned by Fit when the batch size fraction
// produces a batch of zero examples.
type InvalidBatchSizeError struct {
	Examples          int
	BatchSizeFraction float64
}

func (e *InvalidBatchSizeError) Error() string {
	return fmt.Sprintf("Batch size is 0 or NaN (%v examples x batch size fraction %v). Please choose a non-zero fraction", e.Examples, e.BatchSizeFraction)
}

type FineTuneConfig struct {
	Units        int     // Hidden layer width
	LearningRate float64 // Adam step size
	Seed         int64   // Weight init and shuffling
}

func DefaultFineTuneConfig() FineTuneConfig {
	return FineTuneConfig{
		Units:        100,
		LearningRate: 1e-4,
		Seed:         1,
	}
}

type FitParams struct {
	BatchSizeFraction float64            // Fraction of the examples in each minibatch, eg 0.4
	Epochs            int                // Passes over the data, eg 10
	OnEpoch           func(log EpochLog) // Called after every epoch. May be nil.
}

func DefaultFitParams() FitParams {
	return FitParams{
		BatchSizeFraction: 0.4,
		Epochs:            10,
	}
}

// EpochLog reports the state of training after one epoch
type EpochLog struct {
	Epoch    int           `json:"epoch"`
	Loss     float64       `json:"loss"`
	Accuracy float64       `json:"accuracy"`
	Duration time.Duration `json:"duration"`
}

// BatchSize returns floor(examples * fraction), or an InvalidBatchSizeError if that is not positive
func BatchSize(examples int, fraction float64) (int, error) {
	bs := math.Floor(float64(examples) * fraction)
	if math.IsNaN(bs) || bs <= 0 {
		return 0, &InvalidBatchSizeError{Examples: examples, BatchSizeFraction: fraction}
	}
	return min(int(bs), examples), nil
}

// denseParam is one weight matrix with its Adam moments
type denseParam struct {
	w    *mat.Dense
	m, v []float64
}

func newDenseParam(r, c int, init func() float64) *denseParam {
	data := make([]float64, r*c)
	if init != nil {
		for i := range data {
			data[i] = init()
		}
	}
	return &denseParam{
		w: mat.NewDense(r, c, data),
		m: make([]float64, r*c),
		v: make([]float64, r*c),
	}
}

const adamBeta1 = 0.9
const adamBeta2 = 0.999
const adamEpsilon = 1e-7

func (p *denseParam) adamStep(grad *mat.Dense, lr float64, step int) {
	w := p.w.RawMatrix().Data
	g := grad.RawMatrix().Data
	c1 := 1 - math.Pow(adamBeta1, float64(step))
	c2 := 1 - math.Pow(adamBeta2, float64(step))
	for i := range w {
		p.m[i] = adamBeta1*p.m[i] + (1-adamBeta1)*g[i]
		p.v[i] = adamBeta2*p.v[i] + (1-adamBeta2)*g[i]*g[i]
		w[i] -= lr * (p.m[i] / c1) / (math.Sqrt(p.v[i]/c2) + adamEpsilon)
	}
}

// FineTune trains a small dense head (features -> ReLU hidden layer -> softmax)
// on the registered examples.
type FineTune struct {
	config   FineTuneConfig
	arena    *tensor.Arena
	classes  classList
	counts   []int
	examples []*tensor.Tensor
	labels   []int
	length   int

	w1, b1, w2, b2 *denseParam
	steps          int
	trainedClasses int
	history        []EpochLog
}

func NewFineTune(arena *tensor.Arena, config FineTuneConfig) *FineTune {
	def := DefaultFineTuneConfig()
	if config.Units <= 0 {
		config.Units = def.Units
	}
	if config.LearningRate <= 0 {
		config.LearningRate = def.LearningRate
	}
	return &FineTune{
		config: config,
		arena:  arena,
	}
}

func (f *FineTune) Mode() Mode {
	return ModeFineTune
}

func (f *FineTune) Register(label string, feature *tensor.Tensor) error {
	defer perfstats.Stats.Measure(perfstats.PhaseRegister)()
	data, err := featureVector(feature, f.length)
	if err != nil {
		return err
	}
	stored, err := f.arena.FromData(tensor.Shape{len(data)}, data)
	if err != nil {
		return err
	}
	class := f.classes.add(label)
	if class == len(f.counts) {
		f.counts = append(f.counts, 0)
	}
	f.counts[class]++
	f.length = len(data)
	f.examples = append(f.examples, stored)
	f.labels = append(f.labels, class)
	// New examples invalidate a previous fit
	f.trainedClasses = 0
	return nil
}

// Steps is the number of optimizer steps taken by the most recent Fit
func (f *FineTune) Steps() int {
	return f.steps
}

// Trained is true if Fit has completed since the last change to the examples
func (f *FineTune) Trained() bool {
	return f.trainedClasses != 0
}

// History returns the epoch logs of the most recent Fit
func (f *FineTune) History() []EpochLog {
	return append([]EpochLog{}, f.history...)
}

// DatasetInfo describes the tensors that Fit trains on
func (f *FineTune) DatasetInfo() DatasetInfo {
	return DescribeDataset(len(f.examples), f.length, len(f.classes.labels))
}

// Fit trains the head. The batch size is validated before anything is
// allocated or any optimizer step is taken.
func (f *FineTune) Fit(ctx context.Context, params FitParams) ([]EpochLog, error) {
	n := len(f.examples)
	batchSize, err := BatchSize(n, params.BatchSizeFraction)
	if err != nil {
		return nil, err
	}
	if params.Epochs <= 0 {
		return nil, fmt.Errorf("Epochs must be positive, but is %v", params.Epochs)
	}
	nClasses := len(f.classes.labels)
	nIn := f.length
	units := f.config.Units
	rng := rand.New(rand.NewSource(f.config.Seed))

	// He initialization for the ReLU layer, Glorot for the output layer
	std1 := math.Sqrt(2 / float64(nIn))
	std2 := math.Sqrt(2 / float64(units+nClasses))
	f.w1 = newDenseParam(nIn, units, func() float64 { return rng.NormFloat64() * std1 })
	f.b1 = newDenseParam(1, units, nil)
	f.w2 = newDenseParam(units, nClasses, func() float64 { return rng.NormFloat64() * std2 })
	f.b2 = newDenseParam(1, nClasses, nil)
	f.steps = 0
	f.trainedClasses = 0
	f.history = nil

	xs := mat.NewDense(n, nIn, nil)
	for i, ex := range f.examples {
		row := xs.RawRowView(i)
		for j, v := range ex.Data() {
			row[j] = float64(v)
		}
	}

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for epoch := 0; epoch < params.Epochs; epoch++ {
		start := time.Now()
		rng.Shuffle(n, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
		for b := 0; b < n; b += batchSize {
			if err := ctx.Err(); err != nil {
				return f.History(), err
			}
			idx := perm[b:min(b+batchSize, n)]
			bx := mat.NewDense(len(idx), nIn, nil)
			by := make([]int, len(idx))
			for i, e := range idx {
				copy(bx.RawRowView(i), xs.RawRowView(e))
				by[i] = f.labels[e]
			}
			f.step(bx, by)
		}
		loss, acc := f.evaluate(xs, f.labels)
		log := EpochLog{Epoch: epoch, Loss: loss, Accuracy: acc, Duration: time.Since(start)}
		perfstats.Stats.Record(perfstats.PhaseEpoch, log.Duration)
		f.history = append(f.history, log)
		if params.OnEpoch != nil {
			params.OnEpoch(log)
		}
	}
	f.trainedClasses = nClasses
	return f.History(), nil
}

// forward returns the hidden activations and the softmax probabilities
func (f *FineTune) forward(x *mat.Dense) (hidden, probs *mat.Dense) {
	r, _ := x.Dims()
	hidden = mat.NewDense(r, f.config.Units, nil)
	hidden.Mul(x, f.w1.w)
	b1 := f.b1.w.RawRowView(0)
	hidden.Apply(func(i, j int, v float64) float64 {
		return max(0, v+b1[j])
	}, hidden)

	_, nClasses := f.w2.w.Dims()
	probs = mat.NewDense(r, nClasses, nil)
	probs.Mul(hidden, f.w2.w)
	b2 := f.b2.w.RawRowView(0)
	for i := 0; i < r; i++ {
		row := probs.RawRowView(i)
		for j := range row {
			row[j] += b2[j]
		}
		softmax(row)
	}
	return hidden, probs
}

func softmax(row []float64) {
	m := math.Inf(-1)
	for _, v := range row {
		m = max(m, v)
	}
	sum := 0.0
	for j, v := range row {
		row[j] = math.Exp(v - m)
		sum += row[j]
	}
	for j := range row {
		row[j] /= sum
	}
}

// step runs one minibatch of softmax cross entropy backprop and an Adam update
func (f *FineTune) step(x *mat.Dense, y []int) {
	r, _ := x.Dims()
	hidden, probs := f.forward(x)

	// dLogits = (probs - onehot) / r
	dLogits := mat.DenseCopyOf(probs)
	for i, c := range y {
		dLogits.Set(i, c, dLogits.At(i, c)-1)
	}
	dLogits.Scale(1/float64(r), dLogits)

	var dW2, dH, dW1 mat.Dense
	dW2.Mul(hidden.T(), dLogits)
	dB2 := colSums(dLogits)
	dH.Mul(dLogits, f.w2.w.T())
	dH.Apply(func(i, j int, v float64) float64 {
		if hidden.At(i, j) <= 0 {
			return 0
		}
		return v
	}, &dH)
	dW1.Mul(x.T(), &dH)
	dB1 := colSums(&dH)

	f.steps++
	lr := f.config.LearningRate
	f.w1.adamStep(&dW1, lr, f.steps)
	f.b1.adamStep(dB1, lr, f.steps)
	f.w2.adamStep(&dW2, lr, f.steps)
	f.b2.adamStep(dB2, lr, f.steps)
}

func colSums(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	sums := mat.NewDense(1, c, nil)
	out := sums.RawRowView(0)
	for i := 0; i < r; i++ {
		for j, v := range m.RawRowView(i) {
			out[j] += v
		}
	}
	return sums
}

func (f *FineTune) evaluate(x *mat.Dense, y []int) (loss, accuracy float64) {
	_, probs := f.forward(x)
	correct := 0
	for i, c := range y {
		row := probs.RawRowView(i)
		loss -= math.Log(max(row[c], 1e-12))
		best := 0
		for j := range row {
			if row[j] > row[best] {
				best = j
			}
		}
		if best == c {
			correct++
		}
	}
	return loss / float64(len(y)), float64(correct) / float64(len(y))
}

func (f *FineTune) Classify(feature *tensor.Tensor) (*Prediction, error) {
	defer perfstats.Stats.Measure(perfstats.PhaseClassify)()
	if !f.Trained() {
		return nil, fmt.Errorf("Model has not been trained")
	}
	data, err := featureVector(feature, f.length)
	if err != nil {
		return nil, err
	}
	x := mat.NewDense(1, len(data), nil)
	row := x.RawRowView(0)
	for i, v := range data {
		row[i] = float64(v)
	}
	_, probs := f.forward(x)
	p := probs.RawRowView(0)

	scores := make([]LabelScore, len(p))
	best := 0
	for c, v := range p {
		scores[c] = LabelScore{Label: f.classes.labels[c], Score: float32(v)}
		if v > p[best] {
			best = c
		}
	}
	sortScores(scores)
	return &Prediction{
		Label:      f.classes.labels[best],
		ClassIndex: best,
		Scores:     scores,
	}, nil
}

func (f *FineTune) Info() Info {
	info := Info{Mode: ModeFineTune, Classes: []ClassInfo{}}
	for i, label := range f.classes.labels {
		info.Classes = append(info.Classes, ClassInfo{Label: label, Examples: f.counts[i]})
	}
	return info
}

func (f *FineTune) Reset() {
	for _, ex := range f.examples {
		ex.Release()
	}
	f.examples = nil
	f.labels = nil
	f.classes = classList{}
	f.counts = nil
	f.length = 0
	f.w1, f.b1, f.w2, f.b2 = nil, nil, nil, nil
	f.steps = 0
	f.trainedClasses = 0
	f.history = nil
}

func (f *FineTune) Close() {
	f.Reset()
}
