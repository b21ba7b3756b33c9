package train

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/classify"
	"github.com/cyclopcam/teachable/pkg/features"
	"github.com/cyclopcam/teachable/pkg/labelset"
	"github.com/cyclopcam/teachable/pkg/nn"
	"github.com/cyclopcam/teachable/pkg/nnload"
	"github.com/cyclopcam/teachable/pkg/tensor"
)

// Status is the orchestrator's position in its lifecycle
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusLoaded
	StatusTraining
	StatusTrained
	StatusPredicting
	StatusPredicted
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusTraining:
		return "training"
	case StatusTrained:
		return "trained"
	case StatusPredicting:
		return "predicting"
	case StatusPredicted:
		return "predicted"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BusyError is returned when a train or predict call overlaps another one.
// The caller may retry later.
type BusyError struct {
	Op     string
	Status Status
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("Cannot %v while %v", e.Op, e.Status)
}

// ExtractorLoadError is returned when the feature extractor fails to load.
// The orchestrator stays idle, and Load may be retried.
type ExtractorLoadError struct {
	Err error
}

func (e *ExtractorLoadError) Error() string {
	return fmt.Sprintf("Failed to load feature extractor: %v", e.Err)
}

func (e *ExtractorLoadError) Unwrap() error {
	return e.Err
}

var ErrClosed = errors.New("Orchestrator is closed")
var ErrNotLoaded = errors.New("Feature extractor is not loaded")
var ErrNotTrained = errors.New("Classifier has not been trained")

// LoadFunc produces the feature extractor. It is called at most once per successful load.
type LoadFunc func() (nn.FeatureExtractor, error)

type Options struct {
	Mode            classify.Mode
	TopK            int
	FineTune        classify.FineTuneConfig
	DuplicatePolicy labelset.DuplicatePolicy
	Warmup          bool // Run one blank image through the extractor after loading
	HistorySize     int  // Number of recent predictions to remember
}

func DefaultOptions() Options {
	return Options{
		Mode:        classify.ModeKNN,
		TopK:        classify.DefaultTopK,
		FineTune:    classify.DefaultFineTuneConfig(),
		Warmup:      true,
		HistorySize: 20,
	}
}

type TrainParams struct {
	Mode              classify.Mode               // If not empty, the classifier is swapped to this mode first
	BatchSizeFraction float64                     // Fine-tuning only
	Epochs            int                         // Fine-tuning only
	OnEpoch           func(log classify.EpochLog) // Fine-tuning only. May be nil.
}

func DefaultTrainParams() TrainParams {
	fp := classify.DefaultFitParams()
	return TrainParams{
		BatchSizeFraction: fp.BatchSizeFraction,
		Epochs:            fp.Epochs,
	}
}

type TrainResult struct {
	Info     classify.Info        `json:"info"`
	Dataset  classify.DatasetInfo `json:"dataset"`
	Epochs   []classify.EpochLog  `json:"epochs"`
	Duration time.Duration        `json:"duration"`
}

type PredictResult struct {
	Prediction *classify.Prediction `json:"prediction"`
	Time       time.Time            `json:"time"`
	Duration   time.Duration        `json:"duration"`
}

type StatusReport struct {
	Status         Status                `json:"status"`
	Mode           classify.Mode         `json:"mode"`
	Extractor      *nn.ModelConfig       `json:"extractor"`
	Classifier     *classify.Info        `json:"classifier"`
	Dataset        *classify.DatasetInfo `json:"dataset"`
	Epochs         []classify.EpochLog   `json:"epochs"`
	LastPrediction *PredictResult        `json:"lastPrediction"`
	History        []PredictResult       `json:"history"` // Recent predictions, oldest first
}

// Orchestrator owns one feature extractor and one classifier, and sequences
// load, train and predict against them. Train and predict are mutually
// exclusive. An overlapping call gets a BusyError instead of waiting.
type Orchestrator struct {
	Log logs.Log

	arena *tensor.Arena
	load  LoadFunc

	lock        sync.Mutex
	opt         Options
	status      Status
	closed      bool
	extractor   nn.FeatureExtractor
	pipeline    *features.Pipeline
	classifier  classify.Classifier
	busy        bool
	busyCancel  context.CancelFunc
	busyDone    chan struct{}
	swapping    bool
	dataset     *classify.DatasetInfo
	epochs      []classify.EpochLog
	last        *PredictResult
	lastFeature *tensor.Tensor // Retained for display until the next prediction
	history     ringbuffer.RingP[PredictResult]
}

func NewOrchestrator(log logs.Log, arena *tensor.Arena, load LoadFunc, opt Options) *Orchestrator {
	if opt.Mode == "" {
		opt.Mode = classify.ModeKNN
	}
	if opt.HistorySize <= 0 {
		opt.HistorySize = DefaultOptions().HistorySize
	}
	return &Orchestrator{
		Log:     log,
		arena:   arena,
		load:    load,
		opt:     opt,
		history: ringbuffer.NewRingP[PredictResult](opt.HistorySize),
	}
}

func (o *Orchestrator) newClassifier(mode classify.Mode) classify.Classifier {
	if mode == classify.ModeFineTune {
		return classify.NewFineTune(o.arena, o.opt.FineTune)
	}
	return classify.NewKNN(o.arena, o.opt.TopK)
}

func (o *Orchestrator) Status() Status {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.status
}

func (o *Orchestrator) Mode() classify.Mode {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.opt.Mode
}

// Load loads the feature extractor. Loading happens once per session: after a
// successful load, further calls return immediately. On failure the
// orchestrator returns to idle and the caller may try again.
func (o *Orchestrator) Load(ctx context.Context) error {
	o.lock.Lock()
	if o.closed {
		o.lock.Unlock()
		return ErrClosed
	}
	if o.extractor != nil {
		o.lock.Unlock()
		return nil
	}
	if o.status == StatusLoading {
		o.lock.Unlock()
		return &BusyError{Op: "load", Status: o.status}
	}
	o.status = StatusLoading
	o.lock.Unlock()

	start := time.Now()
	extractor, err := o.load()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil && o.opt.Warmup {
		err = nnload.Warmup(extractor, o.arena)
	}
	if err != nil {
		if extractor != nil {
			extractor.Close()
		}
		o.lock.Lock()
		o.status = StatusIdle
		o.lock.Unlock()
		o.Log.Errorf("Feature extractor load failed: %v", err)
		return &ExtractorLoadError{Err: err}
	}

	o.lock.Lock()
	defer o.lock.Unlock()
	if o.closed {
		extractor.Close()
		return ErrClosed
	}
	o.extractor = extractor
	o.pipeline = features.NewPipeline(o.arena, extractor)
	o.classifier = o.newClassifier(o.opt.Mode)
	o.status = StatusLoaded
	cfg := extractor.Config()
	o.Log.Infof("Loaded %v feature extractor (%v x %v -> %v) in %.0f ms", cfg.Architecture, cfg.Width, cfg.Height, cfg.Features, time.Since(start).Seconds()*1000)
	return nil
}

// begin claims the model for one train or predict call
func (o *Orchestrator) begin(parent context.Context, op string, next Status) (context.Context, Status, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.closed {
		return nil, 0, ErrClosed
	}
	if o.extractor == nil {
		return nil, 0, ErrNotLoaded
	}
	if o.busy || o.swapping {
		return nil, 0, &BusyError{Op: op, Status: o.status}
	}
	prev := o.status
	ctx, cancel := context.WithCancel(parent)
	o.busy = true
	o.busyCancel = cancel
	o.busyDone = make(chan struct{})
	o.status = next
	return ctx, prev, nil
}

// end releases the model claimed by begin
func (o *Orchestrator) end(status Status) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.status = status
	o.busy = false
	o.busyCancel()
	close(o.busyDone)
}

// Train extracts features from every image in the set and registers them
// with a fresh classifier. In fine-tune mode, the classifier is then fitted.
// The set is read but not modified or released.
func (o *Orchestrator) Train(ctx context.Context, set *labelset.Set, params TrainParams) (*TrainResult, error) {
	ctx, _, err := o.begin(ctx, "train", StatusTraining)
	if err != nil {
		return nil, err
	}
	// The claim is released on every exit path, including a panic inside the extractor
	final := StatusLoaded
	defer func() {
		if final != StatusTrained {
			o.classifier.Reset()
			o.lock.Lock()
			o.dataset = nil
			o.epochs = nil
			o.lock.Unlock()
		}
		o.end(final)
	}()

	if params.Mode != "" && params.Mode != o.classifier.Mode() {
		o.lock.Lock()
		old := o.classifier
		o.opt.Mode = params.Mode
		o.classifier = o.newClassifier(params.Mode)
		o.releasePredictionLocked()
		o.lock.Unlock()
		old.Close()
	}
	result, err := o.train(ctx, set, params)
	if err != nil {
		return nil, err
	}
	o.lock.Lock()
	o.dataset = &result.Dataset
	o.epochs = result.Epochs
	o.lock.Unlock()
	final = StatusTrained
	return result, nil
}

func (o *Orchestrator) train(ctx context.Context, set *labelset.Set, params TrainParams) (*TrainResult, error) {
	start := time.Now()
	classes, err := set.Classes(o.opt.DuplicatePolicy)
	if err != nil {
		return nil, err
	}
	nExamples := 0
	for _, c := range classes {
		nExamples += len(c.Images)
	}
	if nExamples == 0 {
		return nil, fmt.Errorf("The label set has no images")
	}
	ft, isFineTune := o.classifier.(*classify.FineTune)
	if isFineTune {
		// Fail fast, before spending time on feature extraction
		if _, err := classify.BatchSize(nExamples, params.BatchSizeFraction); err != nil {
			return nil, err
		}
	}

	o.classifier.Reset()
	for _, class := range classes {
		for _, img := range class.Images {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := o.registerImage(class.Label, img); err != nil {
				return nil, err
			}
		}
	}

	result := &TrainResult{
		Dataset: classify.DescribeDataset(nExamples, o.pipeline.FeatureLength(), len(classes)),
	}
	if isFineTune {
		fitParams := classify.FitParams{
			BatchSizeFraction: params.BatchSizeFraction,
			Epochs:            params.Epochs,
			OnEpoch: func(l classify.EpochLog) {
				o.Log.Infof("Epoch %v: loss %.4f, accuracy %.3f", l.Epoch, l.Loss, l.Accuracy)
				if params.OnEpoch != nil {
					params.OnEpoch(l)
				}
			},
		}
		epochs, err := ft.Fit(ctx, fitParams)
		if err != nil {
			return nil, err
		}
		result.Epochs = epochs
	}
	result.Info = o.classifier.Info()
	result.Duration = time.Since(start)
	o.Log.Infof("Trained %v classifier on %v examples in %v classes (%.0f ms)", o.classifier.Mode(), nExamples, len(classes), result.Duration.Seconds()*1000)
	return result, nil
}

// registerImage extracts one feature vector, hands it to the classifier, and releases it
func (o *Orchestrator) registerImage(label string, img *labelset.Image) error {
	t := img.Tensor()
	if t == nil {
		return fmt.Errorf("Image %v has not been decoded", img.UID)
	}
	feature, err := o.pipeline.Extract(t)
	if err != nil {
		return fmt.Errorf("Image %v: %w", img.UID, err)
	}
	defer feature.Release()
	return o.classifier.Register(label, feature)
}

// Predict classifies one image. The image is not released.
func (o *Orchestrator) Predict(ctx context.Context, img *tensor.Tensor) (*PredictResult, error) {
	o.lock.Lock()
	trained := o.status == StatusTrained || o.status == StatusPredicted
	busy := o.busy
	o.lock.Unlock()
	if !trained && !busy {
		return nil, ErrNotTrained
	}

	ctx, prev, err := o.begin(ctx, "predict", StatusPredicting)
	if err != nil {
		return nil, err
	}
	final := prev
	defer func() {
		o.end(final)
	}()
	if prev != StatusTrained && prev != StatusPredicted {
		return nil, ErrNotTrained
	}

	start := time.Now()
	feature, err := o.pipeline.Extract(img)
	if err != nil {
		return nil, err
	}
	// The feature has two consumers: the classifier, and the retained display copy
	display := feature.Retain()
	defer feature.Release()
	published := false
	defer func() {
		if !published {
			display.Release()
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prediction, err := o.classifier.Classify(feature)
	if err != nil {
		return nil, err
	}
	result := &PredictResult{
		Prediction: prediction,
		Time:       time.Now(),
		Duration:   time.Since(start),
	}

	o.lock.Lock()
	if o.lastFeature != nil {
		o.lastFeature.Release()
	}
	o.lastFeature = display
	published = true
	o.last = result
	o.history.Add(*result)
	o.lock.Unlock()
	final = StatusPredicted
	return result, nil
}

// LastFeature returns a new reference to the feature vector of the most recent prediction,
// or nil. The caller must release it.
func (o *Orchestrator) LastFeature() *tensor.Tensor {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.lastFeature == nil {
		return nil
	}
	return o.lastFeature.Retain()
}

// History returns recent predictions, oldest first
func (o *Orchestrator) History() []PredictResult {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.historyLocked()
}

func (o *Orchestrator) historyLocked() []PredictResult {
	out := make([]PredictResult, 0, o.history.Len())
	for i := 0; i < o.history.Len(); i++ {
		r := o.history.Peek(i)
		out = append(out, PredictResult{Prediction: r.Prediction, Time: r.Time, Duration: r.Duration})
	}
	return out
}

// SetMode swaps the classifier for a fresh one of the given mode. Any train or
// predict call in flight is cancelled, and the old classifier is released only
// after that call has returned.
func (o *Orchestrator) SetMode(mode classify.Mode) error {
	o.lock.Lock()
	if o.closed {
		o.lock.Unlock()
		return ErrClosed
	}
	if o.swapping {
		o.lock.Unlock()
		return &BusyError{Op: "swap model", Status: o.status}
	}
	o.swapping = true
	o.opt.Mode = mode
	o.waitIdleLocked()

	old := o.classifier
	if o.extractor != nil {
		o.classifier = o.newClassifier(mode)
		o.status = StatusLoaded
	}
	o.releasePredictionLocked()
	o.dataset = nil
	o.epochs = nil
	o.swapping = false
	o.lock.Unlock()

	if old != nil {
		old.Close()
	}
	o.Log.Infof("Classifier mode is now %v", mode)
	return nil
}

// Reset forgets all training, keeping the current mode
func (o *Orchestrator) Reset() error {
	return o.SetMode(o.Mode())
}

// waitIdleLocked cancels any call in flight and waits for it to finish.
// The lock is held on entry and on exit, but released while waiting.
func (o *Orchestrator) waitIdleLocked() {
	for o.busy {
		cancel := o.busyCancel
		done := o.busyDone
		o.lock.Unlock()
		cancel()
		<-done
		o.lock.Lock()
	}
}

func (o *Orchestrator) releasePredictionLocked() {
	if o.lastFeature != nil {
		o.lastFeature.Release()
		o.lastFeature = nil
	}
	o.last = nil
}

// Close releases the extractor, the classifier and any retained prediction.
// A call in flight is cancelled and waited for first.
func (o *Orchestrator) Close() {
	o.lock.Lock()
	if o.closed {
		o.lock.Unlock()
		return
	}
	o.closed = true
	o.waitIdleLocked()
	o.releasePredictionLocked()
	classifier := o.classifier
	extractor := o.extractor
	o.classifier = nil
	o.extractor = nil
	o.pipeline = nil
	o.status = StatusIdle
	o.lock.Unlock()

	if classifier != nil {
		classifier.Close()
	}
	if extractor != nil {
		extractor.Close()
	}
}

// Report summarizes the orchestrator's state
func (o *Orchestrator) Report() StatusReport {
	o.lock.Lock()
	defer o.lock.Unlock()
	r := StatusReport{
		Status:         o.status,
		Mode:           o.opt.Mode,
		Dataset:        o.dataset,
		Epochs:         o.epochs,
		LastPrediction: o.last,
		History:        o.historyLocked(),
	}
	if o.extractor != nil {
		cfg := *o.extractor.Config()
		r.Extractor = &cfg
	}
	if o.classifier != nil && !o.busy {
		info := o.classifier.Info()
		r.Classifier = &info
	}
	return r
}
