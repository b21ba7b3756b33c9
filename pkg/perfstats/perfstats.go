// Package perfstats is a single place where we record the performance of the
// numeric phases of training and prediction, so that it's easy to compare
// different extractors and the performance of different hardware.
package perfstats

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

/*
Built-in pooling extractor, 224x224 input

Ryzen 5900X
Preprocess 640x480 frame: 3.1 ms
Infer: 0.4 ms

Raspberry Pi 5
Preprocess 640x480 frame: 14.8 ms
Infer: 2.2 ms
*/

type Phase int

const (
	PhasePreprocess Phase = iota // resize + center + reshape
	PhaseInfer                   // feature extractor
	PhaseRegister                // add one example to a classifier
	PhaseClassify                // classify one feature vector
	PhaseEpoch                   // one fine-tuning epoch
	NumPhases
)

func (p Phase) String() string {
	switch p {
	case PhasePreprocess:
		return "preprocess"
	case PhaseInfer:
		return "infer"
	case PhaseRegister:
		return "register"
	case PhaseClassify:
		return "classify"
	case PhaseEpoch:
		return "epoch"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

type phaseCounters struct {
	movingAverageNS atomic.Uint64
	samples         atomic.Int64
	totalNS         atomic.Int64
}

type PerfStats struct {
	phases [NumPhases]phaseCounters
}

// PhaseStats is a JSON-friendly summary of one phase
type PhaseStats struct {
	Samples         int64   `json:"samples"`
	AverageMS       float64 `json:"averageMS"`
	MovingAverageMS float64 `json:"movingAverageMS"`
}

var Stats = PerfStats{}

// UpdateMovingAverage folds a new sample into an exponential moving average
func UpdateMovingAverage(stat *atomic.Uint64, value int64) {
	vu := uint64(value)
	// We don't bother about strict correctness here, with CompareAndSwap,
	// because this is just sampled stats, and it's OK to miss one or two samples.
	if stat.Load() == 0 {
		stat.Store(vu)
	} else {
		stat.Store((stat.Load()*63 + vu) >> 6)
	}
}

func (s *PerfStats) Record(p Phase, d time.Duration) {
	c := &s.phases[p]
	UpdateMovingAverage(&c.movingAverageNS, d.Nanoseconds())
	c.samples.Add(1)
	c.totalNS.Add(d.Nanoseconds())
}

// Measure starts a timer, and records it when the returned function is called.
//
//	defer perfstats.Stats.Measure(perfstats.PhaseInfer)()
func (s *PerfStats) Measure(p Phase) func() {
	start := time.Now()
	return func() {
		s.Record(p, time.Since(start))
	}
}

func (s *PerfStats) Phase(p Phase) PhaseStats {
	c := &s.phases[p]
	ps := PhaseStats{
		Samples:         c.samples.Load(),
		MovingAverageMS: float64(c.movingAverageNS.Load()) / 1e6,
	}
	if ps.Samples != 0 {
		ps.AverageMS = float64(c.totalNS.Load()) / float64(ps.Samples) / 1e6
	}
	return ps
}

// Snapshot returns the stats of every phase that has at least one sample
func (s *PerfStats) Snapshot() map[string]PhaseStats {
	m := map[string]PhaseStats{}
	for p := Phase(0); p < NumPhases; p++ {
		if ps := s.Phase(p); ps.Samples != 0 {
			m[p.String()] = ps
		}
	}
	return m
}

func (s *PerfStats) String() string {
	b := &strings.Builder{}
	for p := Phase(0); p < NumPhases; p++ {
		ps := s.Phase(p)
		if ps.Samples == 0 {
			continue
		}
		fmt.Fprintf(b, "%v: %0.3f ms (%v samples)\n", p, ps.MovingAverageMS, ps.Samples)
	}
	return b.String()
}

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}
